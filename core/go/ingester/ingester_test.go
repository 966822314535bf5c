package ingester

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/dispatcher"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/scheduler"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/core/go/watcher"
	"github.com/kryptoslogic/assemblyline-core/go/now"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

var testSHA = strings.Repeat("a", 64)

type ingestFixture struct {
	ctx     *now.TimeTravelCtx
	cfg     *config.Config
	factory *queue.MemoryFactory
	ds      *store.MemoryDatastore
	ing     *Ingester
}

func newIngestFixture(t *testing.T, caps scheduler.Capabilities) *ingestFixture {
	ctx := now.TimeTravelingContext(baseTime)
	cfg := config.Default()
	cfg.Submission.DefaultServices = []string{"core-a", "extract"}
	factory := queue.NewMemoryFactory()
	ds := store.NewMemoryDatastore()

	require.NoError(t, ds.Users().Save(ctx, &types.User{
		Name:      "alice",
		Groups:    []string{"staff"},
		CanSubmit: true,
	}))
	for _, service := range []*types.Service{
		{Name: "extract", Category: types.CategoryExtract, Enabled: true},
		{Name: "core-a", Category: types.CategoryCore, Enabled: true},
		{Name: "post-x", Category: types.CategoryPost, Enabled: true},
	} {
		require.NoError(t, ds.Services().Save(ctx, service))
	}

	ing := New(cfg, factory, ds, scheduler.New(ds.Services(), cfg), caps)
	ing.SetRandForTesting(func() float64 { return 0.5 })
	return &ingestFixture{
		ctx:     ctx,
		cfg:     cfg,
		factory: factory,
		ds:      ds,
		ing:     ing,
	}
}

// newRequest returns a well-formed submission request asking for a
// notification on the given queue suffix.
func newRequest(notify string) types.SubmissionRequest {
	return types.SubmissionRequest{
		Files: []types.File{
			{SHA256: testSHA, Size: 1024, Name: "sample.bin", Type: "unknown"},
		},
		Params: types.SubmissionParams{
			Selected:  []string{"core-a", "extract"},
			Priority:  -1,
			Submitter: "alice",
			Groups:    []string{"staff"},
		},
		Notification: types.Notification{Queue: notify},
	}
}

func (f *ingestFixture) newTask(req types.SubmissionRequest) *types.IngestTask {
	return types.NewIngestTask(req, now.Now(f.ctx))
}

// popUnique pops the next admitted task off the unique queue, or fails.
func (f *ingestFixture) popUnique(t *testing.T) *types.IngestTask {
	data, err := f.factory.PriorityQueue(types.UniqueQueue).Pop(f.ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, data, "expected a task on the unique queue")
	task := new(types.IngestTask)
	require.NoError(t, json.Unmarshal(data, task))
	return task
}

// popNamed pops the next task off a named queue, or fails.
func (f *ingestFixture) popNamed(t *testing.T, name string) *types.IngestTask {
	data, err := f.factory.NamedQueue(name).PopNow(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, data, "expected a task on %s", name)
	task := new(types.IngestTask)
	require.NoError(t, json.Unmarshal(data, task))
	return task
}

func (f *ingestFixture) uniqueLen(t *testing.T) int64 {
	n, err := f.factory.PriorityQueue(types.UniqueQueue).Length(f.ctx)
	require.NoError(t, err)
	return n
}

func TestIngest_FreshTaskQueuedAtMediumPriority(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Metadata = map[string]string{
		"source":   "mail-gateway",
		"oversize": strings.Repeat("x", f.cfg.Ingester.MaxMetadataLength+1),
	}
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	task := f.popUnique(t)
	require.Equal(t, f.cfg.PriorityValues["medium"], task.Request.Params.Priority)
	require.NotEmpty(t, task.ScanKey)
	require.True(t, task.Score.IsNaN())
	// Oversized metadata values are trimmed, the rest survives.
	require.Equal(t, map[string]string{"source": "mail-gateway"}, task.Request.Metadata)
}

func TestIngest_CallerPriorityKept(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Params.Priority = 150
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	task := f.popUnique(t)
	require.Equal(t, 150, task.Request.Params.Priority)
}

func TestIngest_UserGroupsAttached(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Params.Groups = nil
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	task := f.popUnique(t)
	require.Equal(t, []string{"staff"}, task.Request.Params.Groups)
}

func TestIngest_UnknownUserRejected(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Params.Groups = nil
	req.Params.Submitter = "nobody"
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	require.EqualValues(t, 0, f.uniqueLen(t))
	notice := f.popNamed(t, types.NotificationQueue("out"))
	require.Contains(t, notice.Failure, "User not found [nobody]")
}

func TestIngest_FileTooLarge(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Files[0].Size = f.cfg.Ingester.MaxFileSize + 1
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	require.EqualValues(t, 0, f.uniqueLen(t))
	dropped := f.popNamed(t, types.DropQueue)
	require.Contains(t, dropped.Failure, "File too large")

	// NeverDrop overrides the size gate.
	req = newRequest("out")
	req.Files[0].Size = f.cfg.Ingester.MaxFileSize + 1
	req.Params.NeverDrop = true
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))
	require.EqualValues(t, 1, f.uniqueLen(t))
}

func TestIngest_EmptyFileDropped(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Files[0].Size = 0
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	require.EqualValues(t, 0, f.uniqueLen(t))
	dropped := f.popNamed(t, types.DropQueue)
	require.Equal(t, "Skipped", dropped.Failure)
}

func TestIngest_CacheHit(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	scanKey := types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ds.FileScores().Save(f.ctx, scanKey, &types.FileScoreEntry{
		Score: 10,
		SID:   "prev-sid",
		Time:  baseTime.Add(-time.Minute),
	}))

	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	// The previous outcome is delivered without a rescan.
	require.EqualValues(t, 0, f.uniqueLen(t))
	notice := f.popNamed(t, types.NotificationQueue("out"))
	require.Equal(t, "prev-sid", notice.SID)
	require.EqualValues(t, 10, notice.Score)
}

func TestIngest_CacheStaleRescansWithScorePriority(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	scanKey := types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ds.FileScores().Save(f.ctx, scanKey, &types.FileScoreEntry{
		Score: 600,
		SID:   "prev-sid",
		Time:  baseTime.Add(-f.cfg.Ingester.StaleAfter.Duration - time.Minute),
	}))

	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	// Stale entries trigger a rescan but keep their score for priority
	// assignment: 600 lands in the critical band.
	task := f.popUnique(t)
	require.Empty(t, task.SID)
	require.Equal(t, f.cfg.PriorityValues["critical"], task.Request.Params.Priority)
}

func TestIngest_CacheExpiredIsAMiss(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	scanKey := types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ds.FileScores().Save(f.ctx, scanKey, &types.FileScoreEntry{
		Score: 600,
		SID:   "prev-sid",
		Time:  baseTime.Add(-f.cfg.Ingester.ExpireAfter.Duration - time.Minute),
	}))

	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	task := f.popUnique(t)
	require.Equal(t, f.cfg.PriorityValues["medium"], task.Request.Params.Priority)
	// The dead entry was evicted from the backing store too.
	entry, err := f.ds.FileScores().Get(f.ctx, scanKey)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestIngest_IncompleteEntriesExpireSooner(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	// An entry recorded with errors is past the incomplete window but well
	// inside the normal one.
	req := newRequest("out")
	scanKey := types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ds.FileScores().Save(f.ctx, scanKey, &types.FileScoreEntry{
		Score:  10,
		SID:    "prev-sid",
		Errors: 2,
		Time:   baseTime.Add(-f.cfg.Ingester.IncompleteExpireAfter.Duration - time.Minute),
	}))

	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	require.EqualValues(t, 1, f.uniqueLen(t))
	entry, err := f.ds.FileScores().Get(f.ctx, scanKey)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestIngest_LocalCacheTier(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	scanKey := types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ds.FileScores().Save(f.ctx, scanKey, &types.FileScoreEntry{
		Score: 10,
		SID:   "prev-sid",
		Time:  baseTime.Add(-time.Minute),
	}))

	// First pass populates the local tier from the backing store.
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))
	f.popNamed(t, types.NotificationQueue("out"))

	// The backing entry disappears; the local tier still answers.
	require.NoError(t, f.ds.FileScores().Delete(f.ctx, scanKey))
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))
	notice := f.popNamed(t, types.NotificationQueue("out"))
	require.Equal(t, "prev-sid", notice.SID)

	// Flushing the local tier turns it into a miss.
	f.ing.FlushLocalCache()
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))
	require.EqualValues(t, 1, f.uniqueLen(t))
}

func TestIngest_OldTaskPriorityReduced(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	task := f.newTask(newRequest("out"))
	task.IngestTime = baseTime.Add(-f.cfg.Ingester.ExpireAfter.Duration - time.Hour)
	require.NoError(t, f.ing.ingest(f.ctx, task))

	queued := f.popUnique(t)
	require.Equal(t, f.cfg.PriorityValues["medium"]/10, queued.Request.Params.Priority)
}

func TestIngest_WhitelistVerdictCached(t *testing.T) {
	verdicts := map[string]string{testSHA: "trusted-vendor"}
	caps := scheduler.DefaultCapabilities()
	caps.WhitelistVerdict = func(task *types.IngestTask) string {
		return verdicts[task.Request.Root().SHA256]
	}
	f := newIngestFixture(t, caps)

	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(newRequest("out"))))
	dropped := f.popNamed(t, types.DropQueue)
	require.Equal(t, "Whitelisting due to reason trusted-vendor", dropped.Failure)

	// The verdict is cached by sha256 even after the hook forgets it.
	delete(verdicts, testSHA)
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(newRequest("out"))))
	dropped = f.popNamed(t, types.DropQueue)
	require.Equal(t, "Whitelisting due to reason trusted-vendor", dropped.Failure)
	require.EqualValues(t, 0, f.uniqueLen(t))
}

func TestDropChance(t *testing.T) {
	require.InDelta(t, 0.0, dropChance(10000, 10000), 0.001)
	require.InDelta(t, 0.76, dropChance(15000, 10000), 0.01)
	require.InDelta(t, 0.96, dropChance(20000, 10000), 0.01)
	require.Less(t, dropChance(5000, 10000), 0.0)
}

func TestMustDrop(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())
	// rnd is pinned at 0.5.
	require.False(t, f.ing.mustDrop(10000, 10000))
	require.True(t, f.ing.mustDrop(20000, 10000))
}

func TestShouldResubmit(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	f.ing.SetRandForTesting(func() float64 { return 0.05 })
	require.False(t, f.ing.shouldResubmit(-1))
	require.True(t, f.ing.shouldResubmit(500))
	require.True(t, f.ing.shouldResubmit(401))
	// Score 400 resubmits 10% of the time.
	require.True(t, f.ing.shouldResubmit(400))
	// Score 300 resubmits 1% of the time.
	require.False(t, f.ing.shouldResubmit(300))

	f.ing.SetRandForTesting(func() float64 { return 0.005 })
	require.True(t, f.ing.shouldResubmit(300))
}

func TestDetermineResubmitSelected(t *testing.T) {
	// Covered already: no resubmission.
	require.Nil(t, determineResubmitSelected([]string{"a", "b"}, nil))
	require.Nil(t, determineResubmitSelected([]string{"a", "b"}, []string{"b"}))
	// Sorted union otherwise.
	require.Equal(t, []string{"a", "b", "c"},
		determineResubmitSelected([]string{"b", "a"}, []string{"c", "a"}))
}

func TestSubmit_FoldsDuplicates(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	task := f.newTask(newRequest("out"))
	task.ScanKey = types.ScanKey(task.Request.Root(), task.Request.Params)
	require.NoError(t, f.ing.submit(f.ctx, task))

	// The first submit starts a real submission.
	data, err := f.factory.NamedQueue(types.FileDispatch).PopNow(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, data)
	fileTask := new(types.FileTask)
	require.NoError(t, json.Unmarshal(data, fileTask))
	require.Equal(t, testSHA, fileTask.FileHash)
	require.NotEmpty(t, fileTask.SID)
	sub, err := f.ds.Submissions().Get(f.ctx, fileTask.SID)
	require.NoError(t, err)
	require.Equal(t, types.StateSubmitted, sub.State)
	// The expanded selection is persisted sorted.
	require.Equal(t, []string{"core-a", "extract"}, sub.Params.Selected)

	// An identical second submit folds onto the duplicate queue.
	dup := f.newTask(newRequest("dup-out"))
	dup.ScanKey = task.ScanKey
	require.NoError(t, f.ing.submit(f.ctx, dup))
	n, err := f.factory.MultiQueue().Length(f.ctx, types.DuplicateQueue(task.ScanKey))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	data, err = f.factory.NamedQueue(types.FileDispatch).PopNow(f.ctx)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestSubmit_FoldRacesCompletion(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	for i := 0; i < 50; i++ {
		sha := fmt.Sprintf("%064d", i)
		req := newRequest("out")
		req.Files[0].SHA256 = sha
		task := f.newTask(req)
		task.ScanKey = types.ScanKey(task.Request.Root(), task.Request.Params)
		require.NoError(t, f.ing.submit(f.ctx, task))

		dupReq := newRequest("dup-out")
		dupReq.Files[0].SHA256 = sha
		dup := f.newTask(dupReq)
		dup.ScanKey = task.ScanKey

		errs := make(chan error, 2)
		go func() {
			errs <- f.ing.submit(f.ctx, dup)
		}()
		go func() {
			errs <- f.ing.Completed(f.ctx, &types.CompleteMessage{
				ScanKey:    task.ScanKey,
				SID:        "the-sid",
				Score:      42,
				RootSHA256: sha,
				Size:       1024,
				FileCount:  1,
			})
		}()
		require.NoError(t, <-errs)
		require.NoError(t, <-errs)

		// Either the second submit folded in time and shared the outcome, or
		// it missed the drain and became the primary of a fresh in-flight
		// scan. It must never be left sitting on the duplicate queue.
		n, err := f.factory.MultiQueue().Length(f.ctx, types.DuplicateQueue(task.ScanKey))
		require.NoError(t, err)
		require.EqualValues(t, 0, n)
		data, err := f.factory.NamedQueue(types.NotificationQueue("dup-out")).PopNow(f.ctx)
		require.NoError(t, err)
		notified := data != nil
		claimed, err := f.factory.Hash(types.ScanningTable).Exists(f.ctx, task.ScanKey)
		require.NoError(t, err)
		require.True(t, notified || claimed, "duplicate neither notified nor promoted")

		if claimed {
			require.NoError(t, f.factory.Hash(types.ScanningTable).Delete(f.ctx, task.ScanKey))
		}
	}
}

func TestIngest_QueueLengthCap(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())
	f.cfg.Ingester.MaxQueueLength = 2

	for i := 0; i < 2; i++ {
		require.NoError(t, f.factory.PriorityQueue(types.UniqueQueue).Push(f.ctx, 200, []byte("{}")))
	}

	// At the cap, new tasks are shed before any band sampling.
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(newRequest("out"))))
	dropped := f.popNamed(t, types.DropQueue)
	require.Equal(t, "Skipped", dropped.Failure)
	require.EqualValues(t, 2, f.uniqueLen(t))

	// NeverDrop overrides the cap.
	req := newRequest("out")
	req.Params.NeverDrop = true
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))
	require.EqualValues(t, 3, f.uniqueLen(t))
}

func TestCompleted_NotifiesOriginalAndDuplicates(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	task := f.newTask(newRequest("out"))
	task.ScanKey = types.ScanKey(task.Request.Root(), task.Request.Params)
	require.NoError(t, f.ing.submit(f.ctx, task))
	dup := f.newTask(newRequest("dup-out"))
	dup.ScanKey = task.ScanKey
	require.NoError(t, f.ing.submit(f.ctx, dup))

	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        "the-sid",
		Score:      42,
		RootSHA256: testSHA,
		Size:       1024,
		FileCount:  1,
	}))

	notice := f.popNamed(t, types.NotificationQueue("out"))
	require.Equal(t, "the-sid", notice.SID)
	require.EqualValues(t, 42, notice.Score)
	notice = f.popNamed(t, types.NotificationQueue("dup-out"))
	require.Equal(t, "the-sid", notice.SID)

	// The in-flight claim is released.
	exists, err := f.factory.Hash(types.ScanningTable).Exists(f.ctx, task.ScanKey)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCompleted_UntrackedIsIgnored(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())
	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    "not-ours",
		SID:        "the-sid",
		RootSHA256: testSHA,
	}))
}

func TestCompleted_AbandonedNotifiesWithoutCaching(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	task := f.newTask(newRequest("out"))
	task.ScanKey = types.ScanKey(task.Request.Root(), task.Request.Params)
	require.NoError(t, f.ing.submit(f.ctx, task))

	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        "the-sid",
		RootSHA256: testSHA,
		Failure:    "timed out",
	}))

	notice := f.popNamed(t, types.NotificationQueue("out"))
	require.Equal(t, "timed out", notice.Failure)

	// Nothing was cached; the same request is admitted again.
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(newRequest("out"))))
	require.EqualValues(t, 1, f.uniqueLen(t))
}

func TestCompleted_AbandonedDiscardsDispatchState(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	task := f.newTask(newRequest("out"))
	task.ScanKey = types.ScanKey(task.Request.Root(), task.Request.Params)
	require.NoError(t, f.ing.submit(f.ctx, task))

	data, err := f.factory.NamedQueue(types.FileDispatch).PopNow(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, data)
	fileTask := new(types.FileTask)
	require.NoError(t, json.Unmarshal(data, fileTask))
	sid := fileTask.SID

	// A dispatcher mid-flight: the root file is registered and a per-file
	// watch is armed.
	dh := dispatcher.NewDispatchHash(f.factory, sid)
	_, err = dh.AddFile(f.ctx, testSHA, "unknown", 0)
	require.NoError(t, err)
	watchData, err := json.Marshal(&types.FileTask{SID: sid, FileHash: testSHA})
	require.NoError(t, err)
	watch := watcher.NewClient(f.factory)
	require.NoError(t, watch.Touch(f.ctx, dispatcher.FileWatchKey(sid, testSHA), time.Minute, types.FileDispatch, watchData))

	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        sid,
		RootSHA256: testSHA,
		Failure:    "timed out",
	}))

	// The record is failed, the dispatch table is gone, and the per-file
	// watch never fires.
	sub, err := f.ds.Submissions().Get(f.ctx, sid)
	require.NoError(t, err)
	require.Equal(t, types.StateFailed, sub.State)
	files, err := dh.Files(f.ctx)
	require.NoError(t, err)
	require.Empty(t, files)

	f.ctx.AdvanceTime(2 * time.Minute)
	require.NoError(t, watcher.NewServer(f.factory, time.Millisecond).ScanOnce(f.ctx))
	data, err = f.factory.NamedQueue(types.FileDispatch).PopNow(f.ctx)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestCompleted_AlertsAboveThreshold(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	req := newRequest("out")
	req.Params.GenerateAlert = true
	task := f.newTask(req)
	task.ScanKey = types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ing.submit(f.ctx, task))

	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        "the-sid",
		Score:      f.cfg.Alerting.Threshold,
		RootSHA256: testSHA,
	}))

	alert := f.popNamed(t, types.AlertQueue)
	require.Equal(t, "the-sid", alert.SID)
}

func TestCompleted_Resubmission(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())
	f.ing.SetRandForTesting(func() float64 { return 0.0 })

	req := newRequest("out")
	req.Params.Selected = []string{"extract"}
	req.Params.ResubmitTo = []string{"post-x"}
	task := f.newTask(req)
	task.ScanKey = types.ScanKey(req.Root(), req.Params)
	require.NoError(t, f.ing.submit(f.ctx, task))

	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        "the-sid",
		Score:      500,
		RootSHA256: testSHA,
	}))

	resubmitted := f.popUnique(t)
	require.Equal(t, []string{"extract", "post-x"}, resubmitted.Request.Params.Selected)
	require.Empty(t, resubmitted.Request.Params.ResubmitTo)
	require.Equal(t, "the-sid", resubmitted.Request.Params.PSID)
	require.NotEqual(t, task.ScanKey, resubmitted.ScanKey)
}

func TestCompleted_ResubmissionDefaultServices(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())
	f.ing.SetRandForTesting(func() float64 { return 0.0 })
	f.cfg.Submission.DefaultResubmitServices = []string{"post-x"}

	// A request that names no resubmit services inherits the configured
	// default during admission.
	req := newRequest("out")
	req.Params.Selected = []string{"extract"}
	require.NoError(t, f.ing.ingest(f.ctx, f.newTask(req)))

	task := f.popUnique(t)
	require.Equal(t, []string{"post-x"}, task.Request.Params.ResubmitTo)
	require.NoError(t, f.ing.submit(f.ctx, task))

	require.NoError(t, f.ing.Completed(f.ctx, &types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        "the-sid",
		Score:      500,
		RootSHA256: testSHA,
	}))

	resubmitted := f.popUnique(t)
	require.Equal(t, []string{"extract", "post-x"}, resubmitted.Request.Params.Selected)
	require.Empty(t, resubmitted.Request.Params.ResubmitTo)
}

func TestRetryTask(t *testing.T) {
	f := newIngestFixture(t, scheduler.DefaultCapabilities())

	// A fresh failure is scheduled for a delayed retry.
	task := f.newTask(newRequest("out"))
	task.ScanKey = "some-scan-key"
	f.ing.retryTask(f.ctx, task, task.ScanKey, errors.New("backend down"))
	queued := f.popNamed(t, types.RetryQueue)
	require.Equal(t, 1, queued.Retries)
	require.True(t, queued.RetryAt.Equal(baseTime.Add(f.cfg.Ingester.RetryDelay.Duration)))

	// Running out of retries discards the folded duplicates too.
	task = f.newTask(newRequest("out"))
	task.ScanKey = "some-scan-key"
	task.Retries = f.cfg.Ingester.MaxRetries
	require.NoError(t, f.factory.MultiQueue().Push(f.ctx, types.DuplicateQueue(task.ScanKey), []byte("{}")))
	f.ing.retryTask(f.ctx, task, task.ScanKey, errors.New("backend down"))
	n, err := f.factory.NamedQueue(types.RetryQueue).Length(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
	n, err = f.factory.MultiQueue().Length(f.ctx, types.DuplicateQueue(task.ScanKey))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
