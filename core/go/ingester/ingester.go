// Package ingester implements the admission side of the core: it pulls raw
// submission requests off the ingest queue, folds duplicates, consults the
// score cache, sheds load under pressure and feeds surviving tasks to the
// dispatcher. It also receives completion messages and turns them into
// notifications, alerts and stochastic resubmissions.
package ingester

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	gocache "github.com/patrickmn/go-cache"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/scheduler"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/core/go/watcher"
	"github.com/kryptoslogic/assemblyline-core/go/cache"
	"github.com/kryptoslogic/assemblyline-core/go/metrics2"
	"github.com/kryptoslogic/assemblyline-core/go/now"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

const (
	// minPriority is the lowest admissible priority; tasks at or below it are
	// always shed.
	minPriority = 1

	// popTimeout bounds the blocking pops of the run loops so they notice
	// context cancellation.
	popTimeout = time.Second

	// scanLockShards is the number of stripes the per-scan-key lock is
	// divided into.
	scanLockShards = 256
)

// Ingester pulls submission requests through admission and feeds the
// dispatcher.
type Ingester struct {
	cfg     *config.Config
	factory queue.Factory
	ds      store.Datastore
	sched   *scheduler.Scheduler
	caps    scheduler.Capabilities
	watch   *watcher.Client

	ingestQ   queue.NamedQueue
	uniqueQ   queue.PriorityQueue
	completeQ queue.NamedQueue
	dropQ     queue.NamedQueue
	retryQ    queue.NamedQueue
	alertQ    queue.NamedQueue
	fileQ     queue.NamedQueue
	dupQ      queue.MultiQueue
	scanning  queue.Hash

	// localScores is the in-process tier of the score cache.
	localScores *gocache.Cache

	// userGroups caches user -> groups lookups.
	userGroups *gocache.Cache

	// whitelisted caches whitelist verdicts by sha256.
	whitelisted cache.LRU

	// rnd is the source of randomness for sampling and resubmission;
	// replaced in tests.
	rnd func() float64

	scanLocks [scanLockShards]sync.Mutex

	bytesIngested        metrics2.Counter
	submissionsIngested  metrics2.Counter
	skipped              metrics2.Counter
	duplicates           metrics2.Counter
	cacheMiss            metrics2.Counter
	cacheHitLocal        metrics2.Counter
	cacheHit             metrics2.Counter
	cacheExpired         metrics2.Counter
	cacheStale           metrics2.Counter
	whitelistedCount     metrics2.Counter
	submissionsCompleted metrics2.Counter
	filesCompleted       metrics2.Counter
	bytesCompleted       metrics2.Counter
}

// New returns an Ingester on the given queues, datastore and policy hooks.
func New(cfg *config.Config, factory queue.Factory, ds store.Datastore, sched *scheduler.Scheduler, caps scheduler.Capabilities) *Ingester {
	ttl := cfg.Ingester.LocalCacheTTL.Duration
	return &Ingester{
		cfg:     cfg,
		factory: factory,
		ds:      ds,
		sched:   sched,
		caps:    caps,
		watch:   watcher.NewClient(factory),

		ingestQ:   factory.NamedQueue(types.IngestQueue),
		uniqueQ:   factory.PriorityQueue(types.UniqueQueue),
		completeQ: factory.NamedQueue(types.CompleteQueue),
		dropQ:     factory.NamedQueue(types.DropQueue),
		retryQ:    factory.NamedQueue(types.RetryQueue),
		alertQ:    factory.NamedQueue(types.AlertQueue),
		fileQ:     factory.NamedQueue(types.FileDispatch),
		dupQ:      factory.MultiQueue(),
		scanning:  factory.Hash(types.ScanningTable),

		localScores: gocache.New(ttl, 2*ttl),
		userGroups:  gocache.New(5*time.Minute, 10*time.Minute),
		whitelisted: cache.NewMemLRUCache(cfg.Ingester.WhitelistSize),

		rnd: rand.Float64,

		bytesIngested:        metrics2.GetCounter("ingest_bytes_ingested"),
		submissionsIngested:  metrics2.GetCounter("ingest_submissions_ingested"),
		skipped:              metrics2.GetCounter("ingest_skipped"),
		duplicates:           metrics2.GetCounter("ingest_duplicates"),
		cacheMiss:            metrics2.GetCounter("ingest_cache_miss"),
		cacheHitLocal:        metrics2.GetCounter("ingest_cache_hit_local"),
		cacheHit:             metrics2.GetCounter("ingest_cache_hit"),
		cacheExpired:         metrics2.GetCounter("ingest_cache_expired"),
		cacheStale:           metrics2.GetCounter("ingest_cache_stale"),
		whitelistedCount:     metrics2.GetCounter("ingest_whitelisted"),
		submissionsCompleted: metrics2.GetCounter("ingest_submissions_completed"),
		filesCompleted:       metrics2.GetCounter("ingest_files_completed"),
		bytesCompleted:       metrics2.GetCounter("ingest_bytes_completed"),
	}
}

// SetRandForTesting replaces the randomness source used for sampling and
// resubmission decisions.
func (i *Ingester) SetRandForTesting(fn func() float64) {
	i.rnd = fn
}

// FlushLocalCache empties the in-process tier of the score cache.
func (i *Ingester) FlushLocalCache() {
	i.localScores.Flush()
}

// scanLock returns the lock stripe for a scan key.
func (i *Ingester) scanLock(scanKey string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scanKey))
	return &i.scanLocks[h.Sum32()%scanLockShards]
}

// RunIngest drains the ingest queue until ctx is cancelled.
func (i *Ingester) RunIngest(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := i.ingestQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop ingest queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		task := new(types.IngestTask)
		if err := json.Unmarshal(data, task); err != nil {
			sklog.Errorf("Dropping malformed ingest message: %s", err)
			continue
		}
		if task.IngestTime.IsZero() {
			// Fresh from an external caller, not a retry.
			task.IngestTime = now.Now(ctx)
			task.Score = types.NaN
		}
		if err := i.ingest(ctx, task); err != nil {
			sklog.Errorf("Failed to ingest %s: %s", task.Request.Root().SHA256, err)
		}
	}
}

// ingest runs one task through admission.
func (i *Ingester) ingest(ctx context.Context, task *types.IngestTask) error {
	param := &task.Request.Params

	if len(param.Groups) == 0 {
		groups, err := i.getUserGroups(ctx, param.Submitter)
		if err != nil {
			return skerr.Wrap(err)
		}
		if groups == nil {
			i.sendFailureNotification(ctx, task, "User not found ["+param.Submitter+"] ingest failed")
			return nil
		}
		param.Groups = groups
	}

	root := task.Request.Root()
	i.bytesIngested.Inc(root.Size)
	i.submissionsIngested.Inc(1)

	if root.SHA256 == "" {
		i.sendFailureNotification(ctx, task, "Invalid sha256")
		return nil
	}

	if !i.caps.IsValidClassification(param.Classification) {
		i.sendFailureNotification(ctx, task, "Invalid classification "+param.Classification)
		return nil
	}

	// Trim oversized metadata values.
	for key, value := range task.Request.Metadata {
		if len(value) > i.cfg.Ingester.MaxMetadataLength {
			sklog.Infof("Removing metadata %s from %s from %s", key, root.SHA256, param.Submitter)
			delete(task.Request.Metadata, key)
		}
	}

	maxSize := i.cfg.Ingester.MaxFileSize
	if root.Size > maxSize && !param.IgnoreSize && !param.NeverDrop {
		task.Failure = "File too large (" + humanize.Bytes(uint64(root.Size)) + " > " + humanize.Bytes(uint64(maxSize)) + ")"
		i.skipped.Inc(1)
		return i.pushJSON(ctx, i.dropQ, task)
	}

	if task.ScanKey == "" {
		task.ScanKey = types.ScanKey(root, *param)
	}

	if len(param.ResubmitTo) == 0 {
		param.ResubmitTo = i.cfg.Submission.DefaultResubmitServices
	}

	var psid, sid string
	score := types.NaN
	if !param.IgnoreCache {
		var err error
		psid, sid, score, err = i.check(ctx, task)
		if err != nil {
			return skerr.Wrap(err)
		}
	}

	// Assign a priority unless the caller picked one.
	priority := param.Priority
	if priority < 0 {
		priority = i.cfg.PriorityValues["medium"]
		if !score.IsNaN() {
			priority = i.priorityFromScore(float64(score))
		} else if i.caps.IsLowPriority(task) {
			priority = i.cfg.PriorityValues["low"]
		}
	}

	// Reduce the priority by an order of magnitude for very old tasks.
	age := now.Now(ctx).Sub(task.IngestTime)
	if priority > 0 && i.cacheExpiredAfter(age, 0) {
		priority = priority / 10
		if priority == 0 {
			priority = 1
		}
	}
	param.Priority = priority

	// Do this after the priority has been assigned so a resubmission keeps
	// its priority.
	if sid != "" {
		i.duplicates.Inc(1)
		return i.finalize(ctx, psid, sid, float64(score), task)
	}

	dropped, err := i.drop(ctx, task)
	if err != nil {
		return skerr.Wrap(err)
	}
	if dropped {
		return nil
	}

	whitelisted, err := i.isWhitelisted(ctx, task)
	if err != nil {
		return skerr.Wrap(err)
	}
	if whitelisted {
		return nil
	}

	data, err := json.Marshal(task)
	if err != nil {
		return skerr.Wrap(err)
	}
	return i.uniqueQ.Push(ctx, priority, data)
}

// priorityFromScore maps a previous score onto a priority band, lowest band
// by default.
func (i *Ingester) priorityFromScore(score float64) int {
	level := "low"
	for _, st := range i.cfg.ScoreThresholds {
		if score >= st.Score {
			level = st.Level
			break
		}
	}
	return i.cfg.PriorityValues[level]
}

// getUserGroups returns the groups of the user, caching lookups. A nil slice
// with no error means the user does not exist.
func (i *Ingester) getUserGroups(ctx context.Context, username string) ([]string, error) {
	if cached, ok := i.userGroups.Get(username); ok {
		return cached.([]string), nil
	}
	user, err := i.ds.Users().Get(ctx, username)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if user == nil {
		return nil, nil
	}
	groups := user.Groups
	if groups == nil {
		groups = []string{}
	}
	i.userGroups.Set(username, groups, gocache.DefaultExpiration)
	return groups, nil
}

// check consults the two-tier score cache. sid is empty when no usable
// previous submission exists; score may still be set in that case (stale
// entries are rescanned but keep their score for priority assignment).
func (i *Ingester) check(ctx context.Context, task *types.IngestTask) (string, string, types.Score, error) {
	key := task.ScanKey

	var entry *types.FileScoreEntry
	local := false
	if cached, ok := i.localScores.Get(key); ok {
		entry = cached.(*types.FileScoreEntry)
		local = true
		sklog.Debugf("Local cache hit for %s", key)
	} else {
		var err error
		entry, err = i.ds.FileScores().Get(ctx, key)
		if err != nil {
			return "", "", types.NaN, skerr.Wrap(err)
		}
		if entry == nil {
			i.cacheMiss.Inc(1)
			return "", "", types.NaN, nil
		}
		sklog.Debugf("Remote cache hit for %s", key)
		i.localScores.Set(key, entry, gocache.DefaultExpiration)
	}

	delta := now.Now(ctx).Sub(entry.Time)
	if i.cacheExpiredAfter(delta, entry.Errors) {
		i.cacheExpired.Inc(1)
		i.localScores.Delete(key)
		if err := i.ds.FileScores().Delete(ctx, key); err != nil {
			return "", "", types.NaN, skerr.Wrap(err)
		}
		return "", "", types.NaN, nil
	}
	if i.cacheStaleAfter(delta, entry.Errors) {
		i.cacheStale.Inc(1)
		return "", "", types.Score(entry.Score), nil
	}

	if local {
		i.cacheHitLocal.Inc(1)
	} else {
		i.cacheHit.Inc(1)
	}
	return entry.PSID, entry.SID, types.Score(entry.Score), nil
}

// cacheExpiredAfter reports whether a cache entry of the given age is dead.
// Entries recorded with errors expire on the shorter incomplete window.
func (i *Ingester) cacheExpiredAfter(delta time.Duration, errors int) bool {
	if errors > 0 {
		return delta >= i.cfg.Ingester.IncompleteExpireAfter.Duration
	}
	return delta >= i.cfg.Ingester.ExpireAfter.Duration
}

// cacheStaleAfter reports whether a cache entry of the given age should be
// rescanned even though its score is still usable.
func (i *Ingester) cacheStaleAfter(delta time.Duration, errors int) bool {
	if errors > 0 {
		return delta >= i.cfg.Ingester.IncompleteStaleAfter.Duration
	}
	return delta >= i.cfg.Ingester.StaleAfter.Duration
}

// dropChance returns the probability of shedding a task given the current
// queue depth and the sampling threshold. Negative below the threshold, and
// approaching 1 as the queue grows past it:
//
//	depth            chance of dropping
//	<= threshold     0
//	1.5 * threshold  0.76
//	2 * threshold    0.96
//	3 * threshold    0.999
func dropChance(depth, threshold int64) float64 {
	return math.Tanh(float64(depth-threshold) / float64(threshold) * 2.0)
}

// mustDrop samples the shedding decision for the given queue depth.
func (i *Ingester) mustDrop(depth, threshold int64) bool {
	return i.rnd() < dropChance(depth, threshold)
}

// drop decides whether to shed the task, and if so reports it on the drop
// queue. Returns true if the task was shed.
func (i *Ingester) drop(ctx context.Context, task *types.IngestTask) (bool, error) {
	param := &task.Request.Params
	priority := param.Priority

	dropped := false
	if priority <= minPriority {
		dropped = true
	} else {
		// The whole queue is capped before any per-band sampling.
		if max := i.cfg.Ingester.MaxQueueLength; max > 0 {
			length, err := i.uniqueQ.Length(ctx)
			if err != nil {
				return false, skerr.Wrap(err)
			}
			dropped = length >= max
		}
		if !dropped {
			lo, hi, level, ok := i.cfg.PriorityRangeFor(priority)
			if ok {
				if threshold, sampling := i.cfg.Ingester.SamplingAt[level]; sampling {
					depth, err := i.uniqueQ.CountRange(ctx, lo, hi)
					if err != nil {
						return false, skerr.Wrap(err)
					}
					dropped = i.mustDrop(depth, threshold)
				}
			}
		}
		if !dropped {
			size := task.Request.Root().Size
			if size > i.cfg.Ingester.MaxFileSize || size == 0 {
				dropped = true
			}
		}
	}

	if param.NeverDrop || !dropped {
		return false, nil
	}

	task.Failure = "Skipped"
	i.skipped.Inc(1)
	if err := i.pushJSON(ctx, i.dropQ, task); err != nil {
		return false, err
	}
	return true, nil
}

// isWhitelisted checks the whitelist verdict for the task's root file,
// caching verdicts by sha256. Whitelisted tasks are reported on the drop
// queue. Returns true if the task was whitelisted.
func (i *Ingester) isWhitelisted(ctx context.Context, task *types.IngestTask) (bool, error) {
	sha256 := task.Request.Root().SHA256

	reason := i.caps.WhitelistVerdict(task)
	cached := false
	if reason == "" {
		if hit, ok := i.whitelisted.Get(sha256); ok {
			reason = hit.(string)
			cached = true
		}
	}
	if reason == "" {
		return false, nil
	}
	if !cached {
		i.whitelisted.Add(sha256, reason)
	}

	task.Failure = "Whitelisting due to reason " + reason
	i.whitelistedCount.Inc(1)
	if err := i.pushJSON(ctx, i.dropQ, task); err != nil {
		return false, err
	}
	return true, nil
}

// pushJSON marshals v onto q.
func (i *Ingester) pushJSON(ctx context.Context, q queue.NamedQueue, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return skerr.Wrap(err)
	}
	return q.Push(ctx, data)
}
