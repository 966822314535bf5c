package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/scheduler"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/core/go/watcher"
	"github.com/kryptoslogic/assemblyline-core/go/metrics2"
	"github.com/kryptoslogic/assemblyline-core/go/now"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
	"github.com/kryptoslogic/assemblyline-core/go/timer"
)

// SubmissionDispatcher wraps up announced submissions: it gathers the results
// and errors of every file, persists the completed record and the score cache
// entry, and reports back to the ingester.
type SubmissionDispatcher struct {
	cfg     *config.Config
	factory queue.Factory
	ds      store.Datastore
	sched   *scheduler.Scheduler
	caps    scheduler.Capabilities
	watch   *watcher.Client

	subQ      queue.NamedQueue
	fileQ     queue.NamedQueue
	completeQ queue.NamedQueue

	submissionsCompleted metrics2.Counter
	submissionsRedriven  metrics2.Counter
}

// NewSubmissionDispatcher returns a SubmissionDispatcher on the given queues
// and datastore.
func NewSubmissionDispatcher(cfg *config.Config, factory queue.Factory, ds store.Datastore, sched *scheduler.Scheduler, caps scheduler.Capabilities) *SubmissionDispatcher {
	return &SubmissionDispatcher{
		cfg:     cfg,
		factory: factory,
		ds:      ds,
		sched:   sched,
		caps:    caps,
		watch:   watcher.NewClient(factory),

		subQ:      factory.NamedQueue(types.SubmissionQueue),
		fileQ:     factory.NamedQueue(types.FileDispatch),
		completeQ: factory.NamedQueue(types.CompleteQueue),

		submissionsCompleted: metrics2.GetCounter("dispatch_submissions_completed"),
		submissionsRedriven:  metrics2.GetCounter("dispatch_submissions_redriven"),
	}
}

// Run drains the submission queue until ctx is cancelled.
func (s *SubmissionDispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.subQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop submission queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		var msg struct {
			SID string `json:"sid"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			sklog.Errorf("Dropping malformed submission message: %s", err)
			continue
		}
		if err := s.Handle(ctx, msg.SID); err != nil {
			sklog.Errorf("Failed to finish submission %s: %s", msg.SID, err)
		}
	}
}

// Handle wraps up one submission. Handling an already-completed submission is
// a no-op, and handling one with unfinished files re-drives those files
// instead, which is how work interrupted by a crash gets going again.
func (s *SubmissionDispatcher) Handle(ctx context.Context, sid string) error {
	defer timer.New("submission wrap-up").Stop()

	sub, err := s.ds.Submissions().Get(ctx, sid)
	if err != nil {
		return skerr.Wrap(err)
	}
	if sub == nil {
		sklog.Warningf("Completion message for unknown submission %s", sid)
		return nil
	}
	if sub.State != types.StateSubmitted {
		return nil
	}

	dh := NewDispatchHash(s.factory, sid)
	files, err := dh.Files(ctx)
	if err != nil {
		return err
	}

	var resultKeys, errorKeys []string
	var results []*types.Result
	var incomplete []FileEntry
	for _, file := range files {
		schedule, err := s.sched.BuildSchedule(ctx, file.Type, sub.Params.Selected)
		if err != nil {
			return err
		}
		done, rks, eks, res, err := s.collectFile(ctx, dh, file, schedule)
		if err != nil {
			return err
		}
		if !done {
			incomplete = append(incomplete, file)
			continue
		}
		resultKeys = append(resultKeys, rks...)
		errorKeys = append(errorKeys, eks...)
		results = append(results, res...)
	}

	if len(incomplete) > 0 {
		s.submissionsRedriven.Inc(1)
		sklog.Infof("Submission %s has %d unfinished files, re-driving", sid, len(incomplete))
		for _, file := range incomplete {
			data, err := json.Marshal(&types.FileTask{
				SID:      sid,
				FileHash: file.SHA256,
				FileType: file.Type,
				Depth:    file.Depth,
			})
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := s.fileQ.Push(ctx, data); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	}

	standalone, err := dh.ErrorKeys(ctx)
	if err != nil {
		return err
	}
	errorKeys = append(errorKeys, standalone...)

	ts := now.Now(ctx)
	score := s.caps.Scoring(results)
	sub.Results = resultKeys
	sub.Errors = errorKeys
	sub.MaxScore = score
	sub.State = types.StateCompleted
	sub.CompleteTime = ts
	if err := s.ds.Submissions().Save(ctx, sub); err != nil {
		return skerr.Wrap(err)
	}

	if err := s.ds.FileScores().Save(ctx, sub.ScanKey, &types.FileScoreEntry{
		Score:  score,
		SID:    sid,
		PSID:   sub.Params.PSID,
		Errors: len(errorKeys),
		Time:   ts,
	}); err != nil {
		return skerr.Wrap(err)
	}

	var root types.File
	if len(sub.Files) > 0 {
		root = sub.Files[0]
	}
	data, err := json.Marshal(&types.CompleteMessage{
		ScanKey:    sub.ScanKey,
		SID:        sid,
		PSID:       sub.Params.PSID,
		Score:      score,
		RootSHA256: root.SHA256,
		Size:       root.Size,
		ErrorCount: len(errorKeys),
		FileCount:  len(files),
		Metadata:   sub.Metadata,
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := s.completeQ.Push(ctx, data); err != nil {
		return skerr.Wrap(err)
	}

	// The submission made it; disarm the abandonment watch and any lingering
	// per-file watches.
	if err := s.watch.Cancel(ctx, sub.ScanKey); err != nil {
		return err
	}
	for _, file := range files {
		if err := s.watch.Cancel(ctx, FileWatchKey(sid, file.SHA256)); err != nil {
			return err
		}
	}

	if err := dh.Destroy(ctx); err != nil {
		return err
	}
	s.submissionsCompleted.Inc(1)
	sklog.Infof("Submission %s completed with score %v (%d results, %d errors)", sid, score, len(resultKeys), len(errorKeys))
	return nil
}

// collectFile gathers the finish records of one file. done is false if any
// pair of the schedule has not finished.
func (s *SubmissionDispatcher) collectFile(ctx context.Context, dh *DispatchHash, file FileEntry, schedule [][]*types.Service) (bool, []string, []string, []*types.Result, error) {
	var resultKeys, errorKeys []string
	var results []*types.Result
	for _, stage := range schedule {
		for _, service := range stage {
			rec, err := dh.Finished(ctx, file.SHA256, service.Name)
			if err != nil {
				return false, nil, nil, nil, err
			}
			if rec == nil {
				return false, nil, nil, nil, nil
			}
			if rec.ResultKey != "" {
				resultKeys = append(resultKeys, rec.ResultKey)
				result, err := s.ds.Results().Get(ctx, rec.ResultKey)
				if err != nil {
					return false, nil, nil, nil, err
				}
				if result != nil {
					results = append(results, result)
				}
			}
			if rec.ErrorKey != "" {
				errorKeys = append(errorKeys, rec.ErrorKey)
			}
		}
	}
	return true, resultKeys, errorKeys, results, nil
}
