package dispatcher

import (
	"context"
	"encoding/json"
	"time"

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
)

// popTimeout bounds the blocking pops of the run loops so they notice context
// cancellation.
const popTimeout = time.Second

// FileWatchKey is the watch guarding outstanding service tasks of a file.
func FileWatchKey(sid, sha256 string) string {
	return "file-" + sid + "-" + sha256
}

// FileDispatcher walks one file of a submission through its service
// schedule. Each walk is idempotent: it looks at the dispatch table, finishes
// what it can, (re)dispatches what it must, and stops at the first stage with
// outstanding work.
type FileDispatcher struct {
	cfg     *config.Config
	factory queue.Factory
	ds      store.Datastore
	sched   *scheduler.Scheduler
	watch   *watcher.Client

	fileQ queue.NamedQueue
	subQ  queue.NamedQueue

	tasksDispatched metrics2.Counter
	serviceTimeouts metrics2.Counter
	resultCacheHits metrics2.Counter
	filesCompleted  metrics2.Counter
}

// NewFileDispatcher returns a FileDispatcher on the given queues and
// datastore.
func NewFileDispatcher(cfg *config.Config, factory queue.Factory, ds store.Datastore, sched *scheduler.Scheduler) *FileDispatcher {
	return &FileDispatcher{
		cfg:     cfg,
		factory: factory,
		ds:      ds,
		sched:   sched,
		watch:   watcher.NewClient(factory),

		fileQ: factory.NamedQueue(types.FileDispatch),
		subQ:  factory.NamedQueue(types.SubmissionQueue),

		tasksDispatched: metrics2.GetCounter("dispatch_tasks_dispatched"),
		serviceTimeouts: metrics2.GetCounter("dispatch_service_timeouts"),
		resultCacheHits: metrics2.GetCounter("dispatch_result_cache_hits"),
		filesCompleted:  metrics2.GetCounter("dispatch_files_completed"),
	}
}

// Run drains the file dispatch queue until ctx is cancelled.
func (f *FileDispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := f.fileQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop file dispatch queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		task := new(types.FileTask)
		if err := json.Unmarshal(data, task); err != nil {
			sklog.Errorf("Dropping malformed file task: %s", err)
			continue
		}
		if err := f.Handle(ctx, task); err != nil {
			sklog.Errorf("Failed to dispatch %s of %s: %s", task.FileHash, task.SID, err)
		}
	}
}

// Handle walks the file through its schedule once.
func (f *FileDispatcher) Handle(ctx context.Context, task *types.FileTask) error {
	sub, err := f.ds.Submissions().Get(ctx, task.SID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if sub == nil {
		sklog.Warningf("File task for unknown submission %s", task.SID)
		return nil
	}
	if sub.State != types.StateSubmitted {
		// A late message; the submission is already wrapped up or abandoned.
		return f.watch.Cancel(ctx, FileWatchKey(task.SID, task.FileHash))
	}

	dh := NewDispatchHash(f.factory, task.SID)
	if _, err := dh.AddFile(ctx, task.FileHash, task.FileType, task.Depth); err != nil {
		return err
	}

	schedule, err := f.sched.BuildSchedule(ctx, task.FileType, sub.Params.Selected)
	if err != nil {
		return err
	}

	outstanding, wait, err := f.walk(ctx, sub, dh, task, schedule)
	if err != nil {
		return err
	}

	if outstanding {
		data, err := json.Marshal(task)
		if err != nil {
			return skerr.Wrap(err)
		}
		// Revisit the file once the slowest acceptable response is overdue.
		return f.watch.Touch(ctx, FileWatchKey(task.SID, task.FileHash), wait, types.FileDispatch, data)
	}

	if err := f.watch.Cancel(ctx, FileWatchKey(task.SID, task.FileHash)); err != nil {
		return err
	}
	f.filesCompleted.Inc(1)
	return f.checkCompletion(ctx, sub, dh)
}

// walk advances the file through the schedule. It returns whether service
// tasks are still outstanding, and if so how long to wait before revisiting.
func (f *FileDispatcher) walk(ctx context.Context, sub *types.Submission, dh *DispatchHash, task *types.FileTask, schedule [][]*types.Service) (bool, time.Duration, error) {
	ts := now.Now(ctx)
	for si, stage := range schedule {
		stageOutstanding := false
		stageDrop := false
		var wait time.Duration

		for _, service := range stage {
			rec, err := dh.Finished(ctx, task.FileHash, service.Name)
			if err != nil {
				return false, 0, err
			}
			if rec != nil {
				if rec.Drop {
					stageDrop = true
				}
				continue
			}

			// Enforce the retry limit before dispatching again.
			failures, err := f.ds.Errors().CountFailures(ctx, sub.SID, task.FileHash, service.Name)
			if err != nil {
				return false, 0, err
			}
			if failures >= f.sched.ServiceFailureLimit(service) {
				key := store.TerminalErrorKey(task.FileHash, service.Name)
				if err := f.ds.Errors().Save(ctx, key, &types.Error{
					SHA256:      task.FileHash,
					SID:         sub.SID,
					ServiceName: service.Name,
					Category:    types.ErrorCategoryTerminal,
					Message:     "Retry limit reached",
				}); err != nil {
					return false, 0, err
				}
				if err := dh.MarkFinished(ctx, task.FileHash, service.Name, &FinishRecord{ErrorKey: key}); err != nil {
					return false, 0, err
				}
				continue
			}

			// Reuse an existing result for the same (file, service, config).
			serviceConfig := f.sched.ServiceConfig(service, &sub.Params)
			if !sub.Params.IgnoreCache {
				resultKey := types.ResultKey(task.FileHash, service.Name, serviceConfig)
				result, err := f.ds.Results().Get(ctx, resultKey)
				if err != nil {
					return false, 0, err
				}
				if result != nil {
					f.resultCacheHits.Inc(1)
					if err := dh.MarkFinished(ctx, task.FileHash, service.Name, &FinishRecord{
						ResultKey: resultKey,
						Drop:      result.DropFile,
					}); err != nil {
						return false, 0, err
					}
					if result.DropFile {
						stageDrop = true
					}
					continue
				}
			}

			timeout := f.sched.ServiceTimeout(service)
			dispatchedAt, dispatched, err := dh.Dispatched(ctx, task.FileHash, service.Name)
			if err != nil {
				return false, 0, err
			}
			if dispatched {
				remaining := timeout - ts.Sub(dispatchedAt)
				if remaining > 0 {
					stageOutstanding = true
					if wait == 0 || remaining < wait {
						wait = remaining
					}
					continue
				}
				// Overdue. Record the timeout, then dispatch again below.
				f.serviceTimeouts.Inc(1)
				if err := f.ds.Errors().Save(ctx, store.NewErrorKey(task.FileHash, service.Name), &types.Error{
					SHA256:      task.FileHash,
					SID:         sub.SID,
					ServiceName: service.Name,
					Category:    types.ErrorCategoryTimeout,
					Message:     "Service timed out",
				}); err != nil {
					return false, 0, err
				}
			}

			if err := f.dispatch(ctx, dh, sub, task, service, serviceConfig, ts); err != nil {
				return false, 0, err
			}
			stageOutstanding = true
			if wait == 0 || timeout < wait {
				wait = timeout
			}
		}

		if stageOutstanding {
			// Later stages wait for this one.
			return true, wait, nil
		}
		if stageDrop {
			// The file was dropped; everything after this stage is skipped.
			if err := f.skipRemaining(ctx, dh, task.FileHash, schedule[si+1:]); err != nil {
				return false, 0, err
			}
			return false, 0, nil
		}
	}
	return false, 0, nil
}

// dispatch puts a service task on the service's queue and records the
// dispatch time.
func (f *FileDispatcher) dispatch(ctx context.Context, dh *DispatchHash, sub *types.Submission, task *types.FileTask, service *types.Service, serviceConfig string, ts time.Time) error {
	data, err := json.Marshal(&types.ServiceTask{
		SID:           sub.SID,
		FileHash:      task.FileHash,
		FileType:      task.FileType,
		Depth:         task.Depth,
		ServiceName:   service.Name,
		ServiceConfig: serviceConfig,
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := f.factory.NamedQueue(types.ServiceQueue(service.Name)).Push(ctx, data); err != nil {
		return skerr.Wrapf(err, "dispatching %s to %s", task.FileHash, service.Name)
	}
	if err := dh.MarkDispatched(ctx, task.FileHash, service.Name, ts); err != nil {
		return err
	}
	f.tasksDispatched.Inc(1)
	return nil
}

// skipRemaining marks every unfinished pair of the given stages as skipped.
func (f *FileDispatcher) skipRemaining(ctx context.Context, dh *DispatchHash, sha256 string, stages [][]*types.Service) error {
	for _, stage := range stages {
		for _, service := range stage {
			rec, err := dh.Finished(ctx, sha256, service.Name)
			if err != nil {
				return err
			}
			if rec != nil {
				continue
			}
			if err := dh.MarkFinished(ctx, sha256, service.Name, &FinishRecord{Skipped: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkCompletion announces the submission on the submission queue if every
// registered file has finished its whole schedule. The announcement is made
// exactly once per submission.
func (f *FileDispatcher) checkCompletion(ctx context.Context, sub *types.Submission, dh *DispatchHash) error {
	files, err := dh.Files(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		schedule, err := f.sched.BuildSchedule(ctx, file.Type, sub.Params.Selected)
		if err != nil {
			return err
		}
		for _, stage := range schedule {
			for _, service := range stage {
				rec, err := dh.Finished(ctx, file.SHA256, service.Name)
				if err != nil {
					return err
				}
				if rec == nil {
					return nil
				}
			}
		}
	}
	claimed, err := dh.MarkComplete(ctx)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	data, err := json.Marshal(map[string]string{"sid": sub.SID})
	if err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("All files of %s finished, announcing completion", sub.SID)
	return f.subQ.Push(ctx, data)
}
