package ingester

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/go/now"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

// RunSubmit drains the unique queue until ctx is cancelled, turning admitted
// tasks into tracked submissions.
func (i *Ingester) RunSubmit(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := i.uniqueQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop unique queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		task := new(types.IngestTask)
		if err := json.Unmarshal(data, task); err != nil {
			sklog.Errorf("Dropping malformed unique queue message: %s", err)
			continue
		}
		if err := i.submit(ctx, task); err != nil {
			sklog.Errorf("Failed to submit %s: %s", task.Request.Root().SHA256, err)
			i.retryTask(ctx, task, task.ScanKey, err)
		}
	}
}

// submit starts analysis of the task, unless an identical scan is already in
// flight, in which case the task folds onto the duplicate queue and shares
// the in-flight scan's outcome.
func (i *Ingester) submit(ctx context.Context, task *types.IngestTask) error {
	if task.ScanKey == "" {
		task.ScanKey = types.ScanKey(task.Request.Root(), task.Request.Params)
	}
	scanKey := task.ScanKey

	taskData, err := json.Marshal(task)
	if err != nil {
		return skerr.Wrap(err)
	}

	// The claim check and the fold must not interleave with the drain in
	// Completed, or the duplicate is stranded on a queue nobody will look at
	// again. The lock stripe is process local; running several ingest
	// processes against one redis reopens this window.
	lock := i.scanLock(scanKey)
	lock.Lock()
	added, err := i.scanning.SetNX(ctx, scanKey, taskData)
	if err != nil {
		lock.Unlock()
		return skerr.Wrap(err)
	}
	if !added {
		// An identical scan is already in flight; fold onto it.
		i.duplicates.Inc(1)
		err := i.dupQ.Push(ctx, types.DuplicateQueue(scanKey), taskData)
		lock.Unlock()
		return err
	}
	lock.Unlock()

	if err := i.startSubmission(ctx, task); err != nil {
		// Release the claim so a retry can submit again.
		if delErr := i.scanning.Delete(ctx, scanKey); delErr != nil {
			sklog.Errorf("Failed to release scanning claim %s: %s", scanKey, delErr)
		}
		return err
	}
	return nil
}

// startSubmission creates the submission record, dispatches the root file and
// arms the abandonment watch.
func (i *Ingester) startSubmission(ctx context.Context, task *types.IngestTask) error {
	ts := now.Now(ctx)
	sid := uuid.NewString()
	param := task.Request.Params
	param.Selected = i.sched.ExpandSelection(param.Selected)
	if param.MaxExtracted <= 0 {
		param.MaxExtracted = i.cfg.Submission.DefaultMaxExtracted
	}
	if param.MaxExtractionDepth <= 0 {
		param.MaxExtractionDepth = i.cfg.Submission.MaxExtractionDepth
	}

	sub := &types.Submission{
		SID:        sid,
		ScanKey:    task.ScanKey,
		Files:      task.Request.Files,
		Params:     param,
		Metadata:   task.Request.Metadata,
		State:      types.StateSubmitted,
		SubmitTime: ts,
	}
	if err := i.ds.Submissions().Save(ctx, sub); err != nil {
		return skerr.Wrap(err)
	}

	root := task.Request.Root()
	if err := i.pushJSON(ctx, i.fileQ, &types.FileTask{
		SID:      sid,
		FileHash: root.SHA256,
		FileType: root.Type,
		Depth:    0,
	}); err != nil {
		return skerr.Wrap(err)
	}

	// If nothing finishes the submission in time, the watcher reports it back
	// as timed out.
	abandoned, err := json.Marshal(&types.CompleteMessage{
		ScanKey:    task.ScanKey,
		SID:        sid,
		RootSHA256: root.SHA256,
		Failure:    "timed out",
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := i.watch.Touch(ctx, task.ScanKey, i.cfg.Ingester.MaxTime.Duration, types.CompleteQueue, abandoned); err != nil {
		return skerr.Wrap(err)
	}

	sklog.Infof("Submitted %s as %s", root.SHA256, sid)
	return nil
}

// retryTask requeues a failed submission attempt, giving up once the task
// runs out of retries or is too old to matter. Giving up discards the folded
// duplicates too.
func (i *Ingester) retryTask(ctx context.Context, task *types.IngestTask, scanKey string, cause error) {
	task.Retries++
	switch {
	case task.Retries > i.cfg.Ingester.MaxRetries:
		sklog.Errorf("Max retries exceeded for %s: %s", task.Request.Root().SHA256, cause)
		if err := i.dupQ.Delete(ctx, types.DuplicateQueue(scanKey)); err != nil {
			sklog.Errorf("Failed to discard duplicates for %s: %s", scanKey, err)
		}
	case i.cacheExpiredAfter(now.Now(ctx).Sub(task.IngestTime), 0):
		sklog.Infof("No point retrying expired submission for %s", task.Request.Root().SHA256)
		if err := i.dupQ.Delete(ctx, types.DuplicateQueue(scanKey)); err != nil {
			sklog.Errorf("Failed to discard duplicates for %s: %s", scanKey, err)
		}
	default:
		sklog.Infof("Requeuing %s (%s)", task.Request.Root().SHA256, cause)
		task.RetryAt = now.Now(ctx).Add(i.cfg.Ingester.RetryDelay.Duration)
		if err := i.pushJSON(ctx, i.retryQ, task); err != nil {
			sklog.Errorf("Failed to requeue %s: %s", task.Request.Root().SHA256, err)
		}
	}
}

// RunRetry drains the retry queue until ctx is cancelled. Tasks whose retry
// time has passed go straight back to ingestion; the rest are parked with the
// watcher until they are due.
func (i *Ingester) RunRetry(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := i.retryQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop retry queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		task := new(types.IngestTask)
		if err := json.Unmarshal(data, task); err != nil {
			sklog.Errorf("Dropping malformed retry message: %s", err)
			continue
		}
		ts := now.Now(ctx)
		if !task.RetryAt.After(ts) {
			if err := i.ingestQ.Push(ctx, data); err != nil {
				sklog.Errorf("Failed to requeue retry for %s: %s", task.Request.Root().SHA256, err)
			}
			continue
		}
		key := "retry-" + uuid.NewString()
		if err := i.watch.Touch(ctx, key, task.RetryAt.Sub(ts), types.IngestQueue, data); err != nil {
			sklog.Errorf("Failed to park retry for %s: %s", task.Request.Root().SHA256, err)
		}
	}
}

// RunDrop drains the drop queue until ctx is cancelled, notifying requesters
// about shed tasks.
func (i *Ingester) RunDrop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := i.dropQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop drop queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		task := new(types.IngestTask)
		if err := json.Unmarshal(data, task); err != nil {
			sklog.Errorf("Dropping malformed drop message: %s", err)
			continue
		}
		if err := i.sendNotification(ctx, task); err != nil {
			sklog.Errorf("Failed to notify about dropped %s: %s", task.Request.Root().SHA256, err)
		}
	}
}
