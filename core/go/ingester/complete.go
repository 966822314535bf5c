package ingester

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kryptoslogic/assemblyline-core/core/go/dispatcher"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/go/now"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
	"github.com/kryptoslogic/assemblyline-core/go/util"
)

// RunComplete drains the completion queue until ctx is cancelled.
func (i *Ingester) RunComplete(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := i.completeQ.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sklog.Errorf("Failed to pop complete queue: %s", err)
			continue
		}
		if data == nil {
			continue
		}
		msg := new(types.CompleteMessage)
		if err := json.Unmarshal(data, msg); err != nil {
			sklog.Errorf("Dropping malformed complete message: %s", err)
			continue
		}
		if err := i.Completed(ctx, msg); err != nil {
			sklog.Errorf("Failed to complete %s: %s", msg.ScanKey, err)
		}
	}
}

// Completed handles one submission completion (or abandonment) message:
// update the local cache tier, notify the original requester and every folded
// duplicate, and queue alerts and resubmissions.
func (i *Ingester) Completed(ctx context.Context, msg *types.CompleteMessage) error {
	scanKey := msg.ScanKey

	lock := i.scanLock(scanKey)
	lock.Lock()
	defer lock.Unlock()

	raw, err := i.scanning.Pop(ctx, scanKey)
	if err != nil {
		return skerr.Wrap(err)
	}
	if raw == nil {
		// We are notified for every submission that completes; some are not
		// ours to finalize.
		sklog.Warningf("Untracked submission (score=%d) for %s", int(msg.Score), msg.RootSHA256)
		return nil
	}
	task := new(types.IngestTask)
	if err := json.Unmarshal(raw, task); err != nil {
		return skerr.Wrapf(err, "decoding scanning entry %s", scanKey)
	}

	if msg.Failure != "" {
		// Abandoned, not completed. No cache entry is written; the requester
		// and any duplicates hear about the failure.
		if err := i.abandonSubmission(ctx, msg.SID); err != nil {
			return err
		}
		task.Failure = msg.Failure
		if err := i.sendNotification(ctx, task); err != nil {
			return err
		}
		return i.drainDuplicates(ctx, scanKey, func(dup *types.IngestTask) error {
			dup.Failure = msg.Failure
			return i.sendNotification(ctx, dup)
		})
	}

	i.submissionsCompleted.Inc(1)
	i.filesCompleted.Inc(int64(msg.FileCount))
	i.bytesCompleted.Inc(msg.Size)

	i.localScores.Set(scanKey, &types.FileScoreEntry{
		Score:  msg.Score,
		SID:    msg.SID,
		PSID:   msg.PSID,
		Errors: msg.ErrorCount,
		Time:   now.Now(ctx),
	}, gocache.DefaultExpiration)

	if err := i.finalize(ctx, msg.PSID, msg.SID, msg.Score, task); err != nil {
		return err
	}
	return i.drainDuplicates(ctx, scanKey, func(dup *types.IngestTask) error {
		return i.finalize(ctx, msg.PSID, msg.SID, msg.Score, dup)
	})
}

// abandonSubmission marks an abandoned submission failed and discards its
// dispatch state, so a straggler result cannot resurrect it or overwrite the
// score cache after the failure was reported.
func (i *Ingester) abandonSubmission(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	sub, err := i.ds.Submissions().Get(ctx, sid)
	if err != nil {
		return skerr.Wrap(err)
	}
	if sub != nil && sub.State == types.StateSubmitted {
		sub.State = types.StateFailed
		sub.CompleteTime = now.Now(ctx)
		if err := i.ds.Submissions().Save(ctx, sub); err != nil {
			return skerr.Wrap(err)
		}
	}

	dh := dispatcher.NewDispatchHash(i.factory, sid)
	files, err := dh.Files(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := i.watch.Cancel(ctx, dispatcher.FileWatchKey(sid, file.SHA256)); err != nil {
			return err
		}
	}
	return dh.Destroy(ctx)
}

// drainDuplicates snapshots the duplicate queue for the scan key and runs fn
// on every folded task. The snapshot matters: fn may resubmit onto the very
// queue being drained, so popping until empty could loop forever.
func (i *Ingester) drainDuplicates(ctx context.Context, scanKey string, fn func(*types.IngestTask) error) error {
	name := types.DuplicateQueue(scanKey)
	var dups []*types.IngestTask
	for {
		raw, err := i.dupQ.PopNow(ctx, name)
		if err != nil {
			return skerr.Wrap(err)
		}
		if raw == nil {
			break
		}
		dup := new(types.IngestTask)
		if err := json.Unmarshal(raw, dup); err != nil {
			sklog.Errorf("Dropping malformed duplicate for %s: %s", scanKey, err)
			continue
		}
		dups = append(dups, dup)
	}
	for _, dup := range dups {
		if err := fn(dup); err != nil {
			return err
		}
	}
	return nil
}

// finalize delivers the outcome of a submission to the task that asked for
// it: attach the score, alert if warranted, notify, and maybe resubmit with
// an extended service selection.
func (i *Ingester) finalize(ctx context.Context, psid, sid string, score float64, task *types.IngestTask) error {
	sklog.Debugf("Finalizing (score=%v) %s", score, task.Request.Root().SHA256)
	param := &task.Request.Params
	if psid != "" {
		param.PSID = psid
	}
	task.SID = sid
	task.Score = types.Score(score)

	resubmitSelected := determineResubmitSelected(param.Selected, param.ResubmitTo)
	willResubmit := len(resubmitSelected) > 0 && i.shouldResubmit(score)
	if willResubmit {
		param.PSID = ""
	}

	if i.isAlert(task, score) {
		if err := i.pushJSON(ctx, i.alertQ, task); err != nil {
			return err
		}
	}

	if err := i.sendNotification(ctx, task); err != nil {
		return err
	}

	if willResubmit {
		param.PSID = sid
		param.Selected = resubmitSelected
		param.ResubmitTo = nil
		task.ScanKey = types.ScanKey(task.Request.Root(), *param)
		data, err := json.Marshal(task)
		if err != nil {
			return skerr.Wrap(err)
		}
		return i.uniqueQ.Push(ctx, param.Priority, data)
	}
	return nil
}

// sendFailureNotification stamps the failure on the task and notifies.
func (i *Ingester) sendFailureNotification(ctx context.Context, task *types.IngestTask, failure string) {
	task.Failure = failure
	if err := i.sendNotification(ctx, task); err != nil {
		sklog.Errorf("Failed to notify about %s: %s", task.Request.Root().SHA256, err)
	}
}

// sendNotification delivers the task to its notification queue, if it has
// one. Notifications below the caller's score threshold are suppressed.
func (i *Ingester) sendNotification(ctx context.Context, task *types.IngestTask) error {
	if task.Failure != "" {
		sklog.Warningf("%s: %s", task.Failure, task.Request.Root().SHA256)
	}

	notice := task.Request.Notification
	if notice.Queue == "" {
		return nil
	}
	if notice.Threshold != nil && !task.Score.IsNaN() && float64(task.Score) < *notice.Threshold {
		return nil
	}
	q := i.factory.NamedQueue(types.NotificationQueue(notice.Queue))
	return i.pushJSON(ctx, q, task)
}

// shouldResubmit samples the resubmission decision for a completed score:
//
//	100%     with a score above 400.
//	10%      with a score of 301 to 400.
//	1%       with a score of 201 to 300.
//	0.1%     with a score of 101 to 200.
//	0.01%    with a score of 1 to 100.
//	0.001%   with a score of 0.
//	0%       with a score below 0.
func (i *Ingester) shouldResubmit(score float64) bool {
	if score < 0 {
		return false
	}
	if score > 400 {
		return true
	}
	probability := 1.0 / math.Pow(10, (500-score)/100)
	return i.rnd() < probability
}

// determineResubmitSelected returns the union of the selection and the
// resubmit services, or nil when the selection already covers them all.
func determineResubmitSelected(selected, resubmitTo []string) []string {
	if util.ContainsAll(selected, resubmitTo) {
		return nil
	}
	union := util.NewStringSet(selected, resubmitTo).Keys()
	sort.Strings(union)
	return union
}

// isAlert reports whether a completed submission warrants an alert.
func (i *Ingester) isAlert(task *types.IngestTask, score float64) bool {
	if !task.Request.Params.GenerateAlert {
		return false
	}
	return score >= i.cfg.Alerting.Threshold
}
