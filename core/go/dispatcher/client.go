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
	"github.com/kryptoslogic/assemblyline-core/go/metrics2"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

// Client is the dispatcher-facing API of an analyzer service: pull a task,
// report a result or a failure.
type Client struct {
	cfg     *config.Config
	factory queue.Factory
	ds      store.Datastore
	sched   *scheduler.Scheduler

	fileQ queue.NamedQueue

	resultsSaved metrics2.Counter
	errorsSaved  metrics2.Counter
}

// NewClient returns a Client on the given queues and datastore.
func NewClient(cfg *config.Config, factory queue.Factory, ds store.Datastore, sched *scheduler.Scheduler) *Client {
	return &Client{
		cfg:     cfg,
		factory: factory,
		ds:      ds,
		sched:   sched,

		fileQ: factory.NamedQueue(types.FileDispatch),

		resultsSaved: metrics2.GetCounter("dispatch_results_saved"),
		errorsSaved:  metrics2.GetCounter("dispatch_errors_saved"),
	}
}

// RequestWork pulls the next task for the named service, blocking for up to
// timeout. Returns (nil, nil) if no task arrived in time.
func (c *Client) RequestWork(ctx context.Context, serviceName string, timeout time.Duration) (*types.ServiceTask, error) {
	data, err := c.factory.NamedQueue(types.ServiceQueue(serviceName)).Pop(ctx, timeout)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if data == nil {
		return nil, nil
	}
	task := new(types.ServiceTask)
	if err := json.Unmarshal(data, task); err != nil {
		return nil, skerr.Wrapf(err, "decoding task for %s", serviceName)
	}
	return task, nil
}

// ServiceFinished records a successful service run: the result is saved, the
// (file, service) pair is finished, accepted extracted files join the
// submission, and the file goes back to the dispatcher to continue its walk.
func (c *Client) ServiceFinished(ctx context.Context, task *types.ServiceTask, result *types.Result) error {
	sub, err := c.ds.Submissions().Get(ctx, task.SID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if sub == nil || sub.State != types.StateSubmitted {
		// The submission is gone or wrapped up; nothing to attach this to.
		sklog.Warningf("Late result from %s for %s", task.ServiceName, task.SID)
		return nil
	}

	result.SHA256 = task.FileHash
	result.ServiceName = task.ServiceName
	resultKey := types.ResultKey(task.FileHash, task.ServiceName, task.ServiceConfig)
	if err := c.ds.Results().Save(ctx, resultKey, result); err != nil {
		return skerr.Wrap(err)
	}
	c.resultsSaved.Inc(1)

	dh := NewDispatchHash(c.factory, task.SID)
	if err := dh.MarkFinished(ctx, task.FileHash, task.ServiceName, &FinishRecord{
		ResultKey: resultKey,
		Drop:      result.DropFile,
	}); err != nil {
		return err
	}

	for _, extracted := range result.Extracted {
		if err := c.admitExtracted(ctx, sub, dh, task, extracted); err != nil {
			return err
		}
	}

	return c.pushFileTask(ctx, &types.FileTask{
		SID:      task.SID,
		FileHash: task.FileHash,
		FileType: task.FileType,
		Depth:    task.Depth,
	})
}

// admitExtracted registers one extracted file with the submission, or records
// an error if an extraction limit rejects it.
func (c *Client) admitExtracted(ctx context.Context, sub *types.Submission, dh *DispatchHash, task *types.ServiceTask, extracted types.ExtractedFile) error {
	childDepth := task.Depth + 1
	if childDepth >= sub.Params.MaxExtractionDepth {
		return c.rejectExtracted(ctx, dh, task, extracted, "Maximum extraction depth reached")
	}

	// The root files don't count against the extraction limit.
	registered, err := dh.FileCount(ctx)
	if err != nil {
		return err
	}
	if registered-len(sub.Files) >= sub.Params.MaxExtracted {
		return c.rejectExtracted(ctx, dh, task, extracted, "Maximum files extracted reached")
	}

	added, err := dh.AddFile(ctx, extracted.SHA256, extracted.Type, childDepth)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	return c.pushFileTask(ctx, &types.FileTask{
		SID:      task.SID,
		FileHash: extracted.SHA256,
		FileType: extracted.Type,
		Depth:    childDepth,
	})
}

// rejectExtracted records a terminal error against the parent for an
// extracted file that an extraction limit kept out.
func (c *Client) rejectExtracted(ctx context.Context, dh *DispatchHash, task *types.ServiceTask, extracted types.ExtractedFile, message string) error {
	key := store.NewErrorKey(task.FileHash, task.ServiceName)
	if err := c.ds.Errors().Save(ctx, key, &types.Error{
		SHA256:      task.FileHash,
		SID:         task.SID,
		ServiceName: task.ServiceName,
		Category:    types.ErrorCategoryTerminal,
		Message:     message + " (" + extracted.SHA256 + ")",
	}); err != nil {
		return skerr.Wrap(err)
	}
	c.errorsSaved.Inc(1)
	sklog.Warningf("%s: %s extracted by %s from %s", message, extracted.SHA256, task.ServiceName, task.FileHash)
	return dh.AddError(ctx, key)
}

// ServiceFailed records a failed service run. Terminal failures finish the
// (file, service) pair; transient ones count against the retry limit and free
// the dispatcher to try again. Either way the file goes back to the
// dispatcher.
func (c *Client) ServiceFailed(ctx context.Context, task *types.ServiceTask, category, message string) error {
	sub, err := c.ds.Submissions().Get(ctx, task.SID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if sub == nil || sub.State != types.StateSubmitted {
		sklog.Warningf("Late error from %s for %s", task.ServiceName, task.SID)
		return nil
	}

	dh := NewDispatchHash(c.factory, task.SID)
	aerr := &types.Error{
		SHA256:      task.FileHash,
		SID:         task.SID,
		ServiceName: task.ServiceName,
		Category:    category,
		Message:     message,
	}
	if aerr.IsTerminal() {
		key := store.TerminalErrorKey(task.FileHash, task.ServiceName)
		if err := c.ds.Errors().Save(ctx, key, aerr); err != nil {
			return skerr.Wrap(err)
		}
		if err := dh.MarkFinished(ctx, task.FileHash, task.ServiceName, &FinishRecord{ErrorKey: key}); err != nil {
			return err
		}
	} else {
		if err := c.ds.Errors().Save(ctx, store.NewErrorKey(task.FileHash, task.ServiceName), aerr); err != nil {
			return skerr.Wrap(err)
		}
		// Free the pair for an immediate re-dispatch.
		if err := dh.ClearDispatched(ctx, task.FileHash, task.ServiceName); err != nil {
			return err
		}
	}
	c.errorsSaved.Inc(1)

	return c.pushFileTask(ctx, &types.FileTask{
		SID:      task.SID,
		FileHash: task.FileHash,
		FileType: task.FileType,
		Depth:    task.Depth,
	})
}

// pushFileTask sends a file back to the dispatcher.
func (c *Client) pushFileTask(ctx context.Context, task *types.FileTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(c.fileQ.Push(ctx, data))
}
