// Package watcher implements persistent timeout messages: a component
// registers a message to be delivered to a queue at a deadline, and can push
// the deadline back or cancel it while the work it guards makes progress.
// Entries live in a persistent hash, so messages survive restarts of both the
// watcher and its clients.
package watcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/go/metrics2"
	"github.com/kryptoslogic/assemblyline-core/go/now"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
	"github.com/kryptoslogic/assemblyline-core/go/util"
)

// TableName is the hash holding the outstanding watch entries.
const TableName = "m-watch-table"

// entry is one outstanding watch.
type entry struct {
	Deadline time.Time `json:"deadline"`
	Queue    string    `json:"queue"`
	Message  []byte    `json:"message"`
}

// Client registers and cancels watches.
type Client struct {
	table queue.Hash
}

// NewClient returns a Client on the given queue factory.
func NewClient(factory queue.Factory) *Client {
	return &Client{
		table: factory.Hash(TableName),
	}
}

// Touch registers (or replaces) the watch under key: unless the watch is
// touched again or cancelled first, message is delivered to queueName once
// timeout elapses.
func (c *Client) Touch(ctx context.Context, key string, timeout time.Duration, queueName string, message []byte) error {
	data, err := json.Marshal(entry{
		Deadline: now.Now(ctx).Add(timeout),
		Queue:    queueName,
		Message:  message,
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := c.table.Set(ctx, key, data); err != nil {
		return skerr.Wrapf(err, "touching watch %s", key)
	}
	return nil
}

// Cancel removes the watch under key. Cancelling an absent watch is not an
// error.
func (c *Client) Cancel(ctx context.Context, key string) error {
	if err := c.table.Delete(ctx, key); err != nil {
		return skerr.Wrapf(err, "cancelling watch %s", key)
	}
	return nil
}

// Server scans the watch table and delivers due messages.
type Server struct {
	factory queue.Factory
	table   queue.Hash
	tick    time.Duration

	fired    metrics2.Counter
	liveness metrics2.Liveness
}

// NewServer returns a Server scanning every tick.
func NewServer(factory queue.Factory, tick time.Duration) *Server {
	return &Server{
		factory:  factory,
		table:    factory.Hash(TableName),
		tick:     tick,
		fired:    metrics2.GetCounter("watcher_fired"),
		liveness: metrics2.NewLiveness("watcher_scan"),
	}
}

// Start runs the scan loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	util.RepeatCtx(s.tick, ctx, func() {
		if err := s.ScanOnce(ctx); err != nil {
			sklog.Errorf("Watch table scan failed: %s", err)
			return
		}
		s.liveness.Reset()
	})
}

// ScanOnce walks the watch table once and delivers every due message.
func (s *Server) ScanOnce(ctx context.Context) error {
	keys, err := s.table.Keys(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	ts := now.Now(ctx)
	for _, key := range keys {
		data, err := s.table.Get(ctx, key)
		if err != nil {
			return skerr.Wrap(err)
		}
		if data == nil {
			// Cancelled while we were scanning.
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			sklog.Errorf("Dropping malformed watch entry %s: %s", key, err)
			if err := s.table.Delete(ctx, key); err != nil {
				return skerr.Wrap(err)
			}
			continue
		}
		if e.Deadline.After(ts) {
			continue
		}
		// Pop so a concurrent Touch wins over the delivery: if the client
		// replaced the entry since we read it, leave the new entry alone.
		popped, err := s.table.Pop(ctx, key)
		if err != nil {
			return skerr.Wrap(err)
		}
		if popped == nil {
			continue
		}
		var due entry
		if err := json.Unmarshal(popped, &due); err != nil {
			sklog.Errorf("Dropping malformed watch entry %s: %s", key, err)
			continue
		}
		if due.Deadline.After(ts) {
			// Touched between the read and the pop; put it back.
			if err := s.table.Set(ctx, key, popped); err != nil {
				return skerr.Wrap(err)
			}
			continue
		}
		if err := s.factory.NamedQueue(due.Queue).Push(ctx, due.Message); err != nil {
			return skerr.Wrapf(err, "delivering watch %s to %s", key, due.Queue)
		}
		s.fired.Inc(1)
		sklog.Infof("Watch %s expired, delivered to %s", key, due.Queue)
	}
	return nil
}
