// Package queue provides the queue and hash primitives the core components
// communicate through: named FIFO queues, a priority queue, duplicate
// multi-queues and atomic hashes. Redis-backed implementations are used in
// production; in-memory implementations back the tests.
package queue

import (
	"context"
	"time"
)

// NamedQueue is a FIFO queue.
type NamedQueue interface {
	// Push appends an item to the queue.
	Push(ctx context.Context, data []byte) error

	// Pop removes and returns the oldest item, blocking for up to timeout.
	// Returns (nil, nil) if the queue stayed empty.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)

	// PopNow removes and returns the oldest item without blocking. Returns
	// (nil, nil) if the queue is empty.
	PopNow(ctx context.Context) ([]byte, error)

	// Length returns the number of queued items.
	Length(ctx context.Context) (int64, error)
}

// PriorityQueue pops higher priorities strictly before lower ones, FIFO
// within a priority.
type PriorityQueue interface {
	// Push appends an item with the given priority.
	Push(ctx context.Context, priority int, data []byte) error

	// Pop removes and returns the highest-priority item, blocking for up to
	// timeout. Returns (nil, nil) if the queue stayed empty.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)

	// CountRange returns the number of queued items whose priority lies in
	// [lo, hi].
	CountRange(ctx context.Context, lo, hi int) (int64, error)

	// Length returns the number of queued items.
	Length(ctx context.Context) (int64, error)
}

// MultiQueue is a collection of named FIFO sub-queues which can be created,
// drained and deleted cheaply. Used for the per-scan-key duplicate queues.
type MultiQueue interface {
	// Push appends an item to the named sub-queue.
	Push(ctx context.Context, name string, data []byte) error

	// PopNow removes and returns the oldest item of the named sub-queue
	// without blocking. Returns (nil, nil) if the sub-queue is empty.
	PopNow(ctx context.Context, name string) ([]byte, error)

	// Delete discards the named sub-queue and its contents.
	Delete(ctx context.Context, name string) error

	// Length returns the number of items in the named sub-queue.
	Length(ctx context.Context, name string) (int64, error)
}

// Hash is a persistent map with atomic operations.
type Hash interface {
	// Set stores data under key.
	Set(ctx context.Context, key string, data []byte) error

	// SetNX stores data under key only if the key is not already present.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key string, data []byte) (bool, error)

	// Get returns the data stored under key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Pop atomically removes and returns the data stored under key, or
	// (nil, nil) if absent.
	Pop(ctx context.Context, key string) ([]byte, error)

	// Exists returns true if key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys in the hash.
	Keys(ctx context.Context) ([]string, error)

	// Delete removes key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes the entire hash.
	DeleteAll(ctx context.Context) error
}

// Factory creates queues and hashes by name, so that components can open
// queues whose names are only known at runtime (notification queues,
// per-service queues, per-submission dispatch tables).
type Factory interface {
	NamedQueue(name string) NamedQueue
	PriorityQueue(name string) PriorityQueue
	MultiQueue() MultiQueue
	Hash(name string) Hash
}
