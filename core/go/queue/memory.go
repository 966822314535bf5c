package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryFactory creates in-memory queues and hashes, for tests and single
// process runs. Queues and hashes returned for the same name share state.
type MemoryFactory struct {
	mtx       sync.Mutex
	named     map[string]*memNamedQueue
	priority  map[string]*memPriorityQueue
	hashes    map[string]*memHash
	multi     *memMultiQueue
	multiOnce sync.Once
}

// NewMemoryFactory returns an empty MemoryFactory.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		named:    map[string]*memNamedQueue{},
		priority: map[string]*memPriorityQueue{},
		hashes:   map[string]*memHash{},
	}
}

// NamedQueue implements Factory.
func (f *MemoryFactory) NamedQueue(name string) NamedQueue {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	q, ok := f.named[name]
	if !ok {
		q = &memNamedQueue{signal: make(chan struct{}, 1)}
		f.named[name] = q
	}
	return q
}

// PriorityQueue implements Factory.
func (f *MemoryFactory) PriorityQueue(name string) PriorityQueue {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	q, ok := f.priority[name]
	if !ok {
		q = &memPriorityQueue{signal: make(chan struct{}, 1)}
		f.priority[name] = q
	}
	return q
}

// MultiQueue implements Factory.
func (f *MemoryFactory) MultiQueue() MultiQueue {
	f.multiOnce.Do(func() {
		f.multi = &memMultiQueue{queues: map[string][][]byte{}}
	})
	return f.multi
}

// Hash implements Factory.
func (f *MemoryFactory) Hash(name string) Hash {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	h, ok := f.hashes[name]
	if !ok {
		h = &memHash{data: map[string][]byte{}}
		f.hashes[name] = h
	}
	return h
}

// memNamedQueue implements NamedQueue with a mutex-guarded slice. A buffered
// signal channel wakes at most one blocked Pop per Push.
type memNamedQueue struct {
	mtx    sync.Mutex
	items  [][]byte
	signal chan struct{}
}

// Push implements NamedQueue.
func (q *memNamedQueue) Push(ctx context.Context, data []byte) error {
	q.mtx.Lock()
	q.items = append(q.items, append([]byte(nil), data...))
	q.mtx.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop implements NamedQueue.
func (q *memNamedQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if data, _ := q.PopNow(ctx); data != nil {
			return data, nil
		}
		select {
		case <-q.signal:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PopNow implements NamedQueue.
func (q *memNamedQueue) PopNow(ctx context.Context) ([]byte, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	data := q.items[0]
	q.items = q.items[1:]
	return data, nil
}

// Length implements NamedQueue.
func (q *memNamedQueue) Length(ctx context.Context) (int64, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return int64(len(q.items)), nil
}

// memPriorityItem is one entry of memPriorityQueue.
type memPriorityItem struct {
	priority int
	seq      int64
	data     []byte
}

// memPriorityQueue implements PriorityQueue with a sorted slice.
type memPriorityQueue struct {
	mtx    sync.Mutex
	items  []memPriorityItem
	seq    int64
	signal chan struct{}
}

// Push implements PriorityQueue.
func (q *memPriorityQueue) Push(ctx context.Context, priority int, data []byte) error {
	q.mtx.Lock()
	q.seq++
	q.items = append(q.items, memPriorityItem{
		priority: priority,
		seq:      q.seq,
		data:     append([]byte(nil), data...),
	})
	// Highest priority first, FIFO within a priority.
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].priority != q.items[j].priority {
			return q.items[i].priority > q.items[j].priority
		}
		return q.items[i].seq < q.items[j].seq
	})
	q.mtx.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop implements PriorityQueue.
func (q *memPriorityQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mtx.Lock()
		if len(q.items) > 0 {
			data := q.items[0].data
			q.items = q.items[1:]
			q.mtx.Unlock()
			return data, nil
		}
		q.mtx.Unlock()
		select {
		case <-q.signal:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CountRange implements PriorityQueue.
func (q *memPriorityQueue) CountRange(ctx context.Context, lo, hi int) (int64, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var n int64
	for _, item := range q.items {
		if item.priority >= lo && item.priority <= hi {
			n++
		}
	}
	return n, nil
}

// Length implements PriorityQueue.
func (q *memPriorityQueue) Length(ctx context.Context) (int64, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return int64(len(q.items)), nil
}

// memMultiQueue implements MultiQueue with a map of slices.
type memMultiQueue struct {
	mtx    sync.Mutex
	queues map[string][][]byte
}

// Push implements MultiQueue.
func (q *memMultiQueue) Push(ctx context.Context, name string, data []byte) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.queues[name] = append(q.queues[name], append([]byte(nil), data...))
	return nil
}

// PopNow implements MultiQueue.
func (q *memMultiQueue) PopNow(ctx context.Context, name string) ([]byte, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	items := q.queues[name]
	if len(items) == 0 {
		return nil, nil
	}
	data := items[0]
	q.queues[name] = items[1:]
	return data, nil
}

// Delete implements MultiQueue.
func (q *memMultiQueue) Delete(ctx context.Context, name string) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.queues, name)
	return nil
}

// Length implements MultiQueue.
func (q *memMultiQueue) Length(ctx context.Context, name string) (int64, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return int64(len(q.queues[name])), nil
}

// memHash implements Hash with a mutex-guarded map.
type memHash struct {
	mtx  sync.Mutex
	data map[string][]byte
}

// Set implements Hash.
func (h *memHash) Set(ctx context.Context, key string, data []byte) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.data[key] = append([]byte(nil), data...)
	return nil
}

// SetNX implements Hash.
func (h *memHash) SetNX(ctx context.Context, key string, data []byte) (bool, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.data[key]; ok {
		return false, nil
	}
	h.data[key] = append([]byte(nil), data...)
	return true, nil
}

// Get implements Hash.
func (h *memHash) Get(ctx context.Context, key string) ([]byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	data, ok := h.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Pop implements Hash.
func (h *memHash) Pop(ctx context.Context, key string) ([]byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	data, ok := h.data[key]
	if !ok {
		return nil, nil
	}
	delete(h.data, key)
	return data, nil
}

// Exists implements Hash.
func (h *memHash) Exists(ctx context.Context, key string) (bool, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	_, ok := h.data[key]
	return ok, nil
}

// Keys implements Hash.
func (h *memHash) Keys(ctx context.Context) ([]string, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	keys := make([]string, 0, len(h.data))
	for k := range h.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Hash.
func (h *memHash) Delete(ctx context.Context, key string) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.data, key)
	return nil
}

// DeleteAll implements Hash.
func (h *memHash) DeleteAll(ctx context.Context) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.data = map[string][]byte{}
	return nil
}

// Assert that the memory types implement the interfaces.
var _ Factory = (*MemoryFactory)(nil)
var _ NamedQueue = (*memNamedQueue)(nil)
var _ PriorityQueue = (*memPriorityQueue)(nil)
var _ MultiQueue = (*memMultiQueue)(nil)
var _ Hash = (*memHash)(nil)
