package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/kryptoslogic/assemblyline-core/go/skerr"
)

const (
	// multiQueuePrefix namespaces the sub-queues of the redis MultiQueue.
	multiQueuePrefix = "mq-"

	// priorityPadding is the fixed width of the sequence number prefixed to
	// priority queue members, wide enough to never wrap in practice.
	priorityPadding = 20
)

// retryBackoff returns the backoff schedule used for transient redis
// failures. The ingest loops would rather stall briefly than drop a task on a
// connection blip.
func retryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

// withRetry runs fn with retries on transient errors. redis.Nil is not an
// error at this layer; callers translate it to "empty" before returning.
func withRetry(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || err == redis.Nil || err == context.Canceled || err == context.DeadlineExceeded {
			return backoff.Permanent(err)
		}
		return err
	}, retryBackoff(ctx))
}

// RedisFactory creates redis-backed queues and hashes.
type RedisFactory struct {
	client *redis.Client
}

// NewRedisFactory returns a Factory backed by the given redis client.
func NewRedisFactory(client *redis.Client) *RedisFactory {
	return &RedisFactory{client: client}
}

// NamedQueue implements Factory.
func (f *RedisFactory) NamedQueue(name string) NamedQueue {
	return &redisNamedQueue{client: f.client, name: name}
}

// PriorityQueue implements Factory.
func (f *RedisFactory) PriorityQueue(name string) PriorityQueue {
	return &redisPriorityQueue{client: f.client, name: name}
}

// MultiQueue implements Factory.
func (f *RedisFactory) MultiQueue() MultiQueue {
	return &redisMultiQueue{client: f.client}
}

// Hash implements Factory.
func (f *RedisFactory) Hash(name string) Hash {
	return &redisHash{client: f.client, name: name}
}

// redisNamedQueue implements NamedQueue on a redis list.
type redisNamedQueue struct {
	client *redis.Client
	name   string
}

// Push implements NamedQueue.
func (q *redisNamedQueue) Push(ctx context.Context, data []byte) error {
	err := withRetry(ctx, func() error {
		return q.client.LPush(ctx, q.name, data).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "pushing to %s", q.name)
	}
	return nil
}

// Pop implements NamedQueue.
func (q *redisNamedQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "popping from %s", q.name)
	}
	// BRPOP returns [key, value].
	return []byte(res[1]), nil
}

// PopNow implements NamedQueue.
func (q *redisNamedQueue) PopNow(ctx context.Context) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func() error {
		var err error
		data, err = q.client.RPop(ctx, q.name).Bytes()
		return err
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "popping from %s", q.name)
	}
	return data, nil
}

// Length implements NamedQueue.
func (q *redisNamedQueue) Length(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		var err error
		n, err = q.client.LLen(ctx, q.name).Result()
		return err
	})
	if err != nil {
		return 0, skerr.Wrapf(err, "reading length of %s", q.name)
	}
	return n, nil
}

// redisPriorityQueue implements PriorityQueue on a redis sorted set. Members
// are scored with the negated priority so that BZPOPMIN yields the highest
// priority first, and prefixed with a monotonic sequence number so that equal
// priorities pop in insertion order.
type redisPriorityQueue struct {
	client *redis.Client
	name   string
}

// Push implements PriorityQueue.
func (q *redisPriorityQueue) Push(ctx context.Context, priority int, data []byte) error {
	seq, err := q.client.Incr(ctx, q.name+":seq").Result()
	if err != nil {
		return skerr.Wrapf(err, "allocating sequence number for %s", q.name)
	}
	member := fmt.Sprintf("%0*d|%s", priorityPadding, seq, data)
	err = withRetry(ctx, func() error {
		return q.client.ZAdd(ctx, q.name, redis.Z{
			Score:  float64(-priority),
			Member: member,
		}).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "pushing to %s", q.name)
	}
	return nil
}

// Pop implements PriorityQueue.
func (q *redisPriorityQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BZPopMin(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "popping from %s", q.name)
	}
	member, ok := res.Member.(string)
	if !ok {
		return nil, skerr.Fmt("unexpected member type %T in %s", res.Member, q.name)
	}
	if len(member) <= priorityPadding+1 {
		return nil, skerr.Fmt("malformed member %q in %s", member, q.name)
	}
	return []byte(member[priorityPadding+1:]), nil
}

// CountRange implements PriorityQueue.
func (q *redisPriorityQueue) CountRange(ctx context.Context, lo, hi int) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		var err error
		// Priorities are stored negated.
		n, err = q.client.ZCount(ctx, q.name,
			fmt.Sprintf("%d", -hi), fmt.Sprintf("%d", -lo)).Result()
		return err
	})
	if err != nil {
		return 0, skerr.Wrapf(err, "counting range of %s", q.name)
	}
	return n, nil
}

// Length implements PriorityQueue.
func (q *redisPriorityQueue) Length(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		var err error
		n, err = q.client.ZCard(ctx, q.name).Result()
		return err
	})
	if err != nil {
		return 0, skerr.Wrapf(err, "reading length of %s", q.name)
	}
	return n, nil
}

// redisMultiQueue implements MultiQueue; each sub-queue is its own redis list.
type redisMultiQueue struct {
	client *redis.Client
}

// Push implements MultiQueue.
func (q *redisMultiQueue) Push(ctx context.Context, name string, data []byte) error {
	err := withRetry(ctx, func() error {
		return q.client.LPush(ctx, multiQueuePrefix+name, data).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "pushing to sub-queue %s", name)
	}
	return nil
}

// PopNow implements MultiQueue.
func (q *redisMultiQueue) PopNow(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func() error {
		var err error
		data, err = q.client.RPop(ctx, multiQueuePrefix+name).Bytes()
		return err
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "popping from sub-queue %s", name)
	}
	return data, nil
}

// Delete implements MultiQueue.
func (q *redisMultiQueue) Delete(ctx context.Context, name string) error {
	err := withRetry(ctx, func() error {
		return q.client.Del(ctx, multiQueuePrefix+name).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "deleting sub-queue %s", name)
	}
	return nil
}

// Length implements MultiQueue.
func (q *redisMultiQueue) Length(ctx context.Context, name string) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		var err error
		n, err = q.client.LLen(ctx, multiQueuePrefix+name).Result()
		return err
	})
	if err != nil {
		return 0, skerr.Wrapf(err, "reading length of sub-queue %s", name)
	}
	return n, nil
}

// popScript atomically reads and deletes one field of a redis hash.
var popScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return v
`)

// redisHash implements Hash on a redis hash.
type redisHash struct {
	client *redis.Client
	name   string
}

// Set implements Hash.
func (h *redisHash) Set(ctx context.Context, key string, data []byte) error {
	err := withRetry(ctx, func() error {
		return h.client.HSet(ctx, h.name, key, data).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "setting %s in %s", key, h.name)
	}
	return nil
}

// SetNX implements Hash.
func (h *redisHash) SetNX(ctx context.Context, key string, data []byte) (bool, error) {
	var set bool
	err := withRetry(ctx, func() error {
		var err error
		set, err = h.client.HSetNX(ctx, h.name, key, data).Result()
		return err
	})
	if err != nil {
		return false, skerr.Wrapf(err, "setting %s in %s", key, h.name)
	}
	return set, nil
}

// Get implements Hash.
func (h *redisHash) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, func() error {
		var err error
		data, err = h.client.HGet(ctx, h.name, key).Bytes()
		return err
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "getting %s from %s", key, h.name)
	}
	return data, nil
}

// Pop implements Hash.
func (h *redisHash) Pop(ctx context.Context, key string) ([]byte, error) {
	var res interface{}
	err := withRetry(ctx, func() error {
		var err error
		res, err = popScript.Run(ctx, h.client, []string{h.name}, key).Result()
		return err
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "popping %s from %s", key, h.name)
	}
	s, ok := res.(string)
	if !ok {
		return nil, skerr.Fmt("unexpected value type %T for %s in %s", res, key, h.name)
	}
	return []byte(s), nil
}

// Exists implements Hash.
func (h *redisHash) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := withRetry(ctx, func() error {
		var err error
		exists, err = h.client.HExists(ctx, h.name, key).Result()
		return err
	})
	if err != nil {
		return false, skerr.Wrapf(err, "checking %s in %s", key, h.name)
	}
	return exists, nil
}

// Keys implements Hash.
func (h *redisHash) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := withRetry(ctx, func() error {
		var err error
		keys, err = h.client.HKeys(ctx, h.name).Result()
		return err
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "listing keys of %s", h.name)
	}
	return keys, nil
}

// Delete implements Hash.
func (h *redisHash) Delete(ctx context.Context, key string) error {
	err := withRetry(ctx, func() error {
		return h.client.HDel(ctx, h.name, key).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "deleting %s from %s", key, h.name)
	}
	return nil
}

// DeleteAll implements Hash.
func (h *redisHash) DeleteAll(ctx context.Context) error {
	err := withRetry(ctx, func() error {
		return h.client.Del(ctx, h.name).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "deleting %s", h.name)
	}
	return nil
}

// Assert that the redis types implement the interfaces.
var _ Factory = (*RedisFactory)(nil)
var _ NamedQueue = (*redisNamedQueue)(nil)
var _ PriorityQueue = (*redisPriorityQueue)(nil)
var _ MultiQueue = (*redisMultiQueue)(nil)
var _ Hash = (*redisHash)(nil)
