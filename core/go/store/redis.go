package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
)

// Redis key for each collection.
const (
	keySubmissions = "ds-submissions"
	keyResults     = "ds-results"
	keyErrors      = "ds-errors"
	keyErrorCounts = "ds-error-counts"
	keyFileScores  = "ds-filescores"
	keyUsers       = "ds-users"
	keyServices    = "ds-services"
)

// RedisDatastore implements Datastore on redis hashes, one hash per
// collection, JSON-encoded values.
type RedisDatastore struct {
	client *redis.Client
}

// NewRedisDatastore returns a Datastore backed by the given redis client.
func NewRedisDatastore(client *redis.Client) *RedisDatastore {
	return &RedisDatastore{client: client}
}

// Submissions implements Datastore.
func (d *RedisDatastore) Submissions() SubmissionStore {
	return &redisSubmissionStore{d}
}

// Results implements Datastore.
func (d *RedisDatastore) Results() ResultStore {
	return &redisResultStore{d}
}

// Errors implements Datastore.
func (d *RedisDatastore) Errors() ErrorStore {
	return &redisErrorStore{d}
}

// FileScores implements Datastore.
func (d *RedisDatastore) FileScores() FileScoreStore {
	return &redisFileScoreStore{d}
}

// Users implements Datastore.
func (d *RedisDatastore) Users() UserStore {
	return &redisUserStore{d}
}

// Services implements Datastore.
func (d *RedisDatastore) Services() ServiceStore {
	return &redisServiceStore{d}
}

// retry runs fn with retries on transient redis errors.
func (d *RedisDatastore) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || err == redis.Nil || err == context.Canceled || err == context.DeadlineExceeded {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// setJSON writes one JSON-encoded field of a collection hash.
func (d *RedisDatastore) setJSON(ctx context.Context, collection, field string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return skerr.Wrapf(err, "encoding %s in %s", field, collection)
	}
	err = d.retry(ctx, func() error {
		return d.client.HSet(ctx, collection, field, data).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "writing %s in %s", field, collection)
	}
	return nil
}

// getJSON reads one JSON-encoded field of a collection hash into dest.
// Returns false with no error if the field is absent.
func (d *RedisDatastore) getJSON(ctx context.Context, collection, field string, dest interface{}) (bool, error) {
	var data []byte
	err := d.retry(ctx, func() error {
		var err error
		data, err = d.client.HGet(ctx, collection, field).Bytes()
		return err
	})
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrapf(err, "reading %s in %s", field, collection)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, skerr.Wrapf(err, "decoding %s in %s", field, collection)
	}
	return true, nil
}

type redisSubmissionStore struct {
	*RedisDatastore
}

// Save implements SubmissionStore.
func (s *redisSubmissionStore) Save(ctx context.Context, sub *types.Submission) error {
	return s.setJSON(ctx, keySubmissions, sub.SID, sub)
}

// Get implements SubmissionStore.
func (s *redisSubmissionStore) Get(ctx context.Context, sid string) (*types.Submission, error) {
	sub := new(types.Submission)
	ok, err := s.getJSON(ctx, keySubmissions, sid, sub)
	if err != nil || !ok {
		return nil, err
	}
	return sub, nil
}

type redisResultStore struct {
	*RedisDatastore
}

// Save implements ResultStore.
func (s *redisResultStore) Save(ctx context.Context, key string, result *types.Result) error {
	return s.setJSON(ctx, keyResults, key, result)
}

// Get implements ResultStore.
func (s *redisResultStore) Get(ctx context.Context, key string) (*types.Result, error) {
	result := new(types.Result)
	ok, err := s.getJSON(ctx, keyResults, key, result)
	if err != nil || !ok {
		return nil, err
	}
	return result, nil
}

type redisErrorStore struct {
	*RedisDatastore
}

// Save implements ErrorStore.
func (s *redisErrorStore) Save(ctx context.Context, key string, aerr *types.Error) error {
	if err := s.setJSON(ctx, keyErrors, key, aerr); err != nil {
		return err
	}
	if aerr.Category == types.ErrorCategoryTimeout || aerr.Category == types.ErrorCategoryCrash {
		field := failureField(aerr.SID, aerr.SHA256, aerr.ServiceName)
		err := s.retry(ctx, func() error {
			return s.client.HIncrBy(ctx, keyErrorCounts, field, 1).Err()
		})
		if err != nil {
			return skerr.Wrapf(err, "bumping failure count %s", field)
		}
	}
	return nil
}

// Get implements ErrorStore.
func (s *redisErrorStore) Get(ctx context.Context, key string) (*types.Error, error) {
	aerr := new(types.Error)
	ok, err := s.getJSON(ctx, keyErrors, key, aerr)
	if err != nil || !ok {
		return nil, err
	}
	return aerr, nil
}

// CountFailures implements ErrorStore.
func (s *redisErrorStore) CountFailures(ctx context.Context, sid, fileHash, service string) (int, error) {
	field := failureField(sid, fileHash, service)
	var raw string
	err := s.retry(ctx, func() error {
		var err error
		raw, err = s.client.HGet(ctx, keyErrorCounts, field).Result()
		return err
	})
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, skerr.Wrapf(err, "reading failure count %s", field)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, skerr.Wrapf(err, "parsing failure count %s", field)
	}
	return n, nil
}

type redisFileScoreStore struct {
	*RedisDatastore
}

// Save implements FileScoreStore.
func (s *redisFileScoreStore) Save(ctx context.Context, scanKey string, entry *types.FileScoreEntry) error {
	return s.setJSON(ctx, keyFileScores, scanKey, entry)
}

// Get implements FileScoreStore.
func (s *redisFileScoreStore) Get(ctx context.Context, scanKey string) (*types.FileScoreEntry, error) {
	entry := new(types.FileScoreEntry)
	ok, err := s.getJSON(ctx, keyFileScores, scanKey, entry)
	if err != nil || !ok {
		return nil, err
	}
	return entry, nil
}

// Delete implements FileScoreStore.
func (s *redisFileScoreStore) Delete(ctx context.Context, scanKey string) error {
	err := s.retry(ctx, func() error {
		return s.client.HDel(ctx, keyFileScores, scanKey).Err()
	})
	if err != nil {
		return skerr.Wrapf(err, "deleting file score %s", scanKey)
	}
	return nil
}

type redisUserStore struct {
	*RedisDatastore
}

// Save implements UserStore.
func (s *redisUserStore) Save(ctx context.Context, user *types.User) error {
	return s.setJSON(ctx, keyUsers, user.Name, user)
}

// Get implements UserStore.
func (s *redisUserStore) Get(ctx context.Context, name string) (*types.User, error) {
	user := new(types.User)
	ok, err := s.getJSON(ctx, keyUsers, name, user)
	if err != nil || !ok {
		return nil, err
	}
	return user, nil
}

type redisServiceStore struct {
	*RedisDatastore
}

// Save implements ServiceStore.
func (s *redisServiceStore) Save(ctx context.Context, service *types.Service) error {
	return s.setJSON(ctx, keyServices, service.Name, service)
}

// Get implements ServiceStore.
func (s *redisServiceStore) Get(ctx context.Context, name string) (*types.Service, error) {
	service := new(types.Service)
	ok, err := s.getJSON(ctx, keyServices, name, service)
	if err != nil || !ok {
		return nil, err
	}
	return service, nil
}

// List implements ServiceStore.
func (s *redisServiceStore) List(ctx context.Context) ([]*types.Service, error) {
	var raw map[string]string
	err := s.retry(ctx, func() error {
		var err error
		raw, err = s.client.HGetAll(ctx, keyServices).Result()
		return err
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	services := make([]*types.Service, 0, len(raw))
	for name, data := range raw {
		service := new(types.Service)
		if err := json.Unmarshal([]byte(data), service); err != nil {
			return nil, skerr.Wrapf(err, "decoding service %s", name)
		}
		services = append(services, service)
	}
	return services, nil
}

var _ Datastore = (*RedisDatastore)(nil)
