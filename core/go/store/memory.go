package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kryptoslogic/assemblyline-core/core/go/types"
)

// MemoryDatastore implements Datastore with mutex-guarded maps, for tests and
// single process runs.
type MemoryDatastore struct {
	mtx           sync.Mutex
	submissions   map[string]types.Submission
	results       map[string]types.Result
	errors        map[string]types.Error
	failureCounts map[string]int
	fileScores    map[string]types.FileScoreEntry
	users         map[string]types.User
	services      map[string]types.Service
}

// NewMemoryDatastore returns an empty MemoryDatastore.
func NewMemoryDatastore() *MemoryDatastore {
	return &MemoryDatastore{
		submissions:   map[string]types.Submission{},
		results:       map[string]types.Result{},
		errors:        map[string]types.Error{},
		failureCounts: map[string]int{},
		fileScores:    map[string]types.FileScoreEntry{},
		users:         map[string]types.User{},
		services:      map[string]types.Service{},
	}
}

// Submissions implements Datastore.
func (d *MemoryDatastore) Submissions() SubmissionStore {
	return &memSubmissionStore{d}
}

// Results implements Datastore.
func (d *MemoryDatastore) Results() ResultStore {
	return &memResultStore{d}
}

// Errors implements Datastore.
func (d *MemoryDatastore) Errors() ErrorStore {
	return &memErrorStore{d}
}

// FileScores implements Datastore.
func (d *MemoryDatastore) FileScores() FileScoreStore {
	return &memFileScoreStore{d}
}

// Users implements Datastore.
func (d *MemoryDatastore) Users() UserStore {
	return &memUserStore{d}
}

// Services implements Datastore.
func (d *MemoryDatastore) Services() ServiceStore {
	return &memServiceStore{d}
}

type memSubmissionStore struct {
	*MemoryDatastore
}

// Save implements SubmissionStore.
func (s *memSubmissionStore) Save(ctx context.Context, sub *types.Submission) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.submissions[sub.SID] = *sub
	return nil
}

// Get implements SubmissionStore.
func (s *memSubmissionStore) Get(ctx context.Context, sid string) (*types.Submission, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	sub, ok := s.submissions[sid]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

type memResultStore struct {
	*MemoryDatastore
}

// Save implements ResultStore.
func (s *memResultStore) Save(ctx context.Context, key string, result *types.Result) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.results[key] = *result
	return nil
}

// Get implements ResultStore.
func (s *memResultStore) Get(ctx context.Context, key string) (*types.Result, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	result, ok := s.results[key]
	if !ok {
		return nil, nil
	}
	return &result, nil
}

type memErrorStore struct {
	*MemoryDatastore
}

// Save implements ErrorStore.
func (s *memErrorStore) Save(ctx context.Context, key string, aerr *types.Error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.errors[key] = *aerr
	if aerr.Category == types.ErrorCategoryTimeout || aerr.Category == types.ErrorCategoryCrash {
		s.failureCounts[failureField(aerr.SID, aerr.SHA256, aerr.ServiceName)]++
	}
	return nil
}

// Get implements ErrorStore.
func (s *memErrorStore) Get(ctx context.Context, key string) (*types.Error, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	aerr, ok := s.errors[key]
	if !ok {
		return nil, nil
	}
	return &aerr, nil
}

// CountFailures implements ErrorStore.
func (s *memErrorStore) CountFailures(ctx context.Context, sid, fileHash, service string) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.failureCounts[failureField(sid, fileHash, service)], nil
}

type memFileScoreStore struct {
	*MemoryDatastore
}

// Save implements FileScoreStore.
func (s *memFileScoreStore) Save(ctx context.Context, scanKey string, entry *types.FileScoreEntry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.fileScores[scanKey] = *entry
	return nil
}

// Get implements FileScoreStore.
func (s *memFileScoreStore) Get(ctx context.Context, scanKey string) (*types.FileScoreEntry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.fileScores[scanKey]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Delete implements FileScoreStore.
func (s *memFileScoreStore) Delete(ctx context.Context, scanKey string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.fileScores, scanKey)
	return nil
}

type memUserStore struct {
	*MemoryDatastore
}

// Save implements UserStore.
func (s *memUserStore) Save(ctx context.Context, user *types.User) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.users[user.Name] = *user
	return nil
}

// Get implements UserStore.
func (s *memUserStore) Get(ctx context.Context, name string) (*types.User, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	user, ok := s.users[name]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

type memServiceStore struct {
	*MemoryDatastore
}

// Save implements ServiceStore.
func (s *memServiceStore) Save(ctx context.Context, service *types.Service) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.services[service.Name] = *service
	return nil
}

// Get implements ServiceStore.
func (s *memServiceStore) Get(ctx context.Context, name string) (*types.Service, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	service, ok := s.services[name]
	if !ok {
		return nil, nil
	}
	return &service, nil
}

// List implements ServiceStore.
func (s *memServiceStore) List(ctx context.Context) ([]*types.Service, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	services := make([]*types.Service, 0, len(names))
	for _, name := range names {
		service := s.services[name]
		services = append(services, &service)
	}
	return services, nil
}

var _ Datastore = (*MemoryDatastore)(nil)
