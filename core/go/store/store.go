// Package store defines the persistence layer of the core: submissions,
// analyzer results and errors, the file score cache, and the user and service
// registries. A redis-backed implementation is used in production and an
// in-memory implementation backs the tests.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/kryptoslogic/assemblyline-core/core/go/types"
)

// SubmissionStore persists submission records keyed by sid.
type SubmissionStore interface {
	// Save writes the submission, overwriting any previous record.
	Save(ctx context.Context, sub *types.Submission) error

	// Get returns the submission with the given sid, or nil if absent.
	Get(ctx context.Context, sid string) (*types.Submission, error)
}

// ResultStore persists analyzer results keyed by result key.
type ResultStore interface {
	Save(ctx context.Context, key string, result *types.Result) error

	// Get returns the result under key, or nil if absent.
	Get(ctx context.Context, key string) (*types.Result, error)
}

// ErrorStore persists analyzer errors. Saving a timeout or crash error also
// bumps the failure counter for its (sid, file, service) triple so the
// dispatcher can enforce retry limits.
type ErrorStore interface {
	Save(ctx context.Context, key string, aerr *types.Error) error

	// Get returns the error under key, or nil if absent.
	Get(ctx context.Context, key string) (*types.Error, error)

	// CountFailures returns how many timeout or crash errors have been saved
	// for the (sid, fileHash, service) triple.
	CountFailures(ctx context.Context, sid, fileHash, service string) (int, error)
}

// FileScoreStore is the persistent tier of the scan result cache, keyed by
// scan key.
type FileScoreStore interface {
	Save(ctx context.Context, scanKey string, entry *types.FileScoreEntry) error

	// Get returns the entry for the scan key, or nil if absent.
	Get(ctx context.Context, scanKey string) (*types.FileScoreEntry, error)

	// Delete removes the entry for the scan key. Deleting an absent entry is
	// not an error.
	Delete(ctx context.Context, scanKey string) error
}

// UserStore is the registry of submitters.
type UserStore interface {
	Save(ctx context.Context, user *types.User) error

	// Get returns the user with the given name, or nil if absent.
	Get(ctx context.Context, name string) (*types.User, error)
}

// ServiceStore is the registry of analyzer services.
type ServiceStore interface {
	Save(ctx context.Context, service *types.Service) error

	// Get returns the service with the given name, or nil if absent.
	Get(ctx context.Context, name string) (*types.Service, error)

	// List returns all registered services.
	List(ctx context.Context) ([]*types.Service, error)
}

// Datastore bundles the individual stores behind one connection.
type Datastore interface {
	Submissions() SubmissionStore
	Results() ResultStore
	Errors() ErrorStore
	FileScores() FileScoreStore
	Users() UserStore
	Services() ServiceStore
}

// TerminalErrorKey returns the deterministic key for the terminal error of a
// (file, service) pair. Deterministic so that repeated terminal failures of
// the same pair collapse into one record.
func TerminalErrorKey(fileHash, service string) string {
	return fileHash + "." + service + ".terminal"
}

// NewErrorKey returns a fresh unique key for a non-terminal error record.
func NewErrorKey(fileHash, service string) string {
	return fileHash + "." + service + "." + uuid.NewString()
}

// failureField is the failure counter field for a (sid, file, service)
// triple.
func failureField(sid, fileHash, service string) string {
	return sid + "|" + fileHash + "|" + service
}
