// Package dispatcher implements task dispatch: walking each file of a
// submission through its service schedule, collecting results and errors, and
// detecting submission completion. State lives in a per-submission hash so a
// restarted dispatcher picks up where the last one stopped.
package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
)

// Field prefixes inside a dispatch hash.
const (
	fieldFilePrefix     = "file:"
	fieldDispatchPrefix = "d:"
	fieldFinishPrefix   = "f:"
	fieldErrorPrefix    = "e:"
	fieldCompleted      = "completed"
)

// FinishRecord is the terminal state of one (file, service) pair.
type FinishRecord struct {
	// ResultKey locates the saved result, empty if the pair failed.
	ResultKey string `json:"result_key"`

	// ErrorKey locates the saved terminal error, empty if the pair
	// succeeded.
	ErrorKey string `json:"error_key"`

	// Drop is set when the result asks to skip all later stages for the
	// file.
	Drop bool `json:"drop"`

	// Skipped is set when the pair never ran because an earlier stage
	// dropped the file.
	Skipped bool `json:"skipped"`
}

// FileEntry is one file registered with a submission.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Type   string `json:"type"`
	Depth  int    `json:"depth"`
}

// DispatchHash is the persistent dispatch table of one submission.
type DispatchHash struct {
	h queue.Hash
}

// NewDispatchHash opens the dispatch table for a sid.
func NewDispatchHash(factory queue.Factory, sid string) *DispatchHash {
	return &DispatchHash{
		h: factory.Hash("dispatch-" + sid),
	}
}

// AddFile registers a file with the submission. Returns true if the file was
// not registered before.
func (d *DispatchHash) AddFile(ctx context.Context, sha256, fileType string, depth int) (bool, error) {
	data, err := json.Marshal(FileEntry{SHA256: sha256, Type: fileType, Depth: depth})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	added, err := d.h.SetNX(ctx, fieldFilePrefix+sha256, data)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return added, nil
}

// Files returns every file registered with the submission.
func (d *DispatchHash) Files(ctx context.Context) ([]FileEntry, error) {
	keys, err := d.h.Keys(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var files []FileEntry
	for _, key := range keys {
		if !strings.HasPrefix(key, fieldFilePrefix) {
			continue
		}
		data, err := d.h.Get(ctx, key)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if data == nil {
			continue
		}
		var entry FileEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, skerr.Wrapf(err, "decoding file entry %s", key)
		}
		files = append(files, entry)
	}
	return files, nil
}

// FileCount returns how many files are registered with the submission.
func (d *DispatchHash) FileCount(ctx context.Context) (int, error) {
	keys, err := d.h.Keys(ctx)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	n := 0
	for _, key := range keys {
		if strings.HasPrefix(key, fieldFilePrefix) {
			n++
		}
	}
	return n, nil
}

// MarkDispatched records that a task for the (file, service) pair was put on
// the service queue at ts.
func (d *DispatchHash) MarkDispatched(ctx context.Context, sha256, service string, ts time.Time) error {
	value := strconv.FormatInt(ts.UnixNano(), 10)
	if err := d.h.Set(ctx, fieldDispatchPrefix+sha256+":"+service, []byte(value)); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// Dispatched returns when a task for the (file, service) pair was last put on
// the service queue. ok is false if no task is outstanding.
func (d *DispatchHash) Dispatched(ctx context.Context, sha256, service string) (time.Time, bool, error) {
	data, err := d.h.Get(ctx, fieldDispatchPrefix+sha256+":"+service)
	if err != nil {
		return time.Time{}, false, skerr.Wrap(err)
	}
	if data == nil {
		return time.Time{}, false, nil
	}
	nanos, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, false, skerr.Wrapf(err, "parsing dispatch time for %s:%s", sha256, service)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// ClearDispatched removes the outstanding-task marker of the (file, service)
// pair.
func (d *DispatchHash) ClearDispatched(ctx context.Context, sha256, service string) error {
	if err := d.h.Delete(ctx, fieldDispatchPrefix+sha256+":"+service); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// MarkFinished records the terminal state of the (file, service) pair and
// clears its outstanding-task marker.
func (d *DispatchHash) MarkFinished(ctx context.Context, sha256, service string, rec *FinishRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := d.h.Set(ctx, fieldFinishPrefix+sha256+":"+service, data); err != nil {
		return skerr.Wrap(err)
	}
	return d.ClearDispatched(ctx, sha256, service)
}

// Finished returns the terminal state of the (file, service) pair, or nil if
// the pair has not finished.
func (d *DispatchHash) Finished(ctx context.Context, sha256, service string) (*FinishRecord, error) {
	data, err := d.h.Get(ctx, fieldFinishPrefix+sha256+":"+service)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if data == nil {
		return nil, nil
	}
	rec := new(FinishRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, skerr.Wrapf(err, "decoding finish record for %s:%s", sha256, service)
	}
	return rec, nil
}

// AddError attaches a standalone error key to the submission, for errors that
// belong to no (file, service) pair, like extraction limits.
func (d *DispatchHash) AddError(ctx context.Context, errorKey string) error {
	if err := d.h.Set(ctx, fieldErrorPrefix+uuid.NewString(), []byte(errorKey)); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// ErrorKeys returns the standalone error keys attached to the submission.
func (d *DispatchHash) ErrorKeys(ctx context.Context) ([]string, error) {
	keys, err := d.h.Keys(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var out []string
	for _, key := range keys {
		if !strings.HasPrefix(key, fieldErrorPrefix) {
			continue
		}
		data, err := d.h.Get(ctx, key)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if data != nil {
			out = append(out, string(data))
		}
	}
	return out, nil
}

// MarkComplete claims the right to announce the submission complete. Exactly
// one caller gets true.
func (d *DispatchHash) MarkComplete(ctx context.Context) (bool, error) {
	claimed, err := d.h.SetNX(ctx, fieldCompleted, []byte("1"))
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return claimed, nil
}

// Destroy discards the dispatch table.
func (d *DispatchHash) Destroy(ctx context.Context) error {
	return skerr.Wrap(d.h.DeleteAll(ctx))
}
