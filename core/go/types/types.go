// Package types contains the shared data types for the ingest-and-dispatch
// core: submission requests, ingest tasks, submission records, dispatch
// messages, and analyzer results and errors.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Queue names shared between the core components. External processes push
// submission requests onto IngestQueue and analyzer workers consume the
// per-service queues.
const (
	IngestQueue     = "m-ingest"
	UniqueQueue     = "m-unique"
	CompleteQueue   = "m-complete"
	DropQueue       = "m-drop"
	RetryQueue      = "m-retry"
	AlertQueue      = "m-alert"
	FileDispatch    = "dispatch-file"
	SubmissionQueue = "submission"

	// ScanningTable is the persistent hash of submissions in progress,
	// keyed by scan key.
	ScanningTable = "m-scanning-table"

	// DupPrefix prefixes the name of the duplicate queue for a scan key.
	DupPrefix = "w-m-"

	// NotificationPrefix prefixes caller-provided notification queue names.
	NotificationPrefix = "nq-"
)

// ServiceQueue returns the name of the task queue for the given service.
func ServiceQueue(service string) string {
	return "service-queue-" + service
}

// NotificationQueue returns the full queue name for a caller-provided
// notification queue suffix.
func NotificationQueue(suffix string) string {
	return NotificationPrefix + suffix
}

// DuplicateQueue returns the name of the duplicate queue for a scan key.
func DuplicateQueue(scanKey string) string {
	return DupPrefix + scanKey
}

// Submission states.
const (
	StateSubmitted = "submitted"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Error categories reported by analyzer services.
const (
	ErrorCategoryTerminal = "terminal"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryCrash    = "crash"
)

// File identifies one file in a submission. Only identifiers are carried; the
// bytes live in an external filestore.
type File struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

// Notification describes where and when to notify the caller once a
// submission finishes.
type Notification struct {
	// Queue is the caller-provided queue name suffix. Empty means no
	// notification.
	Queue string `json:"queue"`

	// Threshold suppresses the notification when the submission score is
	// below it. Nil means always notify.
	Threshold *float64 `json:"threshold"`
}

// SubmissionParams are the caller-controlled knobs of a submission.
type SubmissionParams struct {
	// Selected is the list of services to run. Empty means the configured
	// default selection.
	Selected []string `json:"selected"`

	// ResubmitTo lists services to add on stochastic resubmission.
	ResubmitTo []string `json:"resubmit_to"`

	// Priority of the submission. Negative means "let the ingester decide".
	Priority int `json:"priority"`

	Classification string `json:"classification"`

	// PSID is the parent submission id for resubmissions.
	PSID string `json:"psid"`

	Submitter string   `json:"submitter"`
	Groups    []string `json:"groups"`

	Description string `json:"description"`

	MaxExtracted       int `json:"max_extracted"`
	MaxExtractionDepth int `json:"max_extraction_depth"`

	IgnoreCache   bool `json:"ignore_cache"`
	IgnoreSize    bool `json:"ignore_size"`
	NeverDrop     bool `json:"never_drop"`
	GenerateAlert bool `json:"generate_alert"`
}

// SubmissionRequest is the immutable snapshot of what a caller asked for.
type SubmissionRequest struct {
	Files        []File            `json:"files"`
	Params       SubmissionParams  `json:"params"`
	Metadata     map[string]string `json:"metadata"`
	Notification Notification      `json:"notification"`
}

// Root returns the root file of the request, or a zero File if the request
// carries no files.
func (r *SubmissionRequest) Root() File {
	if len(r.Files) == 0 {
		return File{}
	}
	return r.Files[0]
}

// IngestTask is the ingester's internal envelope around a submission request.
type IngestTask struct {
	Request SubmissionRequest `json:"request"`

	IngestTime time.Time `json:"ingest_time"`
	ScanKey    string    `json:"scan_key"`
	Retries    int       `json:"retries"`
	RetryAt    time.Time `json:"retry_at"`

	// Failure describes why the ingestion failed, if it did.
	Failure string `json:"failure"`

	// SID and PSID are filled in when the task is finalized.
	SID  string `json:"sid"`
	PSID string `json:"psid"`

	// Score from previous processing of this file. NaN when unknown; see
	// the Score type for the encoding.
	Score Score `json:"score"`
}

// NewIngestTask wraps a submission request for processing at the given time.
func NewIngestTask(req SubmissionRequest, ingestTime time.Time) *IngestTask {
	return &IngestTask{
		Request:    req,
		IngestTime: ingestTime,
		Score:      NaN,
	}
}

// Submission is the persisted record of one submission in flight or
// completed.
type Submission struct {
	SID      string            `json:"sid"`
	ScanKey  string            `json:"scan_key"`
	Files    []File            `json:"files"`
	Params   SubmissionParams  `json:"params"`
	Metadata map[string]string `json:"metadata"`
	State    string            `json:"state"`

	// Results and Errors are the accumulated result and error keys, filled
	// in when the submission completes.
	Errors  []string `json:"errors"`
	Results []string `json:"results"`

	MaxScore float64 `json:"max_score"`

	SubmitTime   time.Time `json:"submit_time"`
	CompleteTime time.Time `json:"complete_time"`
}

// FileScoreEntry is the persisted cache record for a scan key.
type FileScoreEntry struct {
	Score  float64   `json:"score"`
	SID    string    `json:"sid"`
	PSID   string    `json:"psid"`
	Errors int       `json:"errors"`
	Time   time.Time `json:"time"`
}

// FileTask asks the file dispatcher to (re)evaluate one file of a submission.
type FileTask struct {
	SID      string `json:"sid"`
	FileHash string `json:"file_hash"`
	FileType string `json:"file_type"`
	Depth    int    `json:"depth"`
}

// ServiceTask is one unit of work on a per-service queue.
type ServiceTask struct {
	SID           string `json:"sid"`
	FileHash      string `json:"file_hash"`
	FileType      string `json:"file_type"`
	Depth         int    `json:"depth"`
	ServiceName   string `json:"service_name"`
	ServiceConfig string `json:"service_config"`
}

// ExtractedFile describes a child file produced by an analyzer.
type ExtractedFile struct {
	SHA256         string `json:"sha256"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	Classification string `json:"classification"`
}

// Result is the payload recorded by an analyzer when it finishes a task.
type Result struct {
	SHA256         string          `json:"sha256"`
	ServiceName    string          `json:"service_name"`
	ServiceVersion string          `json:"service_version"`
	Score          float64         `json:"score"`
	DropFile       bool            `json:"drop_file"`
	Extracted      []ExtractedFile `json:"extracted"`
	Classification string          `json:"classification"`
}

// Error is the payload recorded by an analyzer (or the dispatcher on its
// behalf) when a task fails.
type Error struct {
	SHA256      string `json:"sha256"`
	SID         string `json:"sid"`
	ServiceName string `json:"service_name"`
	Category    string `json:"category"`
	Message     string `json:"message"`
}

// IsTerminal returns true for errors that end processing of the (file,
// service) pair.
func (e *Error) IsTerminal() bool {
	return e.Category == ErrorCategoryTerminal
}

// User is one entry of the user registry. Submissions are attributed to a
// user and inherit the user's groups when the request names none.
type User struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups"`

	// Classification is the highest classification the user may submit at.
	Classification string `json:"classification"`

	CanSubmit bool `json:"can_submit"`
}

// Service describes one entry of the analyzer service registry.
type Service struct {
	Name string `json:"name"`

	// Category determines the schedule stage: EXTRACT runs first, then
	// CORE, then POST.
	Category string `json:"category"`

	Enabled bool `json:"enabled"`

	// Accepts is a regular expression over file types; the service only runs
	// on files whose type matches. Empty accepts every type.
	Accepts string `json:"accepts"`

	// Timeout is how long a dispatched task may be outstanding before it is
	// eligible for re-dispatch, in seconds.
	Timeout int `json:"timeout"`

	// FailureLimit is how many timeout/crash errors are tolerated before the
	// service is treated as terminally failed for a file.
	FailureLimit int `json:"failure_limit"`
}

// Service categories, in schedule stage order.
const (
	CategoryExtract = "EXTRACT"
	CategoryCore    = "CORE"
	CategoryPost    = "POST"
)

// StageOrder lists the service categories in the order their stages run.
var StageOrder = []string{CategoryExtract, CategoryCore, CategoryPost}

// CompleteMessage reports a finished (or abandoned) submission back to the
// ingester.
type CompleteMessage struct {
	ScanKey    string            `json:"scan_key"`
	SID        string            `json:"sid"`
	PSID       string            `json:"psid"`
	Score      float64           `json:"score"`
	RootSHA256 string            `json:"root_sha256"`
	Size       int64             `json:"size"`
	ErrorCount int               `json:"error_count"`
	FileCount  int               `json:"file_count"`
	Metadata   map[string]string `json:"metadata"`

	// Failure marks the submission as abandoned (e.g. timed out) rather than
	// completed; no cache entry is written for abandoned submissions.
	Failure string `json:"failure"`
}

// ScanKey computes the deterministic fingerprint of a request: two requests
// with the same scan key are guaranteed to produce equivalent results. The
// key covers the root file hash, the selected services and every parameter
// that influences analyzer output.
func ScanKey(root File, params SubmissionParams) string {
	selected := append([]string(nil), params.Selected...)
	sort.Strings(selected)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d\x00", root.SHA256,
		strings.Join(selected, ","), params.Classification,
		params.MaxExtracted, params.MaxExtractionDepth)
	return "v0" + hex.EncodeToString(h.Sum(nil))
}

// ResultKey computes the content-addressed key for a (file, service, config)
// result.
func ResultKey(fileHash, service, serviceConfig string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", fileHash, service, serviceConfig)
	return fileHash[:minInt(8, len(fileHash))] + "." + service + "." + hex.EncodeToString(h.Sum(nil))[:16]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
