// Package config holds the runtime configuration shared by the core
// binaries. Configs are written as JSON5 so they can carry comments.
package config

import (
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/flynn/json5"

	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/util"
)

// Duration wraps time.Duration so configs can supply durations as human
// readable strings (e.g. "3m").
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return skerr.Wrap(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return skerr.Wrapf(err, "parsing duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ScoreThreshold maps a minimum previous score to the priority band a
// resubmitted request should land in. Thresholds are checked in order, so
// they must be listed highest score first.
type ScoreThreshold struct {
	Level string  `json:"level"`
	Score float64 `json:"score"`
}

// PriorityRange names the band a raw priority value falls in, used to pick
// the sampling threshold that applies to a queued task.
type PriorityRange struct {
	Level string `json:"level"`
	Lo    int    `json:"lo"`
	Hi    int    `json:"hi"`
}

// Ingester configures queue admission, caching and retry behavior.
type Ingester struct {
	// MaxQueueLength caps the unique queue: tasks arriving while the backlog
	// is at or above it are shed outright, before any per-band sampling.
	// Zero disables the cap.
	MaxQueueLength int64 `json:"max_queue_length" optional:"true"`

	// SamplingAt maps a priority band to the queue depth at which tasks in
	// that band become eligible for sampling.
	SamplingAt map[string]int64 `json:"sampling_at"`

	// Cache windows for successful submissions.
	ExpireAfter Duration `json:"expire_after"`
	StaleAfter  Duration `json:"stale_after"`

	// Cache windows applied instead when the cached submission had errors.
	IncompleteExpireAfter Duration `json:"incomplete_expire_after"`
	IncompleteStaleAfter  Duration `json:"incomplete_stale_after"`

	// LocalCacheTTL bounds the in-process tier of the score cache.
	LocalCacheTTL Duration `json:"local_cache_ttl"`

	// WhitelistSize bounds the in-process cache of whitelist verdicts.
	WhitelistSize int `json:"whitelist_size"`

	MaxRetries int      `json:"max_retries"`
	RetryDelay Duration `json:"retry_delay"`

	// MaxTime is how long a submission may stay in flight before it is
	// abandoned and reported back as timed out.
	MaxTime Duration `json:"max_time"`

	// MaxFileSize is the largest file accepted for ingestion, in bytes.
	MaxFileSize int64 `json:"max_file_size"`

	// MaxMetadataLength is the longest accepted metadata value.
	MaxMetadataLength int `json:"max_metadata_length"`

	IngestThreads int `json:"ingest_threads"`
	SubmitThreads int `json:"submit_threads"`
}

// Submission configures the default submission parameters.
type Submission struct {
	// DefaultServices is the selection used when a request names none.
	DefaultServices []string `json:"default_services"`

	// DefaultResubmitServices is added to the selection on stochastic
	// resubmission.
	DefaultResubmitServices []string `json:"default_resubmit_services" optional:"true"`

	DefaultMaxExtracted int `json:"default_max_extracted"`
	MaxExtractionDepth  int `json:"max_extraction_depth"`
}

// Dispatcher configures task dispatch and the retry limits on failing
// services.
type Dispatcher struct {
	// DefaultTimeout applies to services that do not declare their own.
	DefaultTimeout Duration `json:"default_timeout"`

	// DefaultFailureLimit is how many timeouts or crashes a (file, service)
	// pair tolerates before a terminal error is recorded for it.
	DefaultFailureLimit int `json:"default_failure_limit"`

	FileThreads       int `json:"file_threads"`
	SubmissionThreads int `json:"submission_threads"`
}

// Watcher configures the timeout watcher.
type Watcher struct {
	// Tick is how often the watcher scans for due entries.
	Tick Duration `json:"tick"`
}

// Alerting configures alert generation on completed submissions.
type Alerting struct {
	// Threshold is the minimum score at which an alert is generated for
	// submissions that asked for one.
	Threshold float64 `json:"threshold"`
}

// Config is the complete runtime configuration of the core.
type Config struct {
	// RedisAddress is the host:port of the redis instance backing the queues
	// and the datastore.
	RedisAddress string `json:"redis_address"`

	// PriorityValues maps a band name to the priority assigned to tasks in
	// that band.
	PriorityValues map[string]int `json:"priority_values"`

	// PriorityRanges classifies raw priority values into bands.
	PriorityRanges []PriorityRange `json:"priority_ranges"`

	// ScoreThresholds picks a priority band from a previous score, highest
	// score first.
	ScoreThresholds []ScoreThreshold `json:"score_thresholds"`

	Ingester   Ingester   `json:"ingester"`
	Submission Submission `json:"submission"`
	Dispatcher Dispatcher `json:"dispatcher"`
	Watcher    Watcher    `json:"watcher"`
	Alerting   Alerting   `json:"alerting"`
}

// Default returns the configuration used when the config file leaves a value
// unset.
func Default() *Config {
	return &Config{
		RedisAddress: "localhost:6379",
		PriorityValues: map[string]int{
			"low":      100,
			"medium":   200,
			"high":     300,
			"critical": 400,
			"user":     500,
		},
		PriorityRanges: []PriorityRange{
			{Level: "low", Lo: 1, Hi: 100},
			{Level: "medium", Lo: 101, Hi: 200},
			{Level: "high", Lo: 201, Hi: 300},
			{Level: "critical", Lo: 301, Hi: 400},
			{Level: "user", Lo: 401, Hi: 500},
		},
		ScoreThresholds: []ScoreThreshold{
			{Level: "critical", Score: 500},
			{Level: "high", Score: 100},
		},
		Ingester: Ingester{
			MaxQueueLength: 100000,
			SamplingAt: map[string]int64{
				"low":      10000000,
				"medium":   2000000,
				"high":     1000000,
				"critical": 500000,
			},
			ExpireAfter:           Duration{15 * 24 * time.Hour},
			StaleAfter:            Duration{24 * time.Hour},
			IncompleteExpireAfter: Duration{time.Hour},
			IncompleteStaleAfter:  Duration{30 * time.Minute},
			LocalCacheTTL:         Duration{5 * time.Minute},
			WhitelistSize:         10000,
			MaxRetries:            10,
			RetryDelay:            Duration{180 * time.Second},
			MaxTime:               Duration{2 * 24 * time.Hour},
			MaxFileSize:           100 * 1024 * 1024,
			MaxMetadataLength:     4096,
			IngestThreads:         1,
			SubmitThreads:         1,
		},
		Submission: Submission{
			DefaultServices:     []string{},
			DefaultMaxExtracted: 100,
			MaxExtractionDepth:  6,
		},
		Dispatcher: Dispatcher{
			DefaultTimeout:      Duration{60 * time.Second},
			DefaultFailureLimit: 3,
			FileThreads:         1,
			SubmissionThreads:   1,
		},
		Watcher: Watcher{
			Tick: Duration{500 * time.Millisecond},
		},
		Alerting: Alerting{
			Threshold: 500,
		},
	}
}

// LoadFromJSON5 returns the default configuration overlaid with the contents
// of the given JSON5 file. The resulting config is validated; an error is
// returned if any non-struct, non-bool field ends up with its zero value
// *unless* it is tagged with `optional:"true"`.
func LoadFromJSON5(path string) (*Config, error) {
	cfg := Default()
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json5.NewDecoder(r).Decode(cfg)
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "reading config at %s", path)
	}
	if err := checkRequired(reflect.Indirect(reflect.ValueOf(cfg))); err != nil {
		return nil, skerr.Wrapf(err, "validating config at %s", path)
	}
	return cfg, nil
}

// checkRequired returns an error if any non-struct, non-bool fields of the
// given value have a zero value *unless* they have an optional tag with value
// true.
func checkRequired(rValue reflect.Value) error {
	rType := rValue.Type()
	for i := 0; i < rValue.NumField(); i++ {
		field := rType.Field(i)
		if field.Tag.Get("optional") == "true" {
			continue
		}
		if field.Type == reflect.TypeOf(Duration{}) {
			if rValue.Field(i).Interface().(Duration).Duration == 0 {
				return skerr.Fmt("Required %s to be non-zero", field.Name)
			}
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			if err := checkRequired(rValue.Field(i)); err != nil {
				return err
			}
			continue
		}
		if field.Type.Kind() == reflect.Bool {
			// Booleans aren't compared against their zero value, since that
			// would effectively require them to always be true.
			continue
		}
		if field.Tag.Get("json") == "" {
			continue
		}
		if rValue.Field(i).IsZero() {
			return skerr.Fmt("Required %s to be non-zero", field.Name)
		}
	}
	return nil
}

// PriorityLevel returns the band name for a raw priority value, or "" if the
// value falls outside every configured range.
func (c *Config) PriorityLevel(priority int) string {
	for _, rng := range c.PriorityRanges {
		if priority >= rng.Lo && priority <= rng.Hi {
			return rng.Level
		}
	}
	return ""
}

// PriorityRangeFor returns the bounds of the band a raw priority value falls
// in. ok is false if the value falls outside every configured range.
func (c *Config) PriorityRangeFor(priority int) (lo, hi int, level string, ok bool) {
	for _, rng := range c.PriorityRanges {
		if priority >= rng.Lo && priority <= rng.Hi {
			return rng.Lo, rng.Hi, rng.Level, true
		}
	}
	return 0, 0, "", false
}
