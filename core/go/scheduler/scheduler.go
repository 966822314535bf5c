// Package scheduler turns the service registry into per-file execution
// schedules: which services run on a file, grouped into stages that run one
// after the other.
package scheduler

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/util"
)

// Scheduler builds execution schedules from the service registry.
type Scheduler struct {
	services store.ServiceStore
	cfg      *config.Config
}

// New returns a Scheduler reading from the given registry.
func New(services store.ServiceStore, cfg *config.Config) *Scheduler {
	return &Scheduler{
		services: services,
		cfg:      cfg,
	}
}

// BuildSchedule returns the stages of services to run on a file of the given
// type, in stage order. Disabled services, services not in the selection and
// services whose accept pattern rejects the file type are skipped; empty
// stages are dropped. An empty selection means the configured default
// selection.
func (s *Scheduler) BuildSchedule(ctx context.Context, fileType string, selected []string) ([][]*types.Service, error) {
	if len(selected) == 0 {
		selected = s.cfg.Submission.DefaultServices
	}
	all, err := s.services.List(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	byStage := map[string][]*types.Service{}
	for _, service := range all {
		if !service.Enabled {
			continue
		}
		if !util.In(service.Name, selected) {
			continue
		}
		accepted, err := acceptsFileType(service, fileType)
		if err != nil {
			return nil, err
		}
		if !accepted {
			continue
		}
		byStage[service.Category] = append(byStage[service.Category], service)
	}
	var schedule [][]*types.Service
	for _, stage := range types.StageOrder {
		services := byStage[stage]
		if len(services) == 0 {
			continue
		}
		sort.Slice(services, func(i, j int) bool {
			return services[i].Name < services[j].Name
		})
		schedule = append(schedule, services)
	}
	return schedule, nil
}

// acceptsFileType reports whether the service runs on files of the given
// type. A service with no accept pattern runs on everything.
func acceptsFileType(service *types.Service, fileType string) (bool, error) {
	if service.Accepts == "" {
		return true, nil
	}
	matched, err := regexp.MatchString(service.Accepts, fileType)
	if err != nil {
		return false, skerr.Wrapf(err, "bad accept pattern for service %s", service.Name)
	}
	return matched, nil
}

// ExpandSelection returns the service names of the selection, with the
// default selection substituted for an empty one. The result is sorted.
func (s *Scheduler) ExpandSelection(selected []string) []string {
	if len(selected) == 0 {
		selected = s.cfg.Submission.DefaultServices
	}
	out := append([]string(nil), selected...)
	sort.Strings(out)
	return out
}

// ServiceConfig returns the deterministic configuration string for a service
// run, which participates in the result cache key. Two runs with the same
// config string on the same file are interchangeable.
func (s *Scheduler) ServiceConfig(service *types.Service, params *types.SubmissionParams) string {
	return params.Classification
}

// ServiceTimeout returns how long a dispatched task for the service may stay
// outstanding before re-dispatch.
func (s *Scheduler) ServiceTimeout(service *types.Service) time.Duration {
	if service.Timeout > 0 {
		return time.Duration(service.Timeout) * time.Second
	}
	return s.cfg.Dispatcher.DefaultTimeout.Duration
}

// ServiceFailureLimit returns how many timeouts or crashes a (file, service)
// pair tolerates before it is failed terminally.
func (s *Scheduler) ServiceFailureLimit(service *types.Service) int {
	if service.FailureLimit > 0 {
		return service.FailureLimit
	}
	return s.cfg.Dispatcher.DefaultFailureLimit
}

// Capabilities are the pluggable policy hooks of the ingester. Deployments
// replace individual hooks to customize admission without forking the ingest
// loops.
type Capabilities struct {
	// IsLowPriority reports whether a task should be assigned the low
	// priority band when the caller did not pick one.
	IsLowPriority func(task *types.IngestTask) bool

	// WhitelistVerdict returns a non-empty reason if the task's root file is
	// whitelisted and should skip analysis.
	WhitelistVerdict func(task *types.IngestTask) string

	// Scoring aggregates the per-service results of a submission into its
	// final score.
	Scoring func(results []*types.Result) float64

	// IsValidClassification reports whether a classification string is
	// accepted for ingestion.
	IsValidClassification func(classification string) bool
}

// DefaultCapabilities returns the stock policy: nothing is low priority,
// nothing is whitelisted, scores aggregate by maximum and any classification
// is accepted.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		IsLowPriority: func(task *types.IngestTask) bool {
			return false
		},
		WhitelistVerdict: func(task *types.IngestTask) string {
			return ""
		},
		Scoring:               MaxScore,
		IsValidClassification: func(classification string) bool { return true },
	}
}

// MaxScore aggregates results by taking the maximum score.
func MaxScore(results []*types.Result) float64 {
	var max float64
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	return max
}
