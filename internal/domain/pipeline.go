package domain

import (
	"context"
	"time"
)

// Stage names one step of the processing pipeline, in execution order.
type Stage string

const (
	StageSecurity      Stage = "security"
	StageContext       Stage = "context"
	StageRouting       Stage = "routing"
	StageOrchestration Stage = "orchestration"
	StageResponse      Stage = "response"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageSecurity, StageContext, StageRouting, StageOrchestration, StageResponse}

// PipelineMetrics is the per-request timing breakdown. Created fresh per
// request; kept in a bounded rolling history for aggregate reporting.
type PipelineMetrics struct {
	RequestID      string
	StartedAt      time.Time
	StageDurations map[Stage]time.Duration
	Total          time.Duration
	Overhead       time.Duration // total minus the sum of stage durations
	Errors         []string
}

// ProcessingResult is what the pipeline returns for one inbound request.
// The pipeline never raises to the caller; failures are reported here.
type ProcessingResult struct {
	Success      bool
	StageReached Stage
	Responses    []FormattedResponse
	Metrics      *PipelineMetrics
	Err          string
}

// ComponentStatus is one component's status snapshot, consumed by
// operational tooling.
type ComponentStatus map[string]any

// StatusReporter is implemented by every pipeline component.
type StatusReporter interface {
	Status() ComponentStatus
}

// Component is a pipeline stage with a shutdown hook, called after the
// in-flight registry drains.
type Component interface {
	StatusReporter
	Shutdown(ctx context.Context) error
}
