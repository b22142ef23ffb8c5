package domain

import (
	"context"
	"time"
)

// AgentStatus is the runtime state of one agent instance.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentOverloaded AgentStatus = "overloaded"
	AgentError      AgentStatus = "error"
)

// ExecStrategy is the execution shape the orchestrator actually runs.
type ExecStrategy string

const (
	ExecSingle     ExecStrategy = "single"
	ExecParallel   ExecStrategy = "parallel"
	ExecSequential ExecStrategy = "sequential"
	ExecPipeline   ExecStrategy = "pipeline"
	ExecAdaptive   ExecStrategy = "adaptive"
)

// AgentInstance is a named handle to one external agent plus its runtime
// state. Lives for the process lifetime; mutated only by the orchestrator.
type AgentInstance struct {
	ID              string
	Specialization  string // general | technical | creative | vision | code | analysis | summary | audio
	Status          AgentStatus
	CurrentTasks    int
	MaxConcurrent   int
	TotalTasks      int64
	TotalProcessing time.Duration
	ErrorCount      int64
	Performance     float64 // moving average, 0..1
	LastUsed        time.Time
}

// AgentResult is the aggregated outcome of one orchestration. Immutable once
// returned.
type AgentResult struct {
	Success       bool
	Primary       string
	Supplementary map[string]string // contributor agent id -> response
	ToolsUsed     []string
	AgentTimes    map[string]time.Duration
	Quality       float64
	Coherence     float64
	Completeness  float64
	Warnings      []string
	Errors        []string
	ToolOutputs   []ToolOutput
	FallbackUsed  bool
}

// ToolOutput is one artifact produced by a tool during orchestration, kept
// separate from the narrative response so the formatter can render it as a
// media attachment or structured block.
type ToolOutput struct {
	Tool    string
	Kind    string // text | image | file
	Content string
	URL     string
}

// InvokeRequest is one call to an external agent.
type InvokeRequest struct {
	Text      string
	SessionID string
	UserName  string
}

// InvokeResult is what an external agent returns.
type InvokeResult struct {
	Content     string
	ToolsUsed   []string
	ToolOutputs []ToolOutput
}

// AgentInvoker is the external agent subsystem: given a specialization and a
// request it produces a response, failing with an error rather than hanging.
type AgentInvoker interface {
	Invoke(ctx context.Context, specialization string, req InvokeRequest) (*InvokeResult, error)
}
