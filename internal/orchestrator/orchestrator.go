package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const (
	longTextThreshold    = 800
	deepHistoryThreshold = 20
	maxParallelExtras    = 2

	// Moving-average performance blend.
	perfKeep  = 0.8
	perfDecay = 0.9
)

// typeSpecialization maps a classified message type to the logical agent
// specialization that should lead.
var typeSpecialization = map[domain.MessageType]string{
	domain.TypePhoto:     "vision",
	domain.TypeVideo:     "vision",
	domain.TypeDocument:  "analysis",
	domain.TypeAudio:     "audio",
	domain.TypeVoice:     "audio",
	domain.TypeCode:      "code",
	domain.TypeTechnical: "technical",
	domain.TypeCreative:  "creative",
}

// pipelineChains are the fixed two-stage chains per media kind.
var pipelineChains = map[domain.MessageType][]string{
	domain.TypePhoto: {"vision", "summary"},
	domain.TypeVoice: {"audio", "summary"},
	domain.TypeVideo: {"vision", "summary"},
}

// parallelExtras lists the specialists added alongside a primary in parallel
// execution.
var parallelExtras = map[string][]string{
	"technical": {"analysis", "summary"},
	"code":      {"analysis", "summary"},
	"general":   {"analysis"},
	"creative":  {"general"},
}

// agentCall is the outcome of one agent invocation.
type agentCall struct {
	spec     string
	content  string
	tools    []string
	outputs  []domain.ToolOutput
	duration time.Duration
	err      error
}

// Orchestrator selects agent instances, chooses an execution strategy, runs
// agents under bounded concurrency, and aggregates their results. It never
// propagates errors: every failure surfaces as a fallback AgentResult.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	invoker domain.AgentInvoker
	logger  *slog.Logger

	sem chan struct{} // process-wide orchestration bound

	mu      sync.Mutex
	agents  map[string]*domain.AgentInstance
	cache   *routeCache
	active  int
	total   int64
	failed  int64
}

func New(cfg config.OrchestratorConfig, invoker domain.AgentInvoker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.RoutingCacheSize <= 0 {
		cfg.RoutingCacheSize = 500
	}
	return &Orchestrator{
		cfg:     cfg,
		invoker: invoker,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		agents:  make(map[string]*domain.AgentInstance),
		cache:   newRouteCache(cfg.RoutingCacheSize),
	}
}

// Orchestrate runs the agents for one classified message.
func (o *Orchestrator) Orchestrate(ctx context.Context, mc *domain.MessageContext, route *domain.RouteResult) (result *domain.AgentResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestration panicked, using fallback", "panic", r)
			result = fallbackResult(fmt.Sprintf("orchestration failure: %v", r))
			o.mu.Lock()
			o.failed++
			o.mu.Unlock()
		}
	}()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return fallbackResult("orchestration cancelled while waiting for a slot")
	}
	defer func() { <-o.sem }()

	o.mu.Lock()
	o.active++
	o.total++
	active := o.active
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active--
		if result != nil && !result.Success {
			o.failed++
		}
		o.mu.Unlock()
	}()

	strategy := determineStrategy(mc, route)
	specs := o.selectAgents(mc, route, strategy)

	o.logger.Debug("orchestrating",
		"strategy", strategy,
		"agents", specs,
		"type", route.Type,
	)

	var calls []agentCall
	switch strategy {
	case domain.ExecParallel:
		calls = o.runParallel(ctx, mc, specs)
	case domain.ExecSequential:
		calls = o.runSequential(ctx, mc, specs)
	case domain.ExecPipeline:
		calls = o.runPipeline(ctx, mc, specs)
	case domain.ExecAdaptive:
		// Under load adaptive degrades to a single call; otherwise it
		// behaves as parallel when multiple agents are selected.
		if o.cfg.AdaptiveEnabled && active < o.cfg.MaxConcurrent && len(specs) > 1 {
			calls = o.runParallel(ctx, mc, specs)
		} else {
			calls = o.runSingle(ctx, mc, specs[:1])
		}
	default:
		calls = o.runSingle(ctx, mc, specs[:1])
	}

	result = o.aggregate(calls)
	o.feedback(calls, result)

	if result.Success && len(calls) > 0 {
		o.cache.put(contentKey(mc, route), calls[0].spec)
	}
	return result
}

// determineStrategy is the deterministic, content-driven strategy decision
// list.
func determineStrategy(mc *domain.MessageContext, route *domain.RouteResult) domain.ExecStrategy {
	text := mc.Text
	lower := strings.ToLower(text)

	isTechnical := route.Type == domain.TypeTechnical || route.Type == domain.TypeCode
	comparative := strings.Contains(lower, "compare") || strings.Contains(lower, " vs ")

	switch {
	case isTechnical && (len(text) > longTextThreshold || comparative):
		return domain.ExecParallel
	case route.Type == domain.TypePhoto || route.Type == domain.TypeVideo:
		return domain.ExecPipeline
	case route.Type == domain.TypeCode && strings.Count(text, "```") >= 4:
		// Multiple fenced files get the staged analyze/summarize treatment.
		return domain.ExecSequential
	case route.Type == domain.TypeVoice:
		return domain.ExecPipeline
	case len(mc.History) > deepHistoryThreshold || mc.Workspace != nil:
		return domain.ExecAdaptive
	default:
		return domain.ExecSingle
	}
}

// selectAgents picks the primary specialization (using the routing cache for
// repeated message shapes) plus per-strategy secondaries.
func (o *Orchestrator) selectAgents(mc *domain.MessageContext, route *domain.RouteResult, strategy domain.ExecStrategy) []string {
	primary, ok := o.cache.get(contentKey(mc, route))
	if !ok {
		primary = typeSpecialization[route.Type]
		if primary == "" {
			primary = "general"
		}
	}

	switch strategy {
	case domain.ExecParallel, domain.ExecAdaptive:
		specs := []string{primary}
		extras := parallelExtras[primary]
		if extras == nil {
			extras = []string{"analysis"}
		}
		for _, e := range extras {
			if len(specs) >= 1+maxParallelExtras {
				break
			}
			if !containsStr(specs, e) {
				specs = append(specs, e)
			}
		}
		return specs
	case domain.ExecSequential:
		// Fixed analyze -> summarize chain after the primary.
		return []string{primary, "analysis", "summary"}
	case domain.ExecPipeline:
		if chain, ok := pipelineChains[route.Type]; ok {
			return chain
		}
		return []string{primary, "summary"}
	default:
		return []string{primary}
	}
}

func (o *Orchestrator) runSingle(ctx context.Context, mc *domain.MessageContext, specs []string) []agentCall {
	return []agentCall{o.invokeOne(ctx, specs[0], mc.Text, mc)}
}

// runParallel fans out to all selected agents and fans back in.
func (o *Orchestrator) runParallel(ctx context.Context, mc *domain.MessageContext, specs []string) []agentCall {
	calls := make([]agentCall, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(idx int, s string) {
			defer wg.Done()
			calls[idx] = o.invokeOne(ctx, s, mc.Text, mc)
		}(i, spec)
	}
	wg.Wait()
	return calls
}

// runSequential runs agents one at a time against the original task,
// tolerating individual failures.
func (o *Orchestrator) runSequential(ctx context.Context, mc *domain.MessageContext, specs []string) []agentCall {
	calls := make([]agentCall, 0, len(specs))
	for _, spec := range specs {
		calls = append(calls, o.invokeOne(ctx, spec, mc.Text, mc))
	}
	return calls
}

// runPipeline feeds each stage the previous stage's output appended to the
// original task.
func (o *Orchestrator) runPipeline(ctx context.Context, mc *domain.MessageContext, specs []string) []agentCall {
	calls := make([]agentCall, 0, len(specs))
	task := mc.Text
	for _, spec := range specs {
		call := o.invokeOne(ctx, spec, task, mc)
		calls = append(calls, call)
		if call.err == nil && call.content != "" {
			task = mc.Text + "\n\nPrevious stage output:\n" + call.content
		}
	}
	return calls
}

// invokeOne runs one agent call under the per-call deadline. A timeout is an
// agent failure, not a pipeline failure.
func (o *Orchestrator) invokeOne(ctx context.Context, spec, task string, mc *domain.MessageContext) agentCall {
	inst := o.instance(spec)

	o.mu.Lock()
	inst.CurrentTasks++
	inst.TotalTasks++
	if inst.CurrentTasks >= inst.MaxConcurrent {
		inst.Status = domain.AgentOverloaded
	} else {
		inst.Status = domain.AgentBusy
	}
	inst.LastUsed = time.Now()
	o.mu.Unlock()

	timeout := time.Duration(o.cfg.CallTimeoutSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := o.invoker.Invoke(callCtx, spec, domain.InvokeRequest{
		Text:      task,
		SessionID: mc.ChatID,
		UserName:  mc.UserID,
	})
	elapsed := time.Since(start)

	o.mu.Lock()
	inst.CurrentTasks--
	inst.TotalProcessing += elapsed
	if err != nil {
		inst.ErrorCount++
		inst.Status = domain.AgentError
	} else {
		inst.Status = domain.AgentIdle
	}
	o.mu.Unlock()

	call := agentCall{spec: spec, duration: elapsed}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			call.err = fmt.Errorf("agent %s timed out after %s", spec, timeout)
		} else {
			call.err = fmt.Errorf("agent %s: %w", spec, err)
		}
		return call
	}
	call.content = res.Content
	call.tools = res.ToolsUsed
	call.outputs = res.ToolOutputs
	return call
}

// aggregate folds all agent calls into one AgentResult. Success means at
// least one agent succeeded.
func (o *Orchestrator) aggregate(calls []agentCall) *domain.AgentResult {
	result := &domain.AgentResult{
		Supplementary: make(map[string]string),
		AgentTimes:    make(map[string]time.Duration),
	}

	var primaryParts []string
	for _, c := range calls {
		result.AgentTimes[c.spec] = c.duration
		if c.err != nil {
			result.Errors = append(result.Errors, c.err.Error())
			continue
		}
		result.Success = true
		if len(primaryParts) == 0 {
			result.Primary = c.content
			primaryParts = append(primaryParts, c.content)
		} else {
			result.Supplementary[c.spec] = c.content
		}
		for _, tool := range c.tools {
			if !containsStr(result.ToolsUsed, tool) {
				result.ToolsUsed = append(result.ToolsUsed, tool)
			}
		}
		result.ToolOutputs = append(result.ToolOutputs, c.outputs...)
	}

	if !result.Success {
		result.FallbackUsed = true
		result.Primary = "All agents failed to produce a response."
		if len(result.Errors) > 0 {
			result.Warnings = append(result.Warnings, "no successful agent in this orchestration")
		}
	}

	o.assessQuality(result)
	return result
}

// assessQuality derives completeness from response length bands and nudges
// quality up for tool usage, down for errors.
func (o *Orchestrator) assessQuality(result *domain.AgentResult) {
	n := len(result.Primary)
	switch {
	case n == 0:
		result.Completeness = 0
	case n < 50:
		result.Completeness = 0.3
	case n < 200:
		result.Completeness = 0.6
	case n < 2000:
		result.Completeness = 0.9
	default:
		result.Completeness = 0.8
	}

	quality := 0.5 + 0.4*result.Completeness
	if len(result.ToolsUsed) > 0 {
		quality += 0.1
	}
	if len(result.Errors) > 0 {
		quality -= 0.2
	}
	result.Quality = clamp01(quality)
	result.Coherence = clamp01(0.6 + 0.3*result.Completeness)
}

// feedback updates each involved instance's moving-average performance score
// from result quality and inverse latency on success, or decays it on
// failure.
func (o *Orchestrator) feedback(calls []agentCall, result *domain.AgentResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range calls {
		inst, ok := o.agents[c.spec]
		if !ok {
			continue
		}
		if c.err != nil {
			inst.Performance *= perfDecay
			continue
		}
		latencyScore := 1.0 / (1.0 + c.duration.Seconds())
		sample := 0.7*result.Quality + 0.3*latencyScore
		inst.Performance = perfKeep*inst.Performance + (1-perfKeep)*sample
	}
}

func (o *Orchestrator) instance(spec string) *domain.AgentInstance {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.agents[spec]
	if !ok {
		inst = &domain.AgentInstance{
			ID:             "agent-" + spec,
			Specialization: spec,
			Status:         domain.AgentIdle,
			MaxConcurrent:  3,
			Performance:    0.7,
		}
		o.agents[spec] = inst
	}
	return inst
}

func (o *Orchestrator) Status() domain.ComponentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	agents := make(map[string]any, len(o.agents))
	for spec, inst := range o.agents {
		agents[spec] = map[string]any{
			"status":      string(inst.Status),
			"total_tasks": inst.TotalTasks,
			"errors":      inst.ErrorCount,
			"performance": inst.Performance,
		}
	}
	return domain.ComponentStatus{
		"active":         o.active,
		"orchestrations": o.total,
		"failures":       o.failed,
		"cache_size":     o.cache.len(),
		"agents":         agents,
	}
}

func (o *Orchestrator) Shutdown(ctx context.Context) error { return nil }

func fallbackResult(msg string) *domain.AgentResult {
	return &domain.AgentResult{
		Success:       false,
		Primary:       msg,
		Supplementary: map[string]string{},
		AgentTimes:    map[string]time.Duration{},
		Errors:        []string{msg},
		FallbackUsed:  true,
	}
}

// contentKey derives the routing-cache key from the message shape: type plus
// a short normalized prefix of the content.
func contentKey(mc *domain.MessageContext, route *domain.RouteResult) string {
	prefix := runePrefix(strings.ToLower(strings.TrimSpace(mc.Text)), 40)
	return string(route.Type) + "|" + prefix
}

// runePrefix truncates s to at most n bytes, backing up so a multi-byte
// character straddling the limit is never torn in half.
func runePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
