package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// drainPollInterval is how often shutdown re-checks the in-flight registry.
const drainPollInterval = 50 * time.Millisecond

// Per-stage collaborator contracts. Concrete components live in their own
// packages; the processor only needs these surfaces.
type (
	SecurityStage interface {
		Validate(req domain.InboundRequest) *domain.SecurityResult
		domain.Component
	}
	ContextStage interface {
		Build(ctx context.Context, req domain.InboundRequest, sec *domain.SecurityResult) *domain.MessageContext
		domain.Component
	}
	RoutingStage interface {
		Route(req domain.InboundRequest, mc *domain.MessageContext) *domain.RouteResult
		domain.Component
	}
	OrchestrationStage interface {
		Orchestrate(ctx context.Context, mc *domain.MessageContext, route *domain.RouteResult) *domain.AgentResult
		domain.Component
	}
	ResponseStage interface {
		Format(result *domain.AgentResult, mc *domain.MessageContext, chatID, replyTo string) []domain.FormattedResponse
		domain.Component
	}
)

// Processor drives one request through the five stages in strict order:
// security, context, routing, orchestration, response. It owns the top-level
// concurrency bound, per-stage timing, the in-flight registry, and graceful
// drain.
type Processor struct {
	cfg    config.PipelineConfig
	logger *slog.Logger

	security      SecurityStage
	contextStage  ContextStage
	routing       RoutingStage
	orchestration OrchestrationStage
	response      ResponseStage

	sem chan struct{}

	mu        sync.Mutex
	inflight  map[string]time.Time
	history   []*domain.PipelineMetrics
	processed int64
	succeeded int64
	blocked   int64
	draining  bool
}

func New(cfg config.PipelineConfig, sec SecurityStage, cb ContextStage, rt RoutingStage, orch OrchestrationStage, resp ResponseStage, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.MetricsHistorySize <= 0 {
		cfg.MetricsHistorySize = 100
	}
	return &Processor{
		cfg:           cfg,
		logger:        logger,
		security:      sec,
		contextStage:  cb,
		routing:       rt,
		orchestration: orch,
		response:      resp,
		sem:           make(chan struct{}, cfg.MaxConcurrentRequests),
		inflight:      make(map[string]time.Time),
	}
}

// Process runs one inbound request end to end. It never returns an error to
// the caller; failures are reported inside the ProcessingResult.
func (p *Processor) Process(ctx context.Context, req domain.InboundRequest) *domain.ProcessingResult {
	requestID := uuid.NewString()
	reqMetrics := &domain.PipelineMetrics{
		RequestID:      requestID,
		StartedAt:      time.Now(),
		StageDurations: make(map[domain.Stage]time.Duration),
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return &domain.ProcessingResult{
			StageReached: domain.StageSecurity,
			Metrics:      reqMetrics,
			Err:          "pipeline is shutting down",
		}
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return &domain.ProcessingResult{
			StageReached: domain.StageSecurity,
			Metrics:      reqMetrics,
			Err:          "cancelled while waiting for a processing slot",
		}
	}
	defer func() { <-p.sem }()

	p.mu.Lock()
	p.inflight[requestID] = reqMetrics.StartedAt
	p.mu.Unlock()
	metrics.MessagesTotal.Inc()
	metrics.InFlight.Inc()
	defer func() {
		metrics.InFlight.Dec()
		p.mu.Lock()
		delete(p.inflight, requestID)
		p.mu.Unlock()
	}()

	start := time.Now()

	// Stage 1: security. A deny short-circuits the whole pipeline.
	var sec *domain.SecurityResult
	p.runStage(domain.StageSecurity, reqMetrics, func() {
		sec = p.security.Validate(req)
	})
	if sec == nil || !sec.Allowed {
		reason := "security validation failed"
		if sec != nil {
			reason = sec.Reason
		}
		metrics.SecurityBlocks.Inc()
		result := &domain.ProcessingResult{
			StageReached: domain.StageSecurity,
			Metrics:      reqMetrics,
			Err:          reason,
		}
		p.finish(reqMetrics, start, result, true)
		return result
	}

	// Stage 2: context. Degrades to a minimal context on failure.
	var mc *domain.MessageContext
	p.runStage(domain.StageContext, reqMetrics, func() {
		mc = p.contextStage.Build(ctx, req, sec)
	})
	if mc == nil {
		mc = minimalContext(req, sec)
	}

	// Stage 3: routing. Degrades to the unknown/direct route.
	var route *domain.RouteResult
	p.runStage(domain.StageRouting, reqMetrics, func() {
		route = p.routing.Route(req, mc)
	})
	if route == nil {
		route = fallbackRoute()
	}

	// Stage 4: orchestration.
	var agentRes *domain.AgentResult
	p.runStage(domain.StageOrchestration, reqMetrics, func() {
		agentRes = p.orchestration.Orchestrate(ctx, mc, route)
	})
	if agentRes == nil {
		agentRes = &domain.AgentResult{
			Primary:      "Something went wrong while handling that message.",
			Errors:       []string{"orchestration returned no result"},
			FallbackUsed: true,
		}
	}

	// Stage 5: response formatting.
	var responses []domain.FormattedResponse
	p.runStage(domain.StageResponse, reqMetrics, func() {
		responses = p.response.Format(agentRes, mc, req.ChatID, req.MessageID)
	})
	if len(responses) == 0 {
		responses = []domain.FormattedResponse{{
			Text:     "Sorry, something went wrong while preparing this response.",
			Format:   domain.FormatPlain,
			ChatID:   req.ChatID,
			ReplyTo:  req.MessageID,
			Delivery: domain.DeliverImmediate,
			Metadata: map[string]string{"error": "formatting returned no responses"},
		}}
	}

	reqMetrics.Errors = append(reqMetrics.Errors, agentRes.Errors...)
	result := &domain.ProcessingResult{
		Success:      agentRes.Success,
		StageReached: domain.StageResponse,
		Responses:    responses,
		Metrics:      reqMetrics,
	}
	if !agentRes.Success {
		result.Err = "no agent produced a successful response"
	}
	p.finish(reqMetrics, start, result, false)
	return result
}

// runStage times one stage and converts any panic that escapes it into a
// recorded error, leaving the caller free to substitute a fallback value.
func (p *Processor) runStage(stage domain.Stage, m *domain.PipelineMetrics, fn func()) {
	stageStart := time.Now()
	defer func() {
		elapsed := time.Since(stageStart)
		m.StageDurations[stage] = elapsed
		metrics.StageLatency(string(stage)).Observe(elapsed.Seconds())
		if r := recover(); r != nil {
			p.logger.Error("stage panicked", "stage", stage, "panic", r)
			m.Errors = append(m.Errors, fmt.Sprintf("%s stage panic: %v", stage, r))
		}
	}()
	fn()
}

// finish closes out per-request metrics; overhead is measured as total time
// minus the sum of stage durations, not estimated.
func (p *Processor) finish(m *domain.PipelineMetrics, start time.Time, result *domain.ProcessingResult, deniedAtGate bool) {
	m.Total = time.Since(start)
	var stageSum time.Duration
	for _, d := range m.StageDurations {
		stageSum += d
	}
	m.Overhead = m.Total - stageSum
	metrics.PipelineLatency.Observe(m.Total.Seconds())

	p.mu.Lock()
	p.processed++
	if result.Success {
		p.succeeded++
	}
	if deniedAtGate {
		p.blocked++
	}
	p.history = append(p.history, m)
	if len(p.history) > p.cfg.MetricsHistorySize {
		p.history = p.history[len(p.history)-p.cfg.MetricsHistorySize:]
	}
	p.mu.Unlock()

	p.logger.Info("request processed",
		"request_id", m.RequestID,
		"success", result.Success,
		"stage_reached", result.StageReached,
		"total_ms", m.Total.Milliseconds(),
		"overhead_us", m.Overhead.Microseconds(),
	)
}

// Status aggregates pipeline health: success rate and average duration over
// the rolling metrics window, plus each component's own status.
func (p *Processor) Status() domain.ComponentStatus {
	p.mu.Lock()
	var avg time.Duration
	if len(p.history) > 0 {
		var sum time.Duration
		for _, m := range p.history {
			sum += m.Total
		}
		avg = sum / time.Duration(len(p.history))
	}
	successRate := 0.0
	if p.processed > 0 {
		successRate = float64(p.succeeded) / float64(p.processed)
	}
	status := domain.ComponentStatus{
		"processed":       p.processed,
		"succeeded":       p.succeeded,
		"blocked_at_gate": p.blocked,
		"success_rate":    successRate,
		"avg_duration_ms": avg.Milliseconds(),
		"in_flight":       len(p.inflight),
		"window":          len(p.history),
	}
	p.mu.Unlock()

	status["components"] = map[string]any{
		"security":      p.security.Status(),
		"context":       p.contextStage.Status(),
		"routing":       p.routing.Status(),
		"orchestration": p.orchestration.Status(),
		"response":      p.response.Status(),
	}
	return status
}

// Shutdown stops accepting work, polls until in-flight requests drain, then
// runs each component's shutdown hook.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		remaining := len(p.inflight)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			p.logger.Warn("shutdown deadline reached with requests in flight", "remaining", remaining)
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}

	var errs []error
	for name, c := range map[string]domain.Component{
		"security":      p.security,
		"context":       p.contextStage,
		"routing":       p.routing,
		"orchestration": p.orchestration,
		"response":      p.response,
	} {
		if err := c.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func minimalContext(req domain.InboundRequest, sec *domain.SecurityResult) *domain.MessageContext {
	return &domain.MessageContext{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Timestamp: req.Timestamp,
		Text:      req.Text,
		Security:  sec,
		Minimal:   true,
	}
}

func fallbackRoute() *domain.RouteResult {
	return &domain.RouteResult{
		Type:           domain.TypeUnknown,
		Confidence:     0.1,
		Priority:       domain.PriorityLow,
		Strategy:       domain.RouteDirect,
		PrimaryHandler: "general_agent",
	}
}
