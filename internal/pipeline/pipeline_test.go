package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

type stageRecorder struct {
	mu        sync.Mutex
	calls     int
	shutdowns int
}

func (s *stageRecorder) record() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *stageRecorder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stageRecorder) Status() domain.ComponentStatus {
	return domain.ComponentStatus{"calls": s.callCount()}
}

func (s *stageRecorder) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdowns++
	s.mu.Unlock()
	return nil
}

type fakeGate struct {
	stageRecorder
	allow  bool
	reason string
}

func (g *fakeGate) Validate(req domain.InboundRequest) *domain.SecurityResult {
	g.record()
	return &domain.SecurityResult{
		Allowed: g.allow,
		Action:  domain.ActionAllow,
		Reason:  g.reason,
	}
}

type fakeBuilder struct {
	stageRecorder
	panics bool
}

func (b *fakeBuilder) Build(ctx context.Context, req domain.InboundRequest, sec *domain.SecurityResult) *domain.MessageContext {
	b.record()
	if b.panics {
		panic("builder exploded")
	}
	return &domain.MessageContext{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Text:      req.Text,
		Security:  sec,
	}
}

type fakeRouter struct{ stageRecorder }

func (r *fakeRouter) Route(req domain.InboundRequest, mc *domain.MessageContext) *domain.RouteResult {
	r.record()
	return &domain.RouteResult{Type: domain.TypeCasual, Strategy: domain.RouteDirect, PrimaryHandler: "general_agent"}
}

type fakeOrchestrator struct {
	stageRecorder
	panics  bool
	fail    bool
	block   chan struct{} // when set, Orchestrate waits until closed
}

func (o *fakeOrchestrator) Orchestrate(ctx context.Context, mc *domain.MessageContext, route *domain.RouteResult) *domain.AgentResult {
	o.record()
	if o.block != nil {
		<-o.block
	}
	if o.panics {
		panic("orchestrator exploded")
	}
	if o.fail {
		return &domain.AgentResult{Success: false, Primary: "all agents failed", FallbackUsed: true}
	}
	return &domain.AgentResult{Success: true, Primary: "hello from the agent"}
}

type fakeResponder struct {
	stageRecorder
	panics bool
}

func (f *fakeResponder) Format(result *domain.AgentResult, mc *domain.MessageContext, chatID, replyTo string) []domain.FormattedResponse {
	f.record()
	if f.panics {
		panic("formatter exploded")
	}
	return []domain.FormattedResponse{{
		Text:     result.Primary,
		Format:   domain.FormatPlain,
		ChatID:   chatID,
		ReplyTo:  replyTo,
		Delivery: domain.DeliverImmediate,
	}}
}

type stages struct {
	gate      *fakeGate
	builder   *fakeBuilder
	router    *fakeRouter
	orch      *fakeOrchestrator
	responder *fakeResponder
}

func newStages() *stages {
	return &stages{
		gate:      &fakeGate{allow: true},
		builder:   &fakeBuilder{},
		router:    &fakeRouter{},
		orch:      &fakeOrchestrator{},
		responder: &fakeResponder{},
	}
}

func newProcessor(t *testing.T, s *stages, mutate func(*config.PipelineConfig)) *Processor {
	t.Helper()
	cfg := config.PipelineConfig{MaxConcurrentRequests: 4, MetricsHistorySize: 50}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, s.gate, s.builder, s.router, s.orch, s.responder, logger)
}

func request(text string) domain.InboundRequest {
	return domain.InboundRequest{
		MessageID: "m1",
		Channel:   "test",
		ChatID:    "c1",
		UserID:    "u1",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestProcess_HappyPath(t *testing.T) {
	s := newStages()
	p := newProcessor(t, s, nil)

	res := p.Process(context.Background(), request("hello"))

	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.StageReached != domain.StageResponse {
		t.Fatalf("stage reached = %s", res.StageReached)
	}
	if len(res.Responses) != 1 || res.Responses[0].Text != "hello from the agent" {
		t.Fatalf("responses = %+v", res.Responses)
	}
	if res.Responses[0].ChatID != "c1" || res.Responses[0].ReplyTo != "m1" {
		t.Fatalf("delivery ids not threaded: %+v", res.Responses[0])
	}
	for _, stage := range domain.Stages {
		if _, ok := res.Metrics.StageDurations[stage]; !ok {
			t.Fatalf("missing duration for stage %s", stage)
		}
	}
	if res.Metrics.Total <= 0 {
		t.Fatal("total duration not recorded")
	}
	if res.Metrics.Overhead < 0 {
		t.Fatalf("overhead must be non-negative, got %s", res.Metrics.Overhead)
	}
	if res.Metrics.RequestID == "" {
		t.Fatal("request id missing")
	}
}

func TestProcess_SecurityShortCircuit(t *testing.T) {
	s := newStages()
	s.gate.allow = false
	s.gate.reason = "rate limit exceeded"
	p := newProcessor(t, s, nil)

	res := p.Process(context.Background(), request("spam spam spam"))

	if res.Success {
		t.Fatal("denied request must not succeed")
	}
	if res.StageReached != domain.StageSecurity {
		t.Fatalf("stage reached = %s", res.StageReached)
	}
	if res.Err != "rate limit exceeded" {
		t.Fatalf("err = %q", res.Err)
	}
	if s.builder.callCount()+s.router.callCount()+s.orch.callCount()+s.responder.callCount() != 0 {
		t.Fatal("no stage beyond security may run for a denied request")
	}
	if _, ok := res.Metrics.StageDurations[domain.StageSecurity]; !ok {
		t.Fatal("security stage duration must still be recorded")
	}
	if len(res.Metrics.StageDurations) != 1 {
		t.Fatalf("only the security stage should be timed, got %v", res.Metrics.StageDurations)
	}
}

func TestProcess_OrchestrationPanicStillResponds(t *testing.T) {
	s := newStages()
	s.orch.panics = true
	p := newProcessor(t, s, nil)

	res := p.Process(context.Background(), request("hello"))

	if res.Success {
		t.Fatal("panicked orchestration cannot succeed")
	}
	if len(res.Responses) == 0 {
		t.Fatal("pipeline must still return at least one response")
	}
	if res.StageReached != domain.StageResponse {
		t.Fatalf("stage reached = %s", res.StageReached)
	}
	found := false
	for _, e := range res.Metrics.Errors {
		if e != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("panic must be recorded in metrics errors")
	}
}

func TestProcess_FormatterPanicYieldsApology(t *testing.T) {
	s := newStages()
	s.responder.panics = true
	p := newProcessor(t, s, nil)

	res := p.Process(context.Background(), request("hello"))

	if len(res.Responses) != 1 {
		t.Fatalf("expected one fallback response, got %d", len(res.Responses))
	}
	if res.Responses[0].ChatID != "c1" {
		t.Fatal("fallback response still needs a destination")
	}
}

func TestProcess_BuilderPanicDegradesToMinimalContext(t *testing.T) {
	s := newStages()
	s.builder.panics = true
	p := newProcessor(t, s, nil)

	res := p.Process(context.Background(), request("hello"))

	// Later stages still ran on the degraded context.
	if s.router.callCount() != 1 || s.orch.callCount() != 1 {
		t.Fatal("pipeline must continue past a failed context build")
	}
	if !res.Success {
		t.Fatalf("degraded context should not sink the request: %+v", res)
	}
}

func TestProcess_MetricsHistoryBounded(t *testing.T) {
	s := newStages()
	p := newProcessor(t, s, func(c *config.PipelineConfig) { c.MetricsHistorySize = 5 })

	for i := 0; i < 9; i++ {
		p.Process(context.Background(), request("hello"))
	}

	p.mu.Lock()
	window := len(p.history)
	p.mu.Unlock()
	if window != 5 {
		t.Fatalf("history window = %d, want 5", window)
	}
}

func TestStatus_Aggregates(t *testing.T) {
	s := newStages()
	p := newProcessor(t, s, nil)

	p.Process(context.Background(), request("hello"))
	s.orch.fail = true
	p.Process(context.Background(), request("hello again"))

	status := p.Status()
	if status["processed"].(int64) != 2 {
		t.Fatalf("processed = %v", status["processed"])
	}
	if rate := status["success_rate"].(float64); rate != 0.5 {
		t.Fatalf("success_rate = %v", rate)
	}
	components := status["components"].(map[string]any)
	for _, name := range []string{"security", "context", "routing", "orchestration", "response"} {
		if _, ok := components[name]; !ok {
			t.Fatalf("missing component status %q", name)
		}
	}
}

func TestShutdown_DrainsThenStopsComponents(t *testing.T) {
	s := newStages()
	s.orch.block = make(chan struct{})
	p := newProcessor(t, s, nil)

	done := make(chan *domain.ProcessingResult, 1)
	go func() {
		done <- p.Process(context.Background(), request("slow one"))
	}()

	// Wait until the request is registered in flight.
	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.inflight)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never became in-flight")
		case <-time.After(5 * time.Millisecond):
		}
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		shutdownDone <- p.Shutdown(ctx)
	}()

	for {
		p.mu.Lock()
		draining := p.draining
		p.mu.Unlock()
		if draining {
			break
		}
		select {
		case <-deadline:
			t.Fatal("drain flag never set")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// New work is refused while draining.
	refused := p.Process(context.Background(), request("late arrival"))
	if refused.Err == "" || refused.Success {
		t.Fatalf("draining pipeline must refuse new work: %+v", refused)
	}

	close(s.orch.block)
	if err := <-shutdownDone; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	<-done

	for name, rec := range map[string]*stageRecorder{
		"gate":      &s.gate.stageRecorder,
		"builder":   &s.builder.stageRecorder,
		"router":    &s.router.stageRecorder,
		"orch":      &s.orch.stageRecorder,
		"responder": &s.responder.stageRecorder,
	} {
		rec.mu.Lock()
		n := rec.shutdowns
		rec.mu.Unlock()
		if n != 1 {
			t.Fatalf("%s shutdown hook called %d times", name, n)
		}
	}
}
