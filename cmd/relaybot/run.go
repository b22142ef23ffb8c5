package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/agent"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/convctx"
	"relaybot/internal/domain"
	"relaybot/internal/memory"
	"relaybot/internal/metrics"
	"relaybot/internal/orchestrator"
	"relaybot/internal/pipeline"
	"relaybot/internal/recovery"
	"relaybot/internal/response"
	"relaybot/internal/router"
	"relaybot/internal/security"
	"relaybot/internal/sweep"
)

const shutdownTimeout = 15 * time.Second

// historyStore is what the application needs from a persistence backend:
// the pipeline's read/write surface plus sweeping and teardown.
type historyStore interface {
	domain.HistoryStore
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// app holds one fully wired pipeline and its supporting services.
type app struct {
	cfg      *config.Config
	bus      *bus.InMemoryBus
	store    historyStore
	proc     *pipeline.Processor
	errorMgr *recovery.Manager
	workflow *recovery.Workflow
	sweeper  *sweep.Sweeper
	metrics  *http.Server
}

// buildApp wires config into the five pipeline stages and their shared
// services. The caller owns shutdown via app.shutdown.
func buildApp(cfg *config.Config) (*app, error) {
	setupLogger(cfg.General)

	var store historyStore
	if cfg.Memory.Enabled {
		s, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		store = s
	} else {
		store = memory.NewInMemoryStore()
	}

	var pack *config.PatternPack
	if cfg.Security.PatternPack != "" {
		p, err := config.LoadPatternPack(cfg.Security.PatternPack)
		if err != nil {
			return nil, fmt.Errorf("pattern pack: %w", err)
		}
		pack = p
	}

	gate, err := security.NewGate(cfg.Security, pack, logger)
	if err != nil {
		return nil, fmt.Errorf("security gate: %w", err)
	}
	builder := convctx.NewBuilder(cfg.Context, store, logger)
	classifier := router.New(cfg.Routing, logger)
	invoker := agent.NewChain(cfg.Agent, logger)
	orch := orchestrator.New(cfg.Orchestrator, invoker, logger)
	formatter := response.New(cfg.Response, logger)

	proc := pipeline.New(cfg.Pipeline, gate, builder, classifier, orch, formatter, logger)

	a := &app{
		cfg:      cfg,
		bus:      bus.New(100, logger),
		store:    store,
		proc:     proc,
		errorMgr: recovery.NewManager(logger),
		workflow: recovery.NewWorkflow(cfg.Recovery, nil, logger),
		sweeper:  sweep.New(cfg.Sweep, gate, builder, store, logger),
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", metrics.Collector.Handler())
		a.metrics = &http.Server{Addr: cfg.Metrics.Endpoint, Handler: mux}
	}
	return a, nil
}

// start launches the pipeline consumer loop, the sweeper, and the metrics
// endpoint.
func (a *app) start(ctx context.Context) error {
	if err := a.sweeper.Start(); err != nil {
		return err
	}
	if a.metrics != nil {
		go func() {
			logger.Info("metrics endpoint listening", "addr", a.metrics.Addr)
			if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}
	go a.consume(ctx)
	return nil
}

// consume drains the inbound bus, runs each request through the pipeline,
// persists the turn, and hands the response chain back to the source channel.
func (a *app) consume(ctx context.Context) {
	for req := range a.bus.Subscribe() {
		result := a.proc.Process(ctx, req)
		a.persistTurn(ctx, req, result)

		if !result.Success && result.Err != "" {
			a.handleFailure(ctx, req, result)
		}

		a.bus.Deliver(req.Channel, result.Responses)
	}
}

// persistTurn stores the user message and the primary reply so later requests
// in the same chat see them as history.
func (a *app) persistTurn(ctx context.Context, req domain.InboundRequest, result *domain.ProcessingResult) {
	if req.Text != "" {
		entry := domain.HistoryEntry{
			Role:       "user",
			Content:    req.Text,
			Timestamp:  req.Timestamp,
			MessageID:  req.MessageID,
			UserID:     req.UserID,
			Importance: 0.5,
		}
		if err := a.store.AppendEntry(ctx, req.ChatID, entry); err != nil {
			logger.Warn("failed to persist user turn", "chat", req.ChatID, "err", err)
		}
	}

	reply := primaryText(result.Responses)
	if reply == "" {
		return
	}
	entry := domain.HistoryEntry{
		Role:       "assistant",
		Content:    reply,
		Timestamp:  time.Now(),
		Importance: 0.5,
	}
	if err := a.store.AppendEntry(ctx, req.ChatID, entry); err != nil {
		logger.Warn("failed to persist assistant turn", "chat", req.ChatID, "err", err)
	}
}

// primaryText reassembles the primary answer from a response chain, skipping
// supplementary and tool-output parts.
func primaryText(responses []domain.FormattedResponse) string {
	var parts []string
	for _, r := range responses {
		if r.Metadata["source"] != "primary" {
			continue
		}
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, "")
}

// handleFailure classifies a pipeline failure and, where a strategy applies,
// runs the recovery workflow. User-facing text already flowed through the
// response stage; this is operator-side.
func (a *app) handleFailure(ctx context.Context, req domain.InboundRequest, result *domain.ProcessingResult) {
	failure := fmt.Errorf("%s", result.Err)
	classified := a.errorMgr.Classify(failure)
	logger.Warn("request failed",
		"chat", req.ChatID,
		"message", req.MessageID,
		"category", classified.Category,
		"severity", classified.Severity,
		"retry", classified.Retry,
	)

	if classified.Severity != recovery.SeverityHigh && classified.Severity != recovery.SeverityCritical {
		return
	}
	out, err := a.workflow.Recover(ctx, req.ChatID, req.MessageID, failure)
	if err != nil {
		logger.Warn("recovery refused", "err", err)
		return
	}
	logger.Info("recovery outcome", "strategy", out.Strategy, "performed", out.Performed)
}

// shutdown drains the pipeline and tears the services down in reverse start
// order.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.bus.Close()
	if err := a.proc.Shutdown(ctx); err != nil {
		logger.Warn("pipeline shutdown incomplete", "err", err)
	}
	if err := a.sweeper.Shutdown(ctx); err != nil {
		logger.Warn("sweeper shutdown incomplete", "err", err)
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			logger.Warn("metrics endpoint shutdown incomplete", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", "err", err)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.shutdown()

	cli := channel.NewCLI(channel.CLIOptions{Logger: logger})
	return cli.Start(ctx, a.bus)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		return err
	}

	started := 0
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(cfg.Channels.Telegram, logger)
		go func() {
			if err := tg.Start(ctx, a.bus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		started++
		logger.Info("telegram channel enabled")
	}
	if started == 0 {
		a.shutdown()
		return fmt.Errorf("no channels enabled; enable channels.telegram or use 'relaybot chat'")
	}

	logger.Info("relaybot started", "version", version)
	<-ctx.Done()
	logger.Info("shutting down...")
	a.shutdown()
	logger.Info("shutdown complete")
	return nil
}

// setupLogger rebuilds the process logger from config: level, and optionally
// a log file alongside stderr.
func setupLogger(cfg config.GeneralConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr only", "path", cfg.LogFile, "err", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
