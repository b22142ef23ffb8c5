package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

// Failover tries multiple invokers in order, falling back to the next one
// when the current fails. It implements domain.AgentInvoker.
type Failover struct {
	invokers []domain.AgentInvoker
	logger   *slog.Logger

	fallbackUses atomic.Int64
}

// NewFailover creates a failover chain from the given invokers. At least one
// invoker is required.
func NewFailover(invokers []domain.AgentInvoker, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{invokers: invokers, logger: logger}
}

// NewChain builds the invoker the config describes: just the primary endpoint
// when no fallbacks are set, otherwise a failover chain where each fallback
// inherits unset fields from the primary.
func NewChain(cfg config.AgentConfig, logger *slog.Logger) domain.AgentInvoker {
	if len(cfg.Fallbacks) == 0 {
		return NewInvoker(cfg, logger)
	}
	invokers := []domain.AgentInvoker{NewInvoker(cfg, logger)}
	for _, ep := range cfg.Fallbacks {
		c := cfg
		c.Fallbacks = nil
		if ep.APIBase != "" {
			c.APIBase = ep.APIBase
		}
		if ep.APIKey != "" {
			c.APIKey = ep.APIKey
		}
		if ep.Model != "" {
			c.Model = ep.Model
		}
		invokers = append(invokers, NewInvoker(c, logger))
	}
	return NewFailover(invokers, logger)
}

// Invoke tries each endpoint in order and returns the first successful
// response. A cancelled context stops the chain immediately.
func (f *Failover) Invoke(ctx context.Context, specialization string, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	var lastErr error
	for i, inv := range f.invokers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := inv.Invoke(ctx, specialization, req)
		if err == nil {
			if i > 0 {
				f.fallbackUses.Add(1)
				f.logger.Info("failover: used fallback endpoint",
					"specialization", specialization,
					"attempt", i+1,
				)
			}
			return res, nil
		}
		lastErr = err
		f.logger.Warn("failover: endpoint failed, trying next",
			"specialization", specialization,
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all %d agent endpoints failed: %w", len(f.invokers), lastErr)
}

func (f *Failover) Status() domain.ComponentStatus {
	return domain.ComponentStatus{
		"endpoints":     len(f.invokers),
		"fallback_uses": f.fallbackUses.Load(),
	}
}

func (f *Failover) Shutdown(ctx context.Context) error { return nil }
