// Package sweep runs scheduled TTL eviction over the stateful pipeline
// components: security buckets, conversation state, user profiles, and
// persisted history.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"relaybot/internal/config"
	"relaybot/internal/metrics"
)

// GateEvicter drops per-user security state idle since the cutoff.
type GateEvicter interface {
	EvictBefore(cutoff time.Time) int
}

// ContextEvicter drops conversation and profile state idle since the cutoff.
type ContextEvicter interface {
	EvictBefore(cutoff time.Time) (conversations, profiles int)
}

// HistoryEvicter deletes persisted history entries older than the cutoff.
type HistoryEvicter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper evicts expired state on a cron schedule. Targets that are nil are
// skipped, so callers only wire what their deployment actually uses.
type Sweeper struct {
	cfg     config.SweepConfig
	logger  *slog.Logger
	gate    GateEvicter
	convctx ContextEvicter
	history HistoryEvicter

	mu       sync.Mutex
	cron     *rcron.Cron
	entryID  rcron.EntryID
	runs     int64
	lastRun  time.Time
	lastSwep int64
}

func New(cfg config.SweepConfig, gate GateEvicter, convctx ContextEvicter, history HistoryEvicter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		logger:  logger,
		gate:    gate,
		convctx: convctx,
		history: history,
	}
}

// Start registers the sweep job and starts the scheduler. It is a no-op when
// sweeping is disabled in the config.
func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("ttl sweeper disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron = rcron.New()
	id, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.Sweep() })
	if err != nil {
		return fmt.Errorf("register sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("ttl sweeper started", "schedule", s.cfg.Schedule, "ttl_hours", s.cfg.TTLHours)
	return nil
}

// Sweep performs one eviction pass across all wired targets and returns the
// total number of entries removed.
func (s *Sweeper) Sweep() int64 {
	cutoff := time.Now().Add(-time.Duration(s.cfg.TTLHours) * time.Hour)
	var removed int64

	if s.gate != nil {
		removed += int64(s.gate.EvictBefore(cutoff))
	}
	if s.convctx != nil {
		convs, profs := s.convctx.EvictBefore(cutoff)
		removed += int64(convs + profs)
	}
	if s.history != nil {
		n, err := s.history.DeleteBefore(context.Background(), cutoff)
		if err != nil {
			s.logger.Warn("history sweep failed", "error", err)
		} else {
			removed += n
		}
	}

	metrics.SweepEvictions.Add(removed)

	s.mu.Lock()
	s.runs++
	s.lastRun = time.Now()
	s.lastSwep = removed
	s.mu.Unlock()

	s.logger.Info("ttl sweep completed", "cutoff", cutoff, "removed", removed)
	return removed
}

func (s *Sweeper) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := map[string]any{
		"enabled":      s.cfg.Enabled,
		"schedule":     s.cfg.Schedule,
		"ttl_hours":    s.cfg.TTLHours,
		"runs":         s.runs,
		"last_removed": s.lastSwep,
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
	}
	return status
}

// Shutdown stops the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
