package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

// Strategy is the recovery approach chosen for one failure.
type Strategy string

const (
	StrategyCodeFix   Strategy = "code_fix"
	StrategyConfigFix Strategy = "config_fix"
	StrategyRetry     Strategy = "retry"
)

// staleLockAge is how old a lock file must be before config-fix recovery
// considers it abandoned.
const staleLockAge = 10 * time.Minute

// ErrAttemptsExhausted is returned when a (chat, message, error-type) key has
// used up its recovery budget.
var ErrAttemptsExhausted = errors.New("recovery attempts exhausted for this failure")

// CodeFixer is the external code-modification collaborator that code-fix
// strategies delegate to.
type CodeFixer interface {
	Fix(ctx context.Context, description string) error
}

// Outcome describes what one recovery attempt did.
type Outcome struct {
	Strategy       Strategy
	Attempt        int
	Performed      string
	RetrySuggested bool
}

// Workflow is the best-effort recovery process triggered on operator-visible
// failures. It is independent of the Manager's own retry counters.
type Workflow struct {
	cfg    config.RecoveryConfig
	fixer  CodeFixer
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func NewWorkflow(cfg config.RecoveryConfig, fixer CodeFixer, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttemptsPerKey <= 0 {
		cfg.MaxAttemptsPerKey = 3
	}
	return &Workflow{
		cfg:      cfg,
		fixer:    fixer,
		logger:   logger,
		attempts: make(map[string]int),
	}
}

// Recover analyzes one failure and attempts the chosen recovery strategy.
// Attempts beyond the per-key cap are refused outright.
func (w *Workflow) Recover(ctx context.Context, chatID, messageID string, failure error) (*Outcome, error) {
	key := chatID + "|" + messageID + "|" + string(categorize(failure))

	w.mu.Lock()
	w.attempts[key]++
	attempt := w.attempts[key]
	w.mu.Unlock()

	if attempt > w.cfg.MaxAttemptsPerKey {
		w.logger.Warn("refusing recovery, attempt cap reached",
			"chat", chatID, "message", messageID, "attempt", attempt)
		return nil, ErrAttemptsExhausted
	}

	strategy := analyzeStrategy(failure)
	out := &Outcome{Strategy: strategy, Attempt: attempt}

	switch strategy {
	case StrategyConfigFix:
		removed, err := w.clearStaleLocks()
		if err != nil {
			return nil, fmt.Errorf("config-fix recovery: %w", err)
		}
		out.Performed = fmt.Sprintf("removed %d stale lock file(s)", removed)
	case StrategyCodeFix:
		if w.fixer == nil {
			out.Performed = "no code-fix collaborator configured"
			break
		}
		if err := w.fixer.Fix(ctx, failure.Error()); err != nil {
			return nil, fmt.Errorf("code-fix delegation: %w", err)
		}
		out.Performed = "delegated to code-fix collaborator"
	default:
		out.RetrySuggested = true
		out.Performed = "retry at a higher level"
	}

	w.logger.Info("recovery attempted",
		"chat", chatID,
		"message", messageID,
		"strategy", strategy,
		"attempt", attempt,
	)
	return out, nil
}

// analyzeStrategy maps failure text onto a recovery strategy by substring
// heuristics.
func analyzeStrategy(failure error) Strategy {
	msg := strings.ToLower(failure.Error())
	switch {
	case containsAny(msg, "panic", "nil pointer", "index out of range", "undefined", "not implemented"):
		return StrategyCodeFix
	case containsAny(msg, "lock", "config", "no such file", "stale", "corrupt"):
		return StrategyConfigFix
	default:
		return StrategyRetry
	}
}

// clearStaleLocks removes abandoned *.lock files from the configured lock
// directory.
func (w *Workflow) clearStaleLocks() (int, error) {
	if w.cfg.LockDir == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(w.cfg.LockDir, "*.lock"))
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-staleLockAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("could not remove stale lock", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (w *Workflow) Status() domain.ComponentStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.ComponentStatus{
		"tracked_keys": len(w.attempts),
		"attempt_cap":  w.cfg.MaxAttemptsPerKey,
	}
}

func (w *Workflow) Shutdown(ctx context.Context) error { return nil }
