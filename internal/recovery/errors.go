package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Category is the error taxonomy bucket.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryRateLimit       Category = "rate_limit"
	CategoryPermission      Category = "permission"
	CategoryValidation      Category = "validation"
	CategoryProcessing      Category = "processing"
	CategoryExternalService Category = "external_service"
	CategoryUnknown         Category = "unknown"
)

// Severity of a classified error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// categorySeverity is the static category to severity table. A "critical"
// marker in the message overrides it.
var categorySeverity = map[Category]Severity{
	CategoryNetwork:         SeverityLow,
	CategoryValidation:      SeverityLow,
	CategoryRateLimit:       SeverityMedium,
	CategoryExternalService: SeverityMedium,
	CategoryUnknown:         SeverityMedium,
	CategoryPermission:      SeverityHigh,
	CategoryProcessing:      SeverityHigh,
}

// retryPolicy drives exponential backoff per category.
type retryPolicy struct {
	maxRetries    int
	initialDelay  time.Duration
	backoffFactor float64
}

var categoryRetry = map[Category]retryPolicy{
	CategoryNetwork:         {maxRetries: 3, initialDelay: time.Second, backoffFactor: 2.0},
	CategoryRateLimit:       {maxRetries: 3, initialDelay: 5 * time.Second, backoffFactor: 2.0},
	CategoryExternalService: {maxRetries: 3, initialDelay: 2 * time.Second, backoffFactor: 2.0},
	CategoryProcessing:      {maxRetries: 1, initialDelay: time.Second, backoffFactor: 1.0},
	CategoryUnknown:         {maxRetries: 1, initialDelay: time.Second, backoffFactor: 2.0},
	// Permission and validation errors will not fix themselves.
	CategoryPermission: {maxRetries: 0},
	CategoryValidation: {maxRetries: 0},
}

// categoryMessage is the user-facing template per category.
var categoryMessage = map[Category]string{
	CategoryNetwork:         "I'm having trouble reaching the network right now. Please try again in a moment.",
	CategoryRateLimit:       "Things are a bit busy. Give it a few seconds and try again.",
	CategoryPermission:      "I don't have permission to do that here.",
	CategoryValidation:      "I couldn't make sense of that request.",
	CategoryProcessing:      "Something went wrong on my side while processing that.",
	CategoryExternalService: "An upstream service is having trouble. Please retry shortly.",
	CategoryUnknown:         "An unexpected error occurred. Please try again.",
}

// verbatimOverrides maps known error substrings to exact user messages.
var verbatimOverrides = []struct {
	substring string
	message   string
}{
	{"replied message not found", "The message you replied to no longer exists."},
	{"message is not modified", "That message is already up to date."},
	{"bot was blocked by the user", "I can no longer send messages to this chat."},
	{"message is too long", "That response was too long to deliver in one piece."},
}

// Classified is the outcome of classifying one error.
type Classified struct {
	Category    Category
	Severity    Severity
	Occurrence  int
	Retry       bool
	RetryDelay  time.Duration
	UserMessage string
}

// Manager classifies errors, tracks per-category-and-type occurrence counts,
// and answers retry questions.
type Manager struct {
	logger *slog.Logger

	mu          sync.Mutex
	occurrences map[string]int
	byCategory  map[Category]int64
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		occurrences: make(map[string]int),
		byCategory:  make(map[Category]int64),
	}
}

// Classify buckets err, bumps its occurrence counter, and computes the retry
// decision for this occurrence.
func (m *Manager) Classify(err error) Classified {
	cat := categorize(err)
	msg := strings.ToLower(err.Error())

	sev := categorySeverity[cat]
	if strings.Contains(msg, "critical") {
		sev = SeverityCritical
	}

	key := string(cat) + "|" + fmt.Sprintf("%T", err)
	m.mu.Lock()
	m.occurrences[key]++
	occurrence := m.occurrences[key]
	m.byCategory[cat]++
	m.mu.Unlock()

	policy := categoryRetry[cat]
	c := Classified{
		Category:    cat,
		Severity:    sev,
		Occurrence:  occurrence,
		UserMessage: userMessage(cat, msg),
	}
	if policy.maxRetries > 0 && occurrence <= policy.maxRetries {
		c.Retry = true
		c.RetryDelay = backoffDelay(policy, occurrence)
	}

	m.logger.Debug("classified error",
		"category", cat,
		"severity", sev,
		"occurrence", occurrence,
		"retry", c.Retry,
	)
	return c
}

// Reset clears the occurrence counters for one category/type pair, typically
// after a successful retry.
func (m *Manager) Reset(err error) {
	key := string(categorize(err)) + "|" + fmt.Sprintf("%T", err)
	m.mu.Lock()
	delete(m.occurrences, key)
	m.mu.Unlock()
}

func (m *Manager) Status() domain.ComponentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCat := make(map[string]any, len(m.byCategory))
	for c, n := range m.byCategory {
		byCat[string(c)] = n
	}
	return domain.ComponentStatus{
		"tracked_error_types": len(m.occurrences),
		"by_category":         byCat,
	}
}

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

func backoffDelay(p retryPolicy, occurrence int) time.Duration {
	delay := float64(p.initialDelay)
	for i := 1; i < occurrence; i++ {
		delay *= p.backoffFactor
	}
	return time.Duration(delay)
}

// categorize inspects the error type first, then message substrings.
func categorize(err error) Category {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429", "quota"):
		return CategoryRateLimit
	case containsAny(msg, "connection", "timeout", "unreachable", "dns", "broken pipe", "reset by peer"):
		return CategoryNetwork
	case containsAny(msg, "permission", "forbidden", "unauthorized", "access denied", "403"):
		return CategoryPermission
	case containsAny(msg, "invalid", "validation", "malformed", "parse error", "bad request"):
		return CategoryValidation
	case containsAny(msg, "panic", "nil pointer", "index out of range", "internal error"):
		return CategoryProcessing
	case containsAny(msg, "service unavailable", "bad gateway", "upstream", "502", "503", "api error"):
		return CategoryExternalService
	default:
		return CategoryUnknown
	}
}

func userMessage(cat Category, lowerMsg string) string {
	for _, o := range verbatimOverrides {
		if strings.Contains(lowerMsg, o.substring) {
			return o.message
		}
	}
	return categoryMessage[cat]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
