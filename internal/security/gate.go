package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const (
	burstInterval = 10 * time.Second

	// Trust scoring: fixed penalty per violation, slow recovery with clean
	// time and account age.
	trustPenalty        = 0.1
	trustRecoveryPerDay = 0.05
	trustAgeBonusPerDay = 0.01
	trustRecoveryCap    = 0.2
	trustAgeBonusCap    = 0.1
	initialTrust        = 0.5
)

// violation weights by pattern set.
var contentWeights = map[string]float64{
	"spam":      0.4,
	"profanity": 0.3,
	"url":       0.1,
	"phone":     0.15,
	"email":     0.15,
}

var threatWeights = map[string]float64{
	"phishing":           0.6,
	"social_engineering": 0.5,
	"credential_theft":   0.6,
	"destructive":        0.8,
}

var disallowedMediaExt = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".scr": {}, ".com": {}, ".msi": {}, ".vbs": {},
}

// requestRecord is one entry in the per-user bounded request history.
type requestRecord struct {
	At     time.Time
	Risk   float64
	Action domain.SecurityAction
}

// userState is the gate's per-user admission state. Owned by the gate,
// mutated only under its mutex.
type userState struct {
	queue         []time.Time // request timestamps within the rate window
	history       []requestRecord
	violations    int
	lastViolation time.Time
	trust         float64
	lastTrustAt   time.Time // when trust last changed; recovery accrues from here
	firstSeen     time.Time
	lastSeen      time.Time
}

// Gate validates admission of inbound messages: blocklists, rate limits,
// content and threat filters, trust scoring.
type Gate struct {
	cfg    config.SecurityConfig
	logger *slog.Logger

	contentRe map[string][]*regexp.Regexp
	threatRe  map[string][]*regexp.Regexp

	admins       map[string]struct{}
	blocked      map[string]struct{}
	allowedChats map[string]struct{}

	mu    sync.Mutex
	users map[string]*userState

	validations int64
	blocks      int64
}

func NewGate(cfg config.SecurityConfig, pack *config.PatternPack, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pack == nil {
		pack = config.DefaultPatternPack()
	}

	g := &Gate{
		cfg:          cfg,
		logger:       logger,
		admins:       toSet(cfg.AdminIDs),
		blocked:      toSet(cfg.BlockedIDs),
		allowedChats: toSet(cfg.AllowedChats),
		users:        make(map[string]*userState),
	}

	var err error
	g.contentRe, err = compileSets(pack.Content)
	if err != nil {
		return nil, fmt.Errorf("invalid content pattern: %w", err)
	}
	g.threatRe, err = compileSets(pack.Threat)
	if err != nil {
		return nil, fmt.Errorf("invalid threat pattern: %w", err)
	}

	return g, nil
}

// Validate runs admission control for one inbound request. It never returns
// nil; a denied request carries the reason and violation list.
func (g *Gate) Validate(req domain.InboundRequest) *domain.SecurityResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.validations++
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	// Hard rejections: missing or blocklisted identity, disallowed chat.
	if req.UserID == "" {
		return g.deny("missing user id", "missing_user")
	}
	if _, bad := g.blocked[req.UserID]; bad {
		return g.deny("user is blocklisted", "blocklisted_user")
	}
	if len(g.allowedChats) > 0 {
		if _, ok := g.allowedChats[req.ChatID]; !ok {
			return g.deny("chat not in allow set", "chat_not_allowed")
		}
	}

	// Admin identities bypass all further checks.
	if _, admin := g.admins[req.UserID]; admin {
		return &domain.SecurityResult{
			Allowed:       true,
			Action:        domain.ActionAllow,
			Threat:        domain.ThreatLow,
			RiskScore:     0,
			RateRemaining: g.cfg.RateMaxPerWindow,
			TrustScore:    1.0,
		}
	}

	st := g.userState(req.UserID, now)
	st.lastSeen = now

	var violations []string
	var risk float64

	// Rate limiting: sliding window plus a secondary 10-second burst check.
	window := time.Duration(g.cfg.RateWindowSeconds) * time.Second
	st.queue = pruneBefore(st.queue, now.Add(-window))
	if len(st.queue) >= g.cfg.RateMaxPerWindow {
		violations = append(violations, "rate_limit_window")
		risk += 0.5
	}
	if countSince(st.queue, now.Add(-burstInterval)) >= g.cfg.BurstLimit {
		violations = append(violations, "rate_limit_burst")
		risk += 0.5
	}
	st.queue = append(st.queue, now)

	// Content filtering.
	if req.Text != "" {
		for set, weight := range g.matchSets(g.contentRe, req.Text) {
			violations = append(violations, "content:"+set)
			risk += weight
		}
		if g.cfg.MaxTextLength > 0 && len(req.Text) > g.cfg.MaxTextLength {
			violations = append(violations, "excessive_length")
			risk += 0.2
		}
		if capsRatio(req.Text) > 0.7 && len(req.Text) > 20 {
			violations = append(violations, "excessive_caps")
			risk += 0.15
		}
		if maxRunLength(req.Text) > 10 {
			violations = append(violations, "repeated_chars")
			risk += 0.15
		}
	}

	// Threat detection: pattern sets, media heuristics, behavior.
	if req.Text != "" {
		for set, weight := range g.matchSets(g.threatRe, req.Text) {
			violations = append(violations, "threat:"+set)
			risk += weight
		}
	}
	if req.Media != nil {
		ext := strings.ToLower(fileExt(req.Media.FileName))
		if _, bad := disallowedMediaExt[ext]; bad {
			violations = append(violations, "threat:disallowed_file_type")
			risk += 0.7
		}
		if g.cfg.MaxMediaBytes > 0 && req.Media.SizeBytes > g.cfg.MaxMediaBytes {
			violations = append(violations, "threat:oversized_media")
			risk += 0.3
		}
	}
	// Behavioral flag: repeat offenders raise risk, but the flag itself is
	// derived from history and does not count as a fresh violation for
	// trust scoring.
	fresh := len(violations)
	if st.violations >= 3 {
		violations = append(violations, "threat:prior_violations")
		risk += 0.2
	}

	// Trust update: penalty per violation (floor 0), slow recovery with
	// clean time and account age (ceiling 1).
	g.updateTrust(st, fresh, now)
	if st.trust < 0.3 {
		risk += 0.1
	}

	if fresh > 0 {
		st.violations += fresh
		st.lastViolation = now
	}

	risk = clamp01(risk)
	action, threat := decide(risk)
	allowed := action == domain.ActionAllow

	result := &domain.SecurityResult{
		Allowed:       allowed,
		Action:        action,
		Threat:        threat,
		RiskScore:     risk,
		Violations:    violations,
		RateRemaining: max(0, g.cfg.RateMaxPerWindow-len(st.queue)),
		TrustScore:    st.trust,
	}
	if !allowed {
		g.blocks++
		result.Reason = strings.Join(violations, ", ")
		g.logger.Warn("message denied",
			"user", req.UserID,
			"chat", req.ChatID,
			"action", action,
			"risk", risk,
			"violations", violations,
		)
	}

	// Bounded per-user request history, oldest dropped.
	st.history = append(st.history, requestRecord{At: now, Risk: risk, Action: action})
	if limit := g.cfg.HistoryCapacity; limit > 0 && len(st.history) > limit {
		st.history = st.history[len(st.history)-limit:]
	}

	return result
}

// TrustScore returns the current trust score for a user, or the initial
// score when the user is unknown.
func (g *Gate) TrustScore(userID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.users[userID]; ok {
		return st.trust
	}
	return initialTrust
}

// EvictBefore drops per-user state not seen since the cutoff. Returns the
// number of users removed.
func (g *Gate) EvictBefore(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, st := range g.users {
		if st.lastSeen.Before(cutoff) {
			delete(g.users, id)
			removed++
		}
	}
	return removed
}

func (g *Gate) Status() domain.ComponentStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.ComponentStatus{
		"tracked_users": len(g.users),
		"validations":   g.validations,
		"blocks":        g.blocks,
	}
}

func (g *Gate) Shutdown(ctx context.Context) error { return nil }

func (g *Gate) deny(reason, violation string) *domain.SecurityResult {
	g.blocks++
	g.logger.Warn("message denied", "reason", reason)
	return &domain.SecurityResult{
		Allowed:    false,
		Action:     domain.ActionBlock,
		Threat:     domain.ThreatCritical,
		RiskScore:  1.0,
		Violations: []string{violation},
		Reason:     reason,
	}
}

func (g *Gate) userState(userID string, now time.Time) *userState {
	st, ok := g.users[userID]
	if !ok {
		st = &userState{trust: initialTrust, firstSeen: now}
		g.users[userID] = st
	}
	return st
}

// matchSets returns the weight of every pattern set with at least one match.
func (g *Gate) matchSets(sets map[string][]*regexp.Regexp, text string) map[string]float64 {
	matched := make(map[string]float64)
	for name, res := range sets {
		for _, re := range res {
			if re.MatchString(text) {
				if w, ok := contentWeights[name]; ok {
					matched[name] = w
				} else if w, ok := threatWeights[name]; ok {
					matched[name] = w
				} else {
					matched[name] = 0.3
				}
				break
			}
		}
	}
	return matched
}

func (g *Gate) updateTrust(st *userState, newViolations int, now time.Time) {
	if st.lastTrustAt.IsZero() {
		st.lastTrustAt = st.firstSeen
	}

	if newViolations > 0 {
		st.trust -= trustPenalty * float64(newViolations)
		if st.trust < 0 {
			st.trust = 0
		}
		st.lastTrustAt = now
		return
	}

	// Recovery accrues with wall time, not message volume. Each clean
	// message earns only the interval since trust last moved, so a burst
	// of clean messages cannot pump the score.
	elapsedDays := now.Sub(st.lastTrustAt).Hours() / 24
	if elapsedDays <= 0 {
		return
	}

	recovery := 0.0
	if !st.lastViolation.IsZero() && now.Sub(st.lastViolation) >= 24*time.Hour {
		recovery = minF(elapsedDays*trustRecoveryPerDay, trustRecoveryCap)
	}
	ageBonus := minF(elapsedDays*trustAgeBonusPerDay, trustAgeBonusCap)

	st.trust = minF(st.trust+recovery+ageBonus, 1.0)
	st.lastTrustAt = now
}

// decide maps a risk score to an action and threat level. Monotonic in risk.
func decide(risk float64) (domain.SecurityAction, domain.ThreatLevel) {
	switch {
	case risk >= 0.9:
		return domain.ActionBlock, domain.ThreatCritical
	case risk >= 0.7:
		return domain.ActionQuarantine, domain.ThreatHigh
	case risk >= 0.4:
		return domain.ActionWarn, domain.ThreatMedium
	default:
		return domain.ActionAllow, domain.ThreatLow
	}
}

func compileSets(sets map[string][]string) (map[string][]*regexp.Regexp, error) {
	compiled := make(map[string][]*regexp.Regexp, len(sets))
	for name, patterns := range sets {
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("set %s pattern %q: %w", name, p, err)
			}
			res = append(res, re)
		}
		compiled[name] = res
	}
	return compiled, nil
}

func pruneBefore(queue []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(queue) && queue[i].Before(cutoff) {
		i++
	}
	return queue[i:]
}

func countSince(queue []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(queue) - 1; i >= 0; i-- {
		if queue[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

func capsRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func maxRunLength(s string) int {
	best, run := 0, 0
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
		prev = r
	}
	return best
}

func fileExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
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

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
