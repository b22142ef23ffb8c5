package convctx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const (
	// Words-to-tokens fudge factor (1 word ~ 1.3 tokens).
	tokensPerWord = 1.3

	profileTokenOverhead   = 50
	workspaceTokenOverhead = 30

	// Compression keeps the most recent entries plus a bounded set of
	// high-importance older ones.
	compressRecentKeep     = 10
	compressImportantKeep  = 10
	compressImportanceMin  = 0.6
	historyFetchMultiplier = 3
)

var expertiseKeywords = map[string][]string{
	"programming": {"code", "function", "golang", "python", "compile", "debug", "refactor"},
	"devops":      {"docker", "kubernetes", "deploy", "ci/cd", "terraform", "server"},
	"data":        {"sql", "database", "query", "schema", "analytics", "dataset"},
	"design":      {"layout", "typography", "ux", "wireframe", "mockup"},
}

var interestKeywords = map[string][]string{
	"music":  {"song", "album", "playlist", "band"},
	"games":  {"game", "gaming", "console", "steam"},
	"sports": {"match", "league", "football", "tennis"},
	"travel": {"trip", "flight", "hotel", "itinerary"},
}

var modeKeywords = map[domain.ConversationMode][]string{
	domain.ModeTechnical: {"error", "bug", "stack trace", "implement", "api", "config"},
	domain.ModeCreative:  {"story", "poem", "imagine", "brainstorm", "write me"},
	domain.ModeSupport:   {"help", "broken", "not working", "how do i", "stuck"},
}

// Builder assembles a MessageContext per inbound message. It owns the
// conversation-state and user-profile aggregates; no other component mutates
// them.
type Builder struct {
	cfg    config.ContextConfig
	store  domain.HistoryStore // nil disables history loading
	logger *slog.Logger

	mu            sync.Mutex
	conversations map[string]*domain.ConversationState
	profiles      map[string]*domain.UserProfile

	builds    int64
	fallbacks int64
}

func NewBuilder(cfg config.ContextConfig, store domain.HistoryStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:           cfg,
		store:         store,
		logger:        logger,
		conversations: make(map[string]*domain.ConversationState),
		profiles:      make(map[string]*domain.UserProfile),
	}
}

// Build assembles the MessageContext for one admitted request. It never
// fails: any internal error degrades to a minimal context carrying only the
// raw text and ids.
func (b *Builder) Build(ctx context.Context, req domain.InboundRequest, sec *domain.SecurityResult) (mc *domain.MessageContext) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("context build panicked, using minimal context", "panic", r)
			mc = b.minimal(req, sec)
		}
	}()

	b.mu.Lock()
	b.builds++
	b.mu.Unlock()

	mc = &domain.MessageContext{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Timestamp: req.Timestamp,
		Text:      extractText(req),
		Media:     req.Media,
		Reply:     req.Reply,
		Forward:   req.Forward,
		Security:  sec,
	}
	if sec != nil {
		mc.TrustScore = sec.TrustScore
	}

	conv, workspace := b.touchConversation(req, mc.Text)
	mc.Conversation = conv
	mc.Workspace = workspace

	if b.cfg.ProfilingEnabled && req.UserID != "" {
		mc.Profile = b.touchProfile(req, mc.Text, mc.TrustScore)
	}

	history, err := b.loadHistory(ctx, req.ChatID)
	if err != nil {
		b.logger.Warn("history load failed, continuing without it", "chat", req.ChatID, "err", err)
	}
	mc.History = history

	mc.EstimatedTokens = estimateTokens(mc)
	if b.cfg.CompressThreshold > 0 && mc.EstimatedTokens > b.cfg.CompressThreshold {
		mc.History = b.compress(conv, mc.History)
		mc.Compressed = true
		mc.EstimatedTokens = estimateTokens(mc)
	}

	mc.Hints = buildHints(mc.Profile, conv, mc.TrustScore)
	return mc
}

// minimal is the fallback context: raw text and ids only. Context building
// must never abort the pipeline.
func (b *Builder) minimal(req domain.InboundRequest, sec *domain.SecurityResult) *domain.MessageContext {
	b.mu.Lock()
	b.fallbacks++
	b.mu.Unlock()

	return &domain.MessageContext{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Timestamp: req.Timestamp,
		Text:      extractText(req),
		Security:  sec,
		Minimal:   true,
	}
}

// touchConversation updates the shared per-chat aggregate, resolves the
// workspace, and records the workspace id, all under one lock hold. It
// returns a detached snapshot so later stages never read the live aggregate
// while another request mutates it.
func (b *Builder) touchConversation(req domain.InboundRequest, text string) (*domain.ConversationState, *domain.WorkspaceContext) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conv, ok := b.conversations[req.ChatID]
	if !ok {
		conv = &domain.ConversationState{
			ChatID:       req.ChatID,
			Mode:         domain.ModeCasual,
			Participants: make(map[string]struct{}),
		}
		b.conversations[req.ChatID] = conv
	}

	conv.MessageCount++
	conv.LastActivity = req.Timestamp
	if req.UserID != "" {
		conv.Participants[req.UserID] = struct{}{}
	}
	if mode, ok := detectMode(text); ok {
		conv.Mode = mode
	}
	if topic := detectTopic(text); topic != "" {
		conv.ActiveTopic = topic
	}

	workspace := b.resolveWorkspace(req, conv)
	if workspace != nil {
		conv.WorkspaceID = workspace.ID
	}
	return snapshotConversation(conv), workspace
}

func snapshotConversation(conv *domain.ConversationState) *domain.ConversationState {
	cp := *conv
	cp.Participants = make(map[string]struct{}, len(conv.Participants))
	for id := range conv.Participants {
		cp.Participants[id] = struct{}{}
	}
	return &cp
}

func snapshotProfile(p *domain.UserProfile) *domain.UserProfile {
	cp := *p
	cp.Expertise = append([]string(nil), p.Expertise...)
	cp.Interests = append([]string(nil), p.Interests...)
	return &cp
}

func (b *Builder) touchProfile(req domain.InboundRequest, text string, trust float64) *domain.UserProfile {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.profiles[req.UserID]
	if !ok {
		p = &domain.UserProfile{
			UserID:          req.UserID,
			PreferredMode:   domain.ModeCasual,
			PreferredLength: domain.LengthMedium,
			TrustScore:      trust,
			FirstSeen:       req.Timestamp,
		}
		b.profiles[req.UserID] = p
	}

	p.InteractionCount++
	p.LastSeen = req.Timestamp
	p.TrustScore = trust

	lower := strings.ToLower(text)
	p.Expertise = mergeTags(p.Expertise, matchTags(expertiseKeywords, lower))
	p.Interests = mergeTags(p.Interests, matchTags(interestKeywords, lower))
	if mode, ok := detectMode(text); ok {
		p.PreferredMode = mode
	}

	// Long questions suggest a preference for thorough answers.
	if len(text) > 400 {
		p.PreferredLength = domain.LengthLong
	} else if len(text) < 40 && p.InteractionCount > 5 && p.PreferredLength == domain.LengthMedium {
		p.PreferredLength = domain.LengthShort
	}
	return snapshotProfile(p)
}

// loadHistory reads recent entries, drops those past the age limit, and when
// the rest still exceeds the cap keeps the most recent half plus the
// highest-importance quarter of the remainder.
func (b *Builder) loadHistory(ctx context.Context, chatID string) ([]domain.HistoryEntry, error) {
	if b.store == nil {
		return nil, nil
	}

	entries, err := b.store.GetEntries(ctx, chatID, b.cfg.MaxHistory*historyFetchMultiplier)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}

	if b.cfg.MaxHistoryAgeHrs > 0 {
		cutoff := time.Now().Add(-time.Duration(b.cfg.MaxHistoryAgeHrs) * time.Hour)
		filtered := entries[:0]
		for _, e := range entries {
			if !e.Timestamp.Before(cutoff) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if len(entries) <= b.cfg.MaxHistory {
		return entries, nil
	}

	half := b.cfg.MaxHistory / 2
	recent := entries[len(entries)-half:]
	older := entries[:len(entries)-half]

	quarter := b.cfg.MaxHistory / 4
	important := topByImportance(older, quarter)

	merged := append(important, recent...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, nil
}

// compress trims history to the most recent ten plus up to ten
// high-importance older entries, attaching a textual summary of the dropped
// entries to the conversation state.
func (b *Builder) compress(conv *domain.ConversationState, history []domain.HistoryEntry) []domain.HistoryEntry {
	if len(history) <= compressRecentKeep {
		return history
	}

	recent := history[len(history)-compressRecentKeep:]
	older := history[:len(history)-compressRecentKeep]

	var important []domain.HistoryEntry
	for _, e := range older {
		if e.Importance >= compressImportanceMin && len(important) < compressImportantKeep {
			important = append(important, e)
		}
	}

	kept := make(map[string]struct{}, len(important))
	for _, e := range important {
		kept[e.MessageID] = struct{}{}
	}
	var dropped int
	var topics []string
	for _, e := range older {
		if _, ok := kept[e.MessageID]; ok {
			continue
		}
		dropped++
		if t := detectTopic(e.Content); t != "" && !contains(topics, t) {
			topics = append(topics, t)
		}
	}

	summary := fmt.Sprintf("%d earlier messages compressed", dropped)
	if len(topics) > 0 {
		summary += "; topics: " + strings.Join(topics, ", ")
	}
	conv.ContextSummary = summary
	b.mu.Lock()
	if live, ok := b.conversations[conv.ChatID]; ok {
		live.ContextSummary = summary
	}
	b.mu.Unlock()

	merged := append(important, recent...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// resolveWorkspace picks the workspace by explicit id, chat mapping, or an
// implicit workspace derived from the active topic, in that order. The
// caller holds b.mu.
func (b *Builder) resolveWorkspace(req domain.InboundRequest, conv *domain.ConversationState) *domain.WorkspaceContext {
	if req.WorkspaceID != "" {
		return &domain.WorkspaceContext{ID: req.WorkspaceID, Name: req.WorkspaceID, Source: "explicit"}
	}
	if id, ok := b.cfg.WorkspaceMappings[req.ChatID]; ok {
		return &domain.WorkspaceContext{ID: id, Name: id, Source: "mapped"}
	}
	if conv.ActiveTopic != "" {
		return &domain.WorkspaceContext{
			ID:     "topic:" + conv.ActiveTopic,
			Name:   conv.ActiveTopic,
			Source: "implicit",
		}
	}
	return nil
}

// EvictBefore drops conversations and profiles idle since the cutoff.
func (b *Builder) EvictBefore(cutoff time.Time) (conversations, profiles int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, conv := range b.conversations {
		if conv.LastActivity.Before(cutoff) {
			delete(b.conversations, id)
			conversations++
		}
	}
	for id, p := range b.profiles {
		if p.LastSeen.Before(cutoff) {
			delete(b.profiles, id)
			profiles++
		}
	}
	return conversations, profiles
}

func (b *Builder) Status() domain.ComponentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.ComponentStatus{
		"conversations": len(b.conversations),
		"profiles":      len(b.profiles),
		"builds":        b.builds,
		"fallbacks":     b.fallbacks,
	}
}

func (b *Builder) Shutdown(ctx context.Context) error { return nil }

// --- helpers ---

func extractText(req domain.InboundRequest) string {
	if req.Text != "" {
		return req.Text
	}
	if req.Media != nil && req.Media.Caption != "" {
		return req.Media.Caption
	}
	return ""
}

func estimateTokens(mc *domain.MessageContext) int {
	words := len(strings.Fields(mc.Text))
	for _, e := range mc.History {
		words += len(strings.Fields(e.Content))
	}
	tokens := int(float64(words) * tokensPerWord)
	if mc.Profile != nil {
		tokens += profileTokenOverhead
	}
	if mc.Workspace != nil {
		tokens += workspaceTokenOverhead
	}
	return tokens
}

func buildHints(p *domain.UserProfile, conv *domain.ConversationState, trust float64) domain.ProcessingHints {
	hints := domain.ProcessingHints{
		PreferredLength: domain.LengthMedium,
		Mode:            conv.Mode,
	}
	if p != nil {
		hints.PreferredLength = p.PreferredLength
		hints.Expertise = p.Expertise
	}
	switch {
	case trust < 0.3:
		hints.TrustBucket = "low"
	case trust < 0.7:
		hints.TrustBucket = "medium"
	default:
		hints.TrustBucket = "high"
	}
	return hints
}

func detectMode(text string) (domain.ConversationMode, bool) {
	lower := strings.ToLower(text)
	for mode, kws := range modeKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				return mode, true
			}
		}
	}
	return "", false
}

func detectTopic(text string) string {
	lower := strings.ToLower(text)
	for tag, kws := range expertiseKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				return tag
			}
		}
	}
	return ""
}

func matchTags(sets map[string][]string, lower string) []string {
	var tags []string
	for tag, kws := range sets {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				tags = append(tags, tag)
				break
			}
		}
	}
	return tags
}

func mergeTags(existing, found []string) []string {
	for _, t := range found {
		if !contains(existing, t) {
			existing = append(existing, t)
		}
	}
	return existing
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func topByImportance(entries []domain.HistoryEntry, n int) []domain.HistoryEntry {
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	sorted := make([]domain.HistoryEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Importance > sorted[j].Importance
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
