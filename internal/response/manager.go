package response

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

// safetyMargin keeps every chunk comfortably under the transport limit even
// after the delivery layer adds its own framing.
const safetyMargin = 64

// technicalTools are the tools whose presence forces structured formatting.
var technicalTools = map[string]bool{
	"code_execution":   true,
	"code_analysis":    true,
	"image_analysis":   true,
	"image_generation": true,
}

// Manager converts aggregated agent results into ordered, delivery-ready
// response units. Formatting failures degrade to an apology response, never
// an error.
type Manager struct {
	cfg    config.ResponseConfig
	logger *slog.Logger

	sem   chan struct{} // formatting concurrency bound
	cache *chainCache

	mu        sync.Mutex
	formatted int64
	fallbacks int64
}

func New(cfg config.ResponseConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 200
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		cache:  newChainCache(cfg.CacheSize),
	}
}

// Format produces the ordered response chain for one agent result.
func (m *Manager) Format(result *domain.AgentResult, mc *domain.MessageContext, chatID, replyTo string) (responses []domain.FormattedResponse) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("formatting panicked, using apology fallback", "panic", r)
			responses = m.apology(chatID, replyTo, fmt.Sprintf("formatting failure: %v", r))
		}
	}()

	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	m.mu.Lock()
	m.formatted++
	m.mu.Unlock()

	if result == nil || (result.Primary == "" && len(result.Supplementary) == 0) {
		return m.apology(chatID, replyTo, "empty agent result")
	}

	key := cacheKey(result)
	if chain, ok := m.cache.get(key); ok {
		for i := range chain {
			chain[i].ChatID = chatID
			chain[i].ReplyTo = replyTo
		}
		return chain
	}

	format := chooseFormat(result)
	limit := m.cfg.MaxMessageLength - safetyMargin

	chain := m.formatPrimary(result, mc, format, limit)
	chain = append(chain, m.formatSupplementary(result, mc, format, limit)...)
	chain = append(chain, m.formatToolOutputs(result)...)

	// Stable order: delivery mode first, split index second.
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Delivery != chain[j].Delivery {
			return chain[i].Delivery.Rank() < chain[j].Delivery.Rank()
		}
		return chain[i].PartIndex < chain[j].PartIndex
	})

	m.cache.put(key, chain)

	for i := range chain {
		chain[i].ChatID = chatID
		chain[i].ReplyTo = replyTo
	}
	return chain
}

func (m *Manager) formatPrimary(result *domain.AgentResult, mc *domain.MessageContext, format domain.ResponseFormat, limit int) []domain.FormattedResponse {
	if result.Primary == "" {
		return nil
	}
	text := m.enhance(result.Primary, format, mc)

	hint := hintPlain
	if format == domain.FormatMarkdown {
		hint = hintMarkdown
	}
	parts := splitContent(text, limit, chooseSplitStrategy(text, hint))

	out := make([]domain.FormattedResponse, 0, len(parts))
	for i, part := range parts {
		fr := domain.FormattedResponse{
			Text:          part,
			Format:        format,
			Delivery:      domain.DeliverImmediate,
			Readability:   readability(part),
			FormatQuality: formatQuality(part),
			Metadata:      map[string]string{"source": "primary"},
		}
		if len(result.ToolsUsed) > 0 {
			fr.Metadata["tools"] = strings.Join(result.ToolsUsed, ",")
		}
		if len(parts) > 1 {
			fr.PartIndex = i + 1
			fr.PartTotal = len(parts)
			fr.Continued = i < len(parts)-1
		}
		out = append(out, fr)
	}
	return out
}

// formatSupplementary renders parallel-agent contributions with an
// attribution line, batched behind the primary chain.
func (m *Manager) formatSupplementary(result *domain.AgentResult, mc *domain.MessageContext, format domain.ResponseFormat, limit int) []domain.FormattedResponse {
	if len(result.Supplementary) == 0 {
		return nil
	}
	agents := make([]string, 0, len(result.Supplementary))
	for a := range result.Supplementary {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	var out []domain.FormattedResponse
	for _, agent := range agents {
		text := "From the " + agent + " agent:\n\n" + m.enhance(result.Supplementary[agent], format, mc)
		parts := splitContent(text, limit, chooseSplitStrategy(text, hintPlain))
		for i, part := range parts {
			fr := domain.FormattedResponse{
				Text:          part,
				Format:        format,
				Delivery:      domain.DeliverBatched,
				Readability:   readability(part),
				FormatQuality: formatQuality(part),
				Metadata:      map[string]string{"source": "supplementary", "agent": agent},
			}
			if len(parts) > 1 {
				fr.PartIndex = i + 1
				fr.PartTotal = len(parts)
				fr.Continued = i < len(parts)-1
			}
			out = append(out, fr)
		}
	}
	return out
}

// formatToolOutputs turns tool artifacts into media attachments or
// structured blocks.
func (m *Manager) formatToolOutputs(result *domain.AgentResult) []domain.FormattedResponse {
	var out []domain.FormattedResponse
	for _, to := range result.ToolOutputs {
		switch to.Kind {
		case "image":
			out = append(out, domain.FormattedResponse{
				Format:   domain.FormatStructured,
				Delivery: domain.DeliverBatched,
				Media: []domain.MediaAttachment{{
					Kind:    "photo",
					URL:     to.URL,
					Path:    to.Content,
					Caption: "Generated by " + to.Tool,
				}},
				Metadata: map[string]string{"source": "tool", "tool": to.Tool},
			})
		case "file":
			out = append(out, domain.FormattedResponse{
				Format:   domain.FormatStructured,
				Delivery: domain.DeliverBatched,
				Media: []domain.MediaAttachment{{
					Kind: "document",
					URL:  to.URL,
					Path: to.Content,
				}},
				Metadata: map[string]string{"source": "tool", "tool": to.Tool},
			})
		default:
			if to.Content == "" {
				continue
			}
			out = append(out, domain.FormattedResponse{
				Text:     "Output from " + to.Tool + ":\n```text\n" + to.Content + "\n```",
				Format:   domain.FormatStructured,
				Delivery: domain.DeliverBatched,
				Metadata: map[string]string{"source": "tool", "tool": to.Tool},
			})
		}
	}
	return out
}

func (m *Manager) apology(chatID, replyTo, reason string) []domain.FormattedResponse {
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
	return []domain.FormattedResponse{{
		Text:     "Sorry, something went wrong while preparing this response. Please try again.",
		Format:   domain.FormatPlain,
		ChatID:   chatID,
		ReplyTo:  replyTo,
		Delivery: domain.DeliverImmediate,
		Metadata: map[string]string{"error": reason},
	}}
}

// chooseFormat inspects the result for tool usage, code fences, and length.
func chooseFormat(result *domain.AgentResult) domain.ResponseFormat {
	for _, t := range result.ToolsUsed {
		if technicalTools[t] {
			return domain.FormatStructured
		}
	}
	if strings.Contains(result.Primary, "```") {
		return domain.FormatCode
	}
	if len(result.Primary) > 400 || strings.Contains(result.Primary, "**") || strings.Contains(result.Primary, "\n- ") {
		return domain.FormatMarkdown
	}
	return domain.FormatPlain
}

// readability is a crude inverse of average sentence length.
func readability(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	sentences := strings.Count(text, ". ") + strings.Count(text, "! ") + strings.Count(text, "? ") + 1
	avg := float64(words) / float64(sentences)
	score := 1.2 - avg/40.0
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// formatQuality penalizes unbalanced fences and leftover blank-line runs.
func formatQuality(text string) float64 {
	score := 1.0
	if strings.Count(text, "```")%2 != 0 {
		score -= 0.4
	}
	if strings.Contains(text, "\n\n\n") {
		score -= 0.2
	}
	if score < 0 {
		return 0
	}
	return score
}

func (m *Manager) Status() domain.ComponentStatus {
	m.mu.Lock()
	formatted, fallbacks := m.formatted, m.fallbacks
	m.mu.Unlock()
	hits, misses := m.cache.stats()
	return domain.ComponentStatus{
		"formatted":    formatted,
		"fallbacks":    fallbacks,
		"cache_size":   m.cache.len(),
		"cache_hits":   hits,
		"cache_misses": misses,
	}
}

func (m *Manager) Shutdown(ctx context.Context) error { return nil }
