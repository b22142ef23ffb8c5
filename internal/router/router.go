package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

var (
	questionRe = regexp.MustCompile(`(?i)^(who|what|when|where|why|how|which|can|could|should|would|is|are|do|does)\b`)
	codeRe     = regexp.MustCompile("(?m)```|\\b(func|def|class|struct|import|SELECT)\\b|[{};]\\s*$")
	urlRe      = regexp.MustCompile(`https?://[^\s]+`)
)

var technicalKeywords = []string{
	"error", "bug", "stack", "compile", "deploy", "server", "database", "api",
	"function", "config", "docker", "kubernetes", "query", "exception", "latency",
}

var creativeKeywords = []string{
	"story", "poem", "imagine", "brainstorm", "lyrics", "fiction", "creative", "design a",
}

var urgencyKeywords = []string{"urgent", "asap", "immediately", "right now", "critical", "emergency"}

var positiveWords = []string{"thanks", "great", "love", "awesome", "perfect", "nice"}
var negativeWords = []string{"broken", "hate", "terrible", "awful", "angry", "worst"}

// typeStrategy is the static type -> routing strategy lookup, independent of
// priority.
var typeStrategy = map[domain.MessageType]domain.RouteStrategy{
	domain.TypeCommand:   domain.RouteDirect,
	domain.TypeQuestion:  domain.RouteParallel,
	domain.TypeTechnical: domain.RouteParallel,
	domain.TypeCode:      domain.RouteSequential,
	domain.TypeCreative:  domain.RouteDirect,
	domain.TypeCasual:    domain.RouteDirect,
	domain.TypePhoto:     domain.RouteSequential,
	domain.TypeDocument:  domain.RouteSequential,
	domain.TypeAudio:     domain.RouteSequential,
	domain.TypeVideo:     domain.RouteSequential,
	domain.TypeVoice:     domain.RouteSequential,
	domain.TypeReply:     domain.RouteDirect,
	domain.TypeForward:   domain.RouteDirect,
	domain.TypeUnknown:   domain.RouteDirect,
}

type handlerEntry struct {
	primary   string
	secondary []string
}

var typeHandlers = map[domain.MessageType]handlerEntry{
	domain.TypeCommand:   {primary: "command_handler"},
	domain.TypeQuestion:  {primary: "qa_agent", secondary: []string{"research_agent"}},
	domain.TypeTechnical: {primary: "technical_agent", secondary: []string{"code_analysis"}},
	domain.TypeCode:      {primary: "code_agent", secondary: []string{"code_analysis"}},
	domain.TypeCreative:  {primary: "creative_agent"},
	domain.TypeCasual:    {primary: "general_agent"},
	domain.TypePhoto:     {primary: "vision_agent", secondary: []string{"image_analysis"}},
	domain.TypeDocument:  {primary: "document_agent"},
	domain.TypeAudio:     {primary: "audio_agent", secondary: []string{"transcription"}},
	domain.TypeVideo:     {primary: "video_agent"},
	domain.TypeVoice:     {primary: "audio_agent", secondary: []string{"transcription"}},
	domain.TypeReply:     {primary: "general_agent"},
	domain.TypeForward:   {primary: "general_agent"},
	domain.TypeUnknown:   {primary: "general_agent"},
}

// baseProcessingTime is the static per-type base estimate.
var baseProcessingTime = map[domain.MessageType]time.Duration{
	domain.TypeCommand:   500 * time.Millisecond,
	domain.TypeQuestion:  2 * time.Second,
	domain.TypeTechnical: 4 * time.Second,
	domain.TypeCode:      5 * time.Second,
	domain.TypeCreative:  4 * time.Second,
	domain.TypeCasual:    time.Second,
	domain.TypePhoto:     6 * time.Second,
	domain.TypeDocument:  5 * time.Second,
	domain.TypeAudio:     8 * time.Second,
	domain.TypeVideo:     10 * time.Second,
	domain.TypeVoice:     8 * time.Second,
	domain.TypeReply:     time.Second,
	domain.TypeForward:   time.Second,
	domain.TypeUnknown:   2 * time.Second,
}

// textFeatures are the content signals extracted from message text.
type textFeatures struct {
	isQuestion       bool
	isCommand        bool
	hasCode          bool
	hasURL           bool
	technicalDensity float64
	creativeDensity  float64
	sentiment        float64 // -1..1
	urgency          int
	length           int
}

type contextFeatures struct {
	isReply      bool
	isForward    bool
	hasWorkspace bool
}

// Router classifies inbound messages into type, priority, and routing
// strategy from content features. Classification never fails: internal
// errors degrade to an unknown/low-confidence result.
type Router struct {
	cfg    config.RoutingConfig
	logger *slog.Logger

	mu     sync.Mutex
	routed int64
	byType map[domain.MessageType]int64
}

func New(cfg config.RoutingConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		logger: logger,
		byType: make(map[domain.MessageType]int64),
	}
}

// Route classifies one message. The media descriptor, when present, takes
// precedence over text classification.
func (r *Router) Route(req domain.InboundRequest, mc *domain.MessageContext) (res *domain.RouteResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("routing panicked, degrading to unknown", "panic", rec)
			res = r.fallback()
		}
		r.record(res.Type)
	}()

	text := req.Text
	if mc != nil && text == "" {
		text = mc.Text
	}

	tf := extractTextFeatures(text)
	cf := contextFeatures{
		isReply:      req.Reply != nil,
		isForward:    req.Forward != nil,
		hasWorkspace: mc != nil && mc.Workspace != nil,
	}

	msgType, confidence := classify(tf, cf, req.Media, text)

	res = &domain.RouteResult{
		Type:            msgType,
		Confidence:      confidence,
		Priority:        assignPriority(msgType, tf.urgency),
		Strategy:        typeStrategy[msgType],
		EstimatedTime:   estimateProcessing(msgType, tf),
		SpecialHandling: msgType == domain.TypeCode || tf.urgency > 0 || cf.hasWorkspace,
	}

	entry := typeHandlers[msgType]
	res.PrimaryHandler = entry.primary
	res.SecondaryHandlers = append([]string(nil), entry.secondary...)
	if tf.hasCode && !containsStr(res.SecondaryHandlers, "code_analysis") {
		res.SecondaryHandlers = append(res.SecondaryHandlers, "code_analysis")
	}
	if tf.hasURL && !containsStr(res.SecondaryHandlers, "web_content") {
		res.SecondaryHandlers = append(res.SecondaryHandlers, "web_content")
	}

	r.logger.Debug("message routed",
		"type", msgType,
		"confidence", confidence,
		"priority", res.Priority,
		"strategy", res.Strategy,
	)
	return res
}

// classify is a deterministic priority-ordered decision list: media sub-kind
// first, then command > question > technical/code > creative > casual, then
// reply/forward/unknown.
func classify(tf textFeatures, cf contextFeatures, media *domain.MediaInfo, text string) (domain.MessageType, float64) {
	if media != nil {
		switch mediaKind(media) {
		case "photo":
			return domain.TypePhoto, 0.9
		case "document":
			return domain.TypeDocument, 0.9
		case "audio":
			return domain.TypeAudio, 0.9
		case "video":
			return domain.TypeVideo, 0.9
		case "voice":
			return domain.TypeVoice, 0.9
		}
	}

	if text != "" {
		switch {
		case tf.isCommand:
			return domain.TypeCommand, 0.95
		case tf.isQuestion:
			return domain.TypeQuestion, 0.8
		case tf.hasCode:
			return domain.TypeCode, 0.85
		case tf.technicalDensity >= 0.08:
			return domain.TypeTechnical, 0.7
		case tf.creativeDensity >= 0.08:
			return domain.TypeCreative, 0.7
		default:
			return domain.TypeCasual, 0.6
		}
	}

	switch {
	case cf.isReply:
		return domain.TypeReply, 0.5
	case cf.isForward:
		return domain.TypeForward, 0.5
	default:
		return domain.TypeUnknown, 0.2
	}
}

// assignPriority keys off the resolved type, bumped one level when urgency
// keywords are present.
func assignPriority(t domain.MessageType, urgency int) domain.Priority {
	var p domain.Priority
	switch t {
	case domain.TypeCommand:
		p = domain.PriorityHigh
	case domain.TypeTechnical, domain.TypeCode:
		p = domain.PriorityHigh
	case domain.TypeQuestion, domain.TypePhoto, domain.TypeDocument,
		domain.TypeAudio, domain.TypeVideo, domain.TypeVoice:
		p = domain.PriorityNormal
	default:
		p = domain.PriorityLow
	}

	if urgency > 0 {
		switch p {
		case domain.PriorityLow:
			p = domain.PriorityNormal
		case domain.PriorityNormal:
			p = domain.PriorityHigh
		case domain.PriorityHigh:
			p = domain.PriorityUrgent
		}
	}
	return p
}

// estimateProcessing scales the static per-type base time by a capped length
// factor and the technical keyword density.
func estimateProcessing(t domain.MessageType, tf textFeatures) time.Duration {
	base := baseProcessingTime[t]
	lengthFactor := 1.0 + minF(float64(tf.length)/1000.0, 2.0)
	techFactor := 1.0 + tf.technicalDensity
	return time.Duration(float64(base) * lengthFactor * techFactor)
}

func (r *Router) fallback() *domain.RouteResult {
	return &domain.RouteResult{
		Type:           domain.TypeUnknown,
		Confidence:     0.1,
		Priority:       domain.PriorityLow,
		Strategy:       domain.RouteDirect,
		PrimaryHandler: "general_agent",
		EstimatedTime:  baseProcessingTime[domain.TypeUnknown],
	}
}

func (r *Router) record(t domain.MessageType) {
	r.mu.Lock()
	r.routed++
	r.byType[t]++
	r.mu.Unlock()
}

func (r *Router) Status() domain.ComponentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType := make(map[string]int64, len(r.byType))
	for t, n := range r.byType {
		byType[string(t)] = n
	}
	return domain.ComponentStatus{
		"routed":  r.routed,
		"by_type": byType,
	}
}

func (r *Router) Shutdown(ctx context.Context) error { return nil }

func extractTextFeatures(text string) textFeatures {
	if text == "" {
		return textFeatures{}
	}

	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	tf := textFeatures{
		isCommand:  strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!"),
		isQuestion: strings.Contains(text, "?") || questionRe.MatchString(strings.TrimSpace(text)),
		hasCode:    codeRe.MatchString(text),
		hasURL:     urlRe.MatchString(text),
		length:     len(text),
	}

	if len(words) > 0 {
		tf.technicalDensity = keywordDensity(lower, words, technicalKeywords)
		tf.creativeDensity = keywordDensity(lower, words, creativeKeywords)
	}
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			tf.urgency++
		}
	}

	pos, neg := 0, 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	if pos+neg > 0 {
		tf.sentiment = float64(pos-neg) / float64(pos+neg)
	}
	return tf
}

func keywordDensity(lower string, words []string, keywords []string) float64 {
	hits := 0
	for _, kw := range keywords {
		hits += strings.Count(lower, kw)
	}
	return float64(hits) / float64(len(words))
}

func mediaKind(m *domain.MediaInfo) string {
	if m.Kind != "" {
		return m.Kind
	}
	switch {
	case strings.HasPrefix(m.MimeType, "image/"):
		return "photo"
	case strings.HasPrefix(m.MimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(m.MimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
