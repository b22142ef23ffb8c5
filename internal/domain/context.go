package domain

import "time"

// ConversationMode is the inferred tone of a conversation.
type ConversationMode string

const (
	ModeCasual    ConversationMode = "casual"
	ModeTechnical ConversationMode = "technical"
	ModeCreative  ConversationMode = "creative"
	ModeSupport   ConversationMode = "support"
)

// ResponseLength is a user's preferred response size.
type ResponseLength string

const (
	LengthShort  ResponseLength = "short"
	LengthMedium ResponseLength = "medium"
	LengthLong   ResponseLength = "long"
)

// ConversationState is the per-chat aggregate maintained by the context
// builder. One instance per chat, created lazily, mutated only by its owner.
type ConversationState struct {
	ChatID         string
	Mode           ConversationMode
	ActiveTopic    string
	MessageCount   int
	Participants   map[string]struct{}
	LastActivity   time.Time
	WorkspaceID    string
	ContextSummary string // summary of history entries dropped by compression
}

// UserProfile is the per-user aggregate built up from heuristic content
// analysis. Created lazily on first message.
type UserProfile struct {
	UserID           string
	Expertise        []string
	Interests        []string
	PreferredMode    ConversationMode
	PreferredLength  ResponseLength
	InteractionCount int
	ViolationCount   int
	LastViolation    time.Time
	TrustScore       float64
	FirstSeen        time.Time
	LastSeen         time.Time
}

// WorkspaceContext associates a conversation with a workspace.
type WorkspaceContext struct {
	ID     string
	Name   string
	Source string // explicit | mapped | implicit
}

// ProcessingHints carries personalization signals from the context builder
// to the response manager.
type ProcessingHints struct {
	PreferredLength ResponseLength
	Expertise       []string
	Mode            ConversationMode
	TrustBucket     string // low | medium | high
}

// MessageContext identifies one inbound message plus everything the later
// stages need to process it. Append-only during construction; read-only once
// the response stage begins.
type MessageContext struct {
	MessageID string
	ChatID    string
	UserID    string
	Timestamp time.Time

	Text    string
	Media   *MediaInfo
	Reply   *ReplyInfo
	Forward *ForwardInfo

	Conversation *ConversationState
	Profile      *UserProfile
	Workspace    *WorkspaceContext
	Security     *SecurityResult
	History      []HistoryEntry
	Hints        ProcessingHints

	TrustScore      float64
	EstimatedTokens int
	Compressed      bool

	// Minimal is set when context building failed and the context carries
	// only the raw text and ids.
	Minimal bool
}
