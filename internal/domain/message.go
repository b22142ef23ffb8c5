package domain

import "time"

// InboundRequest is one raw inbound chat message as handed to the pipeline
// by a channel. Exactly one ProcessingResult is produced per request.
type InboundRequest struct {
	MessageID   string
	Channel     string
	ChatID      string
	UserID      string
	UserName    string
	Text        string
	Media       *MediaInfo
	Reply       *ReplyInfo
	Forward     *ForwardInfo
	WorkspaceID string // optional explicit workspace override
	Timestamp   time.Time
}

// MediaInfo describes an attachment on an inbound message.
type MediaInfo struct {
	Kind      string `json:"kind"` // photo | document | audio | video | voice
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// ReplyInfo describes the message an inbound message replies to.
type ReplyInfo struct {
	MessageID string
	UserID    string
	Text      string
}

// ForwardInfo describes the origin of a forwarded message.
type ForwardInfo struct {
	FromChatID string
	FromUserID string
	FromName   string
}

// HistoryEntry is one stored conversation turn, as read from the history store.
type HistoryEntry struct {
	Role       string            `json:"role"` // user | assistant
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	MessageID  string            `json:"message_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Importance float64           `json:"importance"` // 0..1, assigned by the producer
	Metadata   map[string]string `json:"metadata,omitempty"`
}
