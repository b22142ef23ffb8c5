package domain

import "time"

// MessageType is the classified kind of an inbound message.
type MessageType string

const (
	TypeCommand   MessageType = "command"
	TypeQuestion  MessageType = "question"
	TypeTechnical MessageType = "technical"
	TypeCode      MessageType = "code"
	TypeCreative  MessageType = "creative"
	TypeCasual    MessageType = "casual"
	TypePhoto     MessageType = "photo"
	TypeDocument  MessageType = "document"
	TypeAudio     MessageType = "audio"
	TypeVideo     MessageType = "video"
	TypeVoice     MessageType = "voice"
	TypeReply     MessageType = "reply"
	TypeForward   MessageType = "forward"
	TypeUnknown   MessageType = "unknown"
)

// Priority orders messages for processing.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// RouteStrategy is the execution shape the router recommends.
type RouteStrategy string

const (
	RouteDirect     RouteStrategy = "direct"
	RouteParallel   RouteStrategy = "parallel"
	RouteSequential RouteStrategy = "sequential"
)

// RouteResult is the outcome of message classification. Immutable.
type RouteResult struct {
	Type              MessageType
	Confidence        float64 // 0..1
	Priority          Priority
	Strategy          RouteStrategy
	PrimaryHandler    string
	SecondaryHandlers []string
	EstimatedTime     time.Duration
	SpecialHandling   bool
}
