package domain

import "context"

// HistoryStore persists conversation turns keyed by chat id. Implementations
// may be in-memory or durable.
type HistoryStore interface {
	AppendEntry(ctx context.Context, chatID string, entry HistoryEntry) error
	GetEntries(ctx context.Context, chatID string, limit int) ([]HistoryEntry, error)
	Close() error
}
