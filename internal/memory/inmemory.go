package memory

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// maxEntriesPerChat caps the in-memory store so a chatty conversation cannot
// grow without bound.
const maxEntriesPerChat = 500

// InMemoryStore is a process-local domain.HistoryStore, used when
// persistence is disabled and throughout the tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]domain.HistoryEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]domain.HistoryEntry)}
}

func (s *InMemoryStore) AppendEntry(ctx context.Context, chatID string, entry domain.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[chatID], entry)
	if len(list) > maxEntriesPerChat {
		list = list[len(list)-maxEntriesPerChat:]
	}
	s.entries[chatID] = list
	return nil
}

func (s *InMemoryStore) GetEntries(ctx context.Context, chatID string, limit int) ([]domain.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[chatID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]domain.HistoryEntry, len(list))
	copy(out, list)
	return out, nil
}

// DeleteBefore removes entries older than cutoff across all chats.
func (s *InMemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for chatID, list := range s.entries {
		kept := list[:0]
		for _, e := range list {
			if e.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.entries, chatID)
		} else {
			s.entries[chatID] = kept
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error { return nil }
