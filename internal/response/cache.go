package response

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// maxCachedParts bounds which chains are worth caching. Very long chains are
// rare and cheap to rebuild relative to their memory cost.
const maxCachedParts = 5

type cacheEntry struct {
	parts    []domain.FormattedResponse
	lastUsed time.Time
}

// chainCache remembers formatted output chains keyed by the shape of the
// agent result. When the capacity is exceeded the least-recently-accessed
// entry is dropped.
type chainCache struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*cacheEntry
	hits    int64
	misses  int64
}

func newChainCache(capacity int) *chainCache {
	return &chainCache{
		cap:     capacity,
		entries: make(map[string]*cacheEntry, capacity),
	}
}

// cacheKey hashes the agent names, the first 100 characters of the primary
// response, and the sorted tool list.
func cacheKey(result *domain.AgentResult) string {
	agents := make([]string, 0, len(result.AgentTimes))
	for a := range result.AgentTimes {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	tools := append([]string(nil), result.ToolsUsed...)
	sort.Strings(tools)

	// Back up off a multi-byte character straddling the cutoff so the key
	// input stays valid UTF-8.
	prefix := result.Primary
	if len(prefix) > 100 {
		n := 100
		for n > 0 && !utf8.RuneStart(prefix[n]) {
			n--
		}
		prefix = prefix[:n]
	}

	h := sha256.Sum256([]byte(strings.Join(agents, ",") + "\x00" + prefix + "\x00" + strings.Join(tools, ",")))
	return hex.EncodeToString(h[:16])
}

func (c *chainCache) get(key string) ([]domain.FormattedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.lastUsed = time.Now()
	parts := make([]domain.FormattedResponse, len(e.parts))
	copy(parts, e.parts)
	return parts, true
}

func (c *chainCache) put(key string, parts []domain.FormattedResponse) {
	if len(parts) == 0 || len(parts) > maxCachedParts {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]domain.FormattedResponse, len(parts))
	copy(stored, parts)
	c.entries[key] = &cacheEntry{parts: stored, lastUsed: time.Now()}

	for len(c.entries) > c.cap {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey = k
				oldest = e.lastUsed
			}
		}
		delete(c.entries, oldestKey)
	}
	metrics.ResponseCacheSize.Set(int64(len(c.entries)))
}

func (c *chainCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *chainCache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
