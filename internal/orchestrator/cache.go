package orchestrator

import (
	"sync"

	"relaybot/internal/metrics"
)

// routeCache remembers which primary agent handled a given message shape so
// repeated shapes skip re-selection. It is bounded: once the map grows past
// its cap the oldest entries are dropped in a fixed-size batch rather than
// one at a time.
type routeCache struct {
	mu    sync.Mutex
	cap   int
	items map[string]string
	order []string
}

func newRouteCache(capacity int) *routeCache {
	return &routeCache{
		cap:   capacity,
		items: make(map[string]string, capacity),
	}
}

func (c *routeCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *routeCache) put(key, agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = agent
	defer func() { metrics.RoutingCacheSize.Set(int64(len(c.items))) }()
	if len(c.items) <= c.cap {
		return
	}
	batch := c.cap / 10
	if batch < 1 {
		batch = 1
	}
	for _, old := range c.order[:batch] {
		delete(c.items, old)
	}
	c.order = c.order[batch:]
}

func (c *routeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
