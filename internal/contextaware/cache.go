package contextaware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFreshnessWindow is how long a cached Gatekeeper inventory tree is
// served before the next reader triggers a refresh.
const DefaultFreshnessWindow = 5 * time.Second

type cacheEntry struct {
	tree      map[string]interface{}
	fetchedAt time.Time
}

// InventoryCache holds one Gatekeeper inventory tree per distinct
// allow-list, process-wide, refreshed lazily on read once an entry is
// older than the freshness window. Concurrent readers of a stale entry
// collapse onto a single refresh via singleflight.
type InventoryCache struct {
	freshness time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group
}

// NewInventoryCache builds a cache with the given freshness window. A
// zero window disables caching: every Get always refreshes.
func NewInventoryCache(freshness time.Duration) *InventoryCache {
	return &InventoryCache{
		freshness: freshness,
		entries:   make(map[string]cacheEntry),
	}
}

// Get returns the inventory tree for the allow-list key, serving a cached
// tree if it is still fresh and otherwise refreshing via provider.
func (c *InventoryCache) Get(ctx context.Context, key string, provider *Provider) (map[string]interface{}, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.freshness {
		return entry.tree, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		tree, err := provider.InventoryTree(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{tree: tree, fetchedAt: time.Now()}
		c.mu.Unlock()
		return tree, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

// Invalidate drops the cached entry for key, if any, forcing the next Get
// to refresh regardless of freshness.
func (c *InventoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
