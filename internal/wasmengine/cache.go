package wasmengine

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// PreInstance is a compiled-once, ready-to-rehydrate policy module. It
// holds whatever state is expensive to build (module compilation,
// engine-specific pre-linking) but owns no per-evaluation state, so it is
// shared read-only across every concurrent evaluation of its policy.
//
// Adapters populate the Adapter field with their own ABI-specific
// pre-linked template (e.g. *wapc.StackPre); the cache itself is
// ABI-agnostic.
type PreInstance struct {
	ModuleBytes []byte
	Adapter     interface{}
}

// Cache is the Module Cache & Pre-Instance Store: a keyed, at-most-once
// concurrent builder of PreInstance values. Builds for the same key are
// deduplicated via singleflight so two concurrent registrations of the
// same policy compile the module exactly once.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*PreInstance
}

// NewCache returns an empty Module Cache & Pre-Instance Store.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*PreInstance)}
}

// Get returns the cached PreInstance for key, if any.
func (c *Cache) Get(key string) (*PreInstance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pre, ok := c.entries[key]
	return pre, ok
}

// GetOrBuild returns the cached PreInstance for key, building it with
// build if absent. Concurrent calls for the same key share a single build;
// the build is not retried automatically on failure, mirroring
// singleflight's default "share the result, including errors" semantics.
func (c *Cache) GetOrBuild(key string, build func() (*PreInstance, error)) (*PreInstance, error) {
	if pre, ok := c.Get(key); ok {
		return pre, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if pre, ok := c.Get(key); ok {
			return pre, nil
		}

		pre, err := build()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot build pre-instance for %q", key)
		}

		c.mu.Lock()
		c.entries[key] = pre
		c.mu.Unlock()

		return pre, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*PreInstance), nil
}

// Evict drops key from the cache, e.g. when a policy is unregistered.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
