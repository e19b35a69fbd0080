package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// Cache is an in-memory TTL cache. A background sweeper drops expired
// entries; Get never returns one even before the sweep reaches it.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	defaultTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewCache starts a cache whose sweeper runs at half the default TTL.
// Call Stop when done with it.
func NewCache(defaultTTL time.Duration) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	go c.sweep(defaultTTL / 2)
	return c
}

// Get returns the live value for key, if any.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired() {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the default.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Invalidate drops entries whose key starts with prefix. An empty prefix
// drops only expired entries.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if prefix == "" {
			if e.expired() {
				delete(c.entries, key)
			}
			continue
		}
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// Size counts live entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		if !e.expired() {
			n++
		}
	}
	return n
}

// Stop terminates the sweeper. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stop:
			return
		}
	}
}

// CacheWithFallback answers reads from the cache and fills misses from a
// loader function, caching what the loader returns.
type CacheWithFallback struct {
	cache *Cache
}

func NewCacheWithFallback(defaultTTL time.Duration) *CacheWithFallback {
	return &CacheWithFallback{cache: NewCache(defaultTTL)}
}

// GetOrSet returns the cached value for key or runs fallback to produce
// one. Loader errors are returned without caching, so the next call tries
// again.
func (c *CacheWithFallback) GetOrSet(ctx context.Context, key string, fallback func(context.Context) (interface{}, error), ttl time.Duration) (interface{}, error) {
	if value, ok := c.cache.Get(key); ok {
		return value, nil
	}

	value, err := fallback(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, value, ttl)
	return value, nil
}

// Invalidate drops cached entries whose key starts with prefix.
func (c *CacheWithFallback) Invalidate(prefix string) {
	c.cache.Invalidate(prefix)
}

// Stop terminates the underlying cache sweeper.
func (c *CacheWithFallback) Stop() {
	c.cache.Stop()
}
