// Package cache provides a small key-value cache with TTL, used for
// read-mostly lookups such as parsed user-agent fingerprints. Callers must
// treat the cache as best-effort: a miss (including backend failure) is
// never an error.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a TTL key-value store for string-encoded values.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is the default in-process implementation.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{entries: make(map[string]memoryEntry)}
	go c.cleanup()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) cleanup() {
	tick := time.NewTicker(time.Minute)
	for range tick.C {
		now := time.Now()
		c.mu.Lock()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	}
}
