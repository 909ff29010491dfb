package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache implements core.CacheRepository in process. Expired entries are dropped lazily.
type Cache struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]cacheEntry
}

// NewCache creates an empty cache. A nil clock uses the system clock.
func NewCache(clock Clock) *Cache {
	if clock == nil {
		clock = systemClock{}
	}
	return &Cache{clock: clock, entries: make(map[string]cacheEntry)}
}

// Set stores a value. A TTL of 0 never expires.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Get returns nil without error when the key is missing or expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	return slices.Clone(e.value), nil
}

// Delete removes a key and reports whether it existed.
func (c *Cache) Delete(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

// Health always succeeds.
func (c *Cache) Health(context.Context) error { return nil }
