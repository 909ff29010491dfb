// Package core defines the ports of the dispatch engine and the small services
// that sit directly on top of them.
package core

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// CacheRepository defines the interface for caching operations.
// The core defines it and the data layer provides the Redis implementation.
type CacheRepository interface {
	// Set stores a value with the given TTL. A TTL of 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns nil when the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	Health(ctx context.Context) error
}

// BestHourLookup resolves the hour of day (0-23, UTC) at which a recipient
// historically engages with a notification type. A nil hour means no history.
type BestHourLookup interface {
	BestHour(ctx context.Context, recipientID, notificationType string) (*int, error)
}

// BestHourCacheConfig holds configuration for best-hour caching.
type BestHourCacheConfig struct {
	TTL time.Duration `json:"ttl"`
}

// DefaultBestHourCacheConfig returns a BestHourCacheConfig with sensible defaults.
func DefaultBestHourCacheConfig() BestHourCacheConfig {
	return BestHourCacheConfig{TTL: 6 * time.Hour}
}

// CachedBestHourLookupOptions bundles dependencies for NewCachedBestHourLookup.
type CachedBestHourLookupOptions struct {
	Cache  CacheRepository
	Source BestHourLookup
	Config BestHourCacheConfig
	Logger *slog.Logger
}

// CachedBestHourLookup fronts a BestHourLookup with a cache. Misses without
// history are cached too so repeated enqueues skip the history query.
type CachedBestHourLookup struct {
	cache  CacheRepository
	source BestHourLookup
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedBestHourLookup creates a new CachedBestHourLookup.
func NewCachedBestHourLookup(opts CachedBestHourLookupOptions) *CachedBestHourLookup {
	ttl := opts.Config.TTL
	if ttl <= 0 {
		ttl = DefaultBestHourCacheConfig().TTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedBestHourLookup{cache: opts.Cache, source: opts.Source, ttl: ttl, logger: logger}
}

const noHistory = "none"

// BestHour implements BestHourLookup.
func (c *CachedBestHourLookup) BestHour(ctx context.Context, recipientID, notificationType string) (*int, error) {
	key := bestHourKey(recipientID, notificationType)

	cached, err := c.cache.Get(ctx, key)
	if err != nil {
		// A cache outage degrades to the source of truth.
		c.logger.WarnContext(ctx, "best hour cache read failed", "key", key, "error", err)
	} else if len(cached) > 0 {
		if hour, ok := decodeHour(cached); ok {
			return hour, nil
		}
	}

	hour, err := c.source.BestHour(ctx, recipientID, notificationType)
	if err != nil {
		return nil, err
	}

	value := []byte(noHistory)
	if hour != nil {
		value = []byte(strconv.Itoa(*hour))
	}
	if err := c.cache.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "best hour cache write failed", "key", key, "error", err)
	}
	return hour, nil
}

// Invalidate drops the cached value, typically after new engagement was recorded.
func (c *CachedBestHourLookup) Invalidate(ctx context.Context, recipientID, notificationType string) error {
	_, err := c.cache.Delete(ctx, bestHourKey(recipientID, notificationType))
	return err
}

func decodeHour(b []byte) (*int, bool) {
	if string(b) == noHistory {
		return nil, true
	}
	h, err := strconv.Atoi(string(b))
	if err != nil || h < 0 || h > 23 {
		return nil, false
	}
	return &h, true
}

func bestHourKey(recipientID, notificationType string) string {
	return "besthour:" + notificationType + ":" + recipientID
}
