package domain

import (
	"context"
	"time"
)

// Cache is the result-cache interface. Implementations are expected to be
// safe for concurrent use. A cache failure must never fail a scoring call;
// callers treat errors as a miss.
type Cache interface {
	// Get retrieves a value. Returns nil, nil on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Ping checks cache health.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis".
	Type string

	// Local LRU cache settings.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local LRU before Redis.
	EnableTwoPhase bool
}
