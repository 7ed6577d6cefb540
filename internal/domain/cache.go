package domain

import (
	"context"
	"time"
)

// Cache holds short-lived derived facts, such as velocity counts, keyed by namespace.
// A miss is reported as (nil, nil), never as an error.
type Cache interface {
	Get(ctx context.Context, namespace string, key string) ([]byte, error)
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace string, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache.
type CacheConfig struct {
	Type string // "memory" or "redis"

	// In-process LRU, also the L1 of the two-phase cache.
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// With Redis selected, read through the local LRU first.
	EnableTwoPhase bool
}
