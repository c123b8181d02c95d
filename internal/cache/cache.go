// Package cache holds recently validated license records so repeat
// validations skip the database read. Only admissible records are cached;
// denials always re-read. Entries are keyed by the SHA-256 hash of the
// license key so raw keys never appear in cache storage.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"keygate/internal/store"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	// DefaultTTL bounds how stale a cached record may be. Revocation does
	// not wait for it; revoke invalidates synchronously.
	DefaultTTL = 5 * time.Minute

	DefaultMaxSize = 10000
)

// Cache is the license record cache. Get returns a copy the caller may
// hold; Invalidate must be synchronous so a revocation is visible to the
// next validation.
type Cache interface {
	Get(ctx context.Context, keyHash string) (*store.License, bool)
	Set(ctx context.Context, keyHash string, lic *store.License)
	Invalidate(ctx context.Context, keyHash string) error
	Sweep(ctx context.Context) int
	Stats() Stats
	Close() error
}

// Stats is the operational snapshot exposed on the health endpoint.
// Entries is -1 when the backend cannot count them.
type Stats struct {
	Backend  string  `json:"backend"`
	Entries  int     `json:"entries"`
	MaxSize  int     `json:"max_size,omitempty"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// Options selects and sizes a cache backend.
type Options struct {
	Backend       string
	TTL           time.Duration
	MaxSize       int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New builds the configured backend. The redis backend is verified
// reachable before it is returned so a bad address fails at startup, not
// on the first validation.
func New(opts Options, logger *slog.Logger) (Cache, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(ttl, maxSize), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis cache unreachable at %s: %w", opts.RedisAddr, err)
		}
		return NewRedis(client, ttl, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
