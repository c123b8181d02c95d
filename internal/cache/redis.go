package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"keygate/internal/store"
)

const redisKeyPrefix = "keygate:license:"

// Redis is the shared cache backend for multi-instance deployments, where
// an invalidation on one instance must be visible to all of them. Read and
// write failures degrade to cache misses; only Invalidate surfaces errors,
// because a revocation that cannot invalidate must not report success.
type Redis struct {
	client    *redis.Client
	ttl       time.Duration
	logger    *slog.Logger
	hitCount  atomic.Int64
	missCount atomic.Int64
}

// NewRedis wraps an existing client. The caller owns client liveness
// checks; use New to get a ping-verified instance.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func (c *Redis) Get(ctx context.Context, keyHash string) (*store.License, bool) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+keyHash).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "cache read failed, treating as miss", "error", err)
		}
		c.missCount.Add(1)
		return nil, false
	}

	var lic store.License
	if err := json.Unmarshal(raw, &lic); err != nil {
		c.logger.WarnContext(ctx, "cache entry undecodable, dropping it", "error", err)
		c.client.Del(ctx, redisKeyPrefix+keyHash)
		c.missCount.Add(1)
		return nil, false
	}

	c.hitCount.Add(1)
	return &lic, true
}

func (c *Redis) Set(ctx context.Context, keyHash string, lic *store.License) {
	raw, err := json.Marshal(lic)
	if err != nil {
		c.logger.WarnContext(ctx, "cache entry unencodable, skipping", "error", err)
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+keyHash, raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "error", err)
	}
}

func (c *Redis) Invalidate(ctx context.Context, keyHash string) error {
	return c.client.Del(ctx, redisKeyPrefix+keyHash).Err()
}

// Sweep is a no-op: redis expires entries by key TTL.
func (c *Redis) Sweep(context.Context) int {
	return 0
}

func (c *Redis) Stats() Stats {
	hits := c.hitCount.Load()
	misses := c.missCount.Load()
	total := hits + misses
	ratio := float64(0)
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return Stats{
		Backend:  BackendRedis,
		Entries:  -1,
		Hits:     hits,
		Misses:   misses,
		HitRatio: ratio,
	}
}

func (c *Redis) Close() error {
	return c.client.Close()
}
