package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"appforge/internal/logging"
)

// RedisCache stores entries in Redis. Writes that fail fall through to the
// in-memory cache, and reads consult it on a Redis miss or error.
type RedisCache struct {
	client   redis.UniversalClient
	fallback *MemoryCache
	logger   *zap.Logger
}

// NewRedisCache wraps client. A nil client makes the cache memory-only.
func NewRedisCache(client redis.UniversalClient, fallback *MemoryCache) *RedisCache {
	if fallback == nil {
		fallback = NewMemoryCache(0, 0)
	}
	return &RedisCache{client: client, fallback: fallback, logger: logging.Component("cache")}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get failed, using memory cache", zap.Error(err))
		}
	}
	return c.fallback.Get(ctx, key)
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.fallback.defaultTTL
	}
	if c.client != nil {
		err := c.client.Set(ctx, key, value, ttl).Err()
		if err == nil {
			return nil
		}
		c.logger.Warn("redis set failed, using memory cache", zap.Error(err))
	}
	return c.fallback.Set(ctx, key, value, ttl)
}

// Delete implements Cache. The removal count from Redis decides the result,
// so only one of several concurrent callers sees true.
func (c *RedisCache) Delete(ctx context.Context, key string) (bool, error) {
	memDeleted, _ := c.fallback.Delete(ctx, key)
	if c.client == nil {
		return memDeleted, nil
	}
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return memDeleted, err
	}
	return n > 0 || memDeleted, nil
}

// Close stops the memory sweeper. The Redis client is owned by the caller.
func (c *RedisCache) Close() error {
	return c.fallback.Close()
}
