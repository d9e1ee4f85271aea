package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"appforge/internal/logging"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string // redis:// or rediss://
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Sentinel, used instead of URL when both fields are set.
	SentinelAddrs  []string
	SentinelMaster string
	Password       string
}

// DefaultRedisConfig returns pool and timeout defaults for url.
func DefaultRedisConfig(url string) *RedisConfig {
	return &RedisConfig{
		URL:          url,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisClient wraps a go-redis client with a background health check.
type RedisClient struct {
	client     redis.UniversalClient
	isSentinel bool
	stop       chan struct{}
	logger     *zap.Logger
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*RedisClient, error) {
	rc := &RedisClient{stop: make(chan struct{}), logger: logging.Component("redis")}

	if len(cfg.SentinelAddrs) > 0 && cfg.SentinelMaster != "" {
		rc.client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
		rc.isSentinel = true
	} else {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.MinIdleConns
		opts.DialTimeout = cfg.DialTimeout
		opts.ReadTimeout = cfg.ReadTimeout
		opts.WriteTimeout = cfg.WriteTimeout
		rc.client = redis.NewClient(opts)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(pingCtx).Err(); err != nil {
		rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	go rc.runHealthCheck()
	rc.logger.Info("redis connected", zap.Bool("sentinel", rc.isSentinel))
	return rc, nil
}

func (rc *RedisClient) runHealthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rc.client.Ping(ctx).Err(); err != nil {
				rc.logger.Warn("redis health check failed", zap.Error(err))
			}
			cancel()
		case <-rc.stop:
			return
		}
	}
}

// Client returns the underlying client.
func (rc *RedisClient) Client() redis.UniversalClient { return rc.client }

// Health reports connectivity and latency.
func (rc *RedisClient) Health(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"connected": false, "sentinel": rc.isSentinel}
	start := time.Now()
	if err := rc.client.Ping(ctx).Err(); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["connected"] = true
	status["latency"] = time.Since(start).String()
	stats := rc.client.PoolStats()
	status["pool"] = map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
	}
	return status
}

// Close stops the health check and closes the client.
func (rc *RedisClient) Close() error {
	close(rc.stop)
	return rc.client.Close()
}
