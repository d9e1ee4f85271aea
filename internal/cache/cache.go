// Package cache provides a TTL key/value cache backed by Redis, falling back
// to process memory when Redis is not configured or unreachable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the store used for short-lived records such as WebSocket tokens.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether this call removed it.
	Delete(ctx context.Context, key string) (bool, error)
}

// Key joins a namespace prefix and a key.
func Key(prefix, key string) string {
	return prefix + ":" + key
}

// GetJSON reads key and unmarshals it into dest.
func GetJSON(ctx context.Context, c Cache, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON marshals value and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]entry
	defaultTTL time.Duration
	maxItems   int
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache and starts its expiry sweeper.
func NewMemoryCache(defaultTTL time.Duration, maxItems int) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	if maxItems <= 0 {
		maxItems = 10000
	}
	c := &MemoryCache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		maxItems:   maxItems,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set implements Cache. A zero ttl uses the default.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxItems {
		c.evict()
	}
	c.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	delete(c.entries, key)
	return !c.now().After(e.expiresAt), nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// evict drops expired entries, then arbitrary ones, until a tenth of the
// capacity is free. Caller holds mu.
func (c *MemoryCache) evict() {
	target := c.maxItems / 10
	if target < 1 {
		target = 1
	}
	now := c.now()
	evicted := 0
	for k, e := range c.entries {
		if evicted >= target {
			return
		}
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			evicted++
		}
	}
	for k := range c.entries {
		if evicted >= target {
			return
		}
		delete(c.entries, k)
		evicted++
	}
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
