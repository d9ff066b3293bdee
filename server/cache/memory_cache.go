package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is an in-process LRU cache with per-entry expiry.
type MemoryCache struct {
	items   map[string]*entry
	mutex   sync.Mutex
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	closed  sync.Once
}

type entry struct {
	value     interface{}
	expiresAt time.Time
	lastUsed  time.Time
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		items:   make(map[string]*entry),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	c.cleanup = time.NewTicker(time.Minute)
	go c.cleanupExpired()

	return c
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	c.items[key] = &entry{
		value:     value,
		expiresAt: now.Add(ttl),
		lastUsed:  now,
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	out := reflect.ValueOf(dest)
	if out.Kind() != reflect.Pointer || out.IsNil() {
		return fmt.Errorf("cache destination must be a non-nil pointer, got %T", dest)
	}

	c.mutex.Lock()
	item, exists := c.items[key]
	if exists && time.Now().After(item.expiresAt) {
		delete(c.items, key)
		exists = false
	}
	if !exists {
		c.misses++
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	c.hits++
	item.lastUsed = time.Now()
	value := item.value
	c.mutex.Unlock()

	v := reflect.ValueOf(value)
	target := out.Elem()
	if !v.IsValid() {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	if !v.Type().AssignableTo(target.Type()) {
		return fmt.Errorf("cached value for %q is %T, cannot assign to %s", key, value, target.Type())
	}
	target.Set(v)
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}
	return !time.Now().After(item.expiresAt), nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := &CacheStats{
		Items:   len(c.items),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats, nil
}

func (c *MemoryCache) Close() error {
	c.closed.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := time.Now()
			removed := 0
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
					removed++
				}
			}
			c.mutex.Unlock()
			if removed > 0 {
				c.logger.Debug("Removed expired cache entries", zap.Int("count", removed))
			}
		case <-c.stopCh:
			return
		}
	}
}

// GenerateCacheKey hashes the components in order into a hex key.
func GenerateCacheKey(components ...[]byte) string {
	h := sha256.New()
	for _, component := range components {
		h.Write(component)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
