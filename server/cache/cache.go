package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores segmentation results keyed by image content. Get copies the
// stored value into dest, which must be a non-nil pointer to the stored type.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items   int     `json:"items"`
	MaxSize int     `json:"max_size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}
