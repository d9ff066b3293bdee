package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type payload struct {
	Count int
}

func newCache(t *testing.T, size int, ttl time.Duration) *MemoryCache {
	c := NewMemoryCache(size, ttl, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryCacheGetCopiesIntoDest(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)

	require.NoError(t, c.Set(ctx, "a", &payload{Count: 3}))

	var got *payload
	require.NoError(t, c.Get(ctx, "a", &got))
	assert.Equal(t, 3, got.Count)

	var wrong string
	assert.Error(t, c.Get(ctx, "a", &wrong))
	assert.Error(t, c.Get(ctx, "a", got))
}

func TestMemoryCacheMissAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)

	var got int
	assert.True(t, errors.Is(c.Get(ctx, "missing", &got), ErrCacheMiss))

	require.NoError(t, c.SetWithTTL(ctx, "short", 1, -time.Second))
	assert.True(t, errors.Is(c.Get(ctx, "short", &got), ErrCacheMiss))

	ok, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 2, time.Minute)

	require.NoError(t, c.Set(ctx, "a", 1))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", 2))
	time.Sleep(2 * time.Millisecond)

	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	require.NoError(t, c.Set(ctx, "c", 3))

	ok, _ := c.Exists(ctx, "b")
	assert.False(t, ok)
	ok, _ = c.Exists(ctx, "a")
	assert.True(t, ok)
	ok, _ = c.Exists(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryCacheStats(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 5, time.Minute)

	require.NoError(t, c.Set(ctx, "a", 1))
	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	_ = c.Get(ctx, "b", &v)
	require.NoError(t, c.Delete(ctx, "a"))

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Items)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestGenerateCacheKey(t *testing.T) {
	a := GenerateCacheKey([]byte("ab"), []byte("c"))
	b := GenerateCacheKey([]byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateCacheKey([]byte("ab"), []byte("c")))
}
