package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetSet(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	_, ok := c.Get("discovery")
	assert.False(t, ok)

	c.Set("discovery", []string{"dev-a", "dev-b"}, 0)
	got, ok := c.Get("discovery")
	require.True(t, ok)
	assert.Equal(t, []string{"dev-a", "dev-b"}, got)
	assert.Equal(t, 1, c.Size())
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("short", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok, "expired entry must not be served")
	assert.Equal(t, 0, c.Size())
}

func TestCacheInvalidatePrefix(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("discovery:5s", 1, 0)
	c.Set("discovery:10s", 2, 0)
	c.Set("other", 3, 0)

	c.Invalidate("discovery:")

	_, ok := c.Get("discovery:5s")
	assert.False(t, ok)
	_, ok = c.Get("other")
	assert.True(t, ok)
}

func TestCacheStopIdempotent(t *testing.T) {
	c := NewCache(time.Minute)
	c.Stop()
	c.Stop()
}

func TestGetOrSetCachesLoaderResult(t *testing.T) {
	c := NewCacheWithFallback(time.Minute)
	defer c.Stop()

	loads := 0
	loader := func(ctx context.Context) (interface{}, error) {
		loads++
		return "devices", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrSet(context.Background(), "k", loader, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "devices", got)
	}
	assert.Equal(t, 1, loads, "loader runs once, later calls hit the cache")
}

func TestGetOrSetDoesNotCacheErrors(t *testing.T) {
	c := NewCacheWithFallback(time.Minute)
	defer c.Stop()

	loadErr := errors.New("relay unreachable")
	loads := 0

	_, err := c.GetOrSet(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		loads++
		return nil, loadErr
	}, time.Minute)
	require.ErrorIs(t, err, loadErr)

	got, err := c.GetOrSet(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		loads++
		return "recovered", nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, 2, loads)
}
