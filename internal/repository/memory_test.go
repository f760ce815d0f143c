package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "a", []byte("1"), time.Minute))
		got, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "b", []byte("2"), time.Minute))
		now = now.Add(2 * time.Minute)
		got, err := cache.Get(ctx, "b")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("NoTTL", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "c", []byte("3"), 0))
		now = now.Add(24 * time.Hour)
		got, _ := cache.Get(ctx, "c")
		assert.Equal(t, []byte("3"), got)
	})

	t.Run("Del", func(t *testing.T) {
		require.NoError(t, cache.Del(ctx, "c"))
		got, _ := cache.Get(ctx, "c")
		assert.Nil(t, got)
	})

	t.Run("StoredValueIsCopied", func(t *testing.T) {
		buf := []byte("abc")
		require.NoError(t, cache.Set(ctx, "d", buf, 0))
		buf[0] = 'z'
		got, _ := cache.Get(ctx, "d")
		assert.Equal(t, []byte("abc"), got)
	})
}
