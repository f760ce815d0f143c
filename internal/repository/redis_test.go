package repository

import (
	"context"
	"testing"
	"time"

	"chaincore/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	cache := NewRedisCache(client, "chaincore")
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "k1", []byte("v1"), time.Minute))

		got, err := cache.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		assert.True(t, s.Exists("chaincore:k1"))
	})

	t.Run("Miss", func(t *testing.T) {
		got, err := cache.Get(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "short", []byte("x"), time.Second))
		s.FastForward(2 * time.Second)

		got, err := cache.Get(ctx, "short")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Del", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "gone", []byte("x"), 0))
		require.NoError(t, cache.Del(ctx, "gone"))
		got, _ := cache.Get(ctx, "gone")
		assert.Nil(t, got)
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		res := models.SyncResult{TaskID: "products_all_ab12cd34", Success: true, RecordsProcessed: 3}
		require.NoError(t, SetJSON(ctx, cache, ResultKey(res.TaskID), res, time.Hour))

		var got models.SyncResult
		found, err := GetJSON(ctx, cache, ResultKey(res.TaskID), &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, res.RecordsProcessed, got.RecordsProcessed)

		found, err = GetJSON(ctx, cache, ResultKey("missing"), &got)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("ServerDown", func(t *testing.T) {
		s2, err := miniredis.Run()
		require.NoError(t, err)
		c2 := redis.NewClient(&redis.Options{Addr: s2.Addr(), MaxRetries: -1})
		defer c2.Close()
		s2.Close()

		_, err = NewRedisCache(c2, "").Get(ctx, "k")
		assert.Error(t, err)
	})

	t.Run("NilClient", func(t *testing.T) {
		err := NewRedisCache(nil, "").Set(ctx, "k", nil, 0)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, Close(nil))
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "sync:result:t1", ResultKey("t1"))
	assert.Equal(t, "sync:last:inventory:all", LastSyncKey(models.EntityInventory, "all"))
	assert.Equal(t, "sync:last:transactions:branch-4", LastSyncKey(models.EntityTransactions, "branch-4"))
}
