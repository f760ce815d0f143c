package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockCache) Del(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func TestFailoverCache(t *testing.T) {
	primary := new(mockCache)
	fallback := new(mockCache)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverCache(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Get", ctx, "k1").Return([]byte("v"), nil).Once()

		got, err := repo.Get(ctx, "k1")
		assert.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Get", ctx, "k2").Return(nil, errors.New("fail")).Once()
		fallback.On("Get", ctx, "k2").Return([]byte("mem"), nil).Once()

		got, err := repo.Get(ctx, "k2")
		assert.NoError(t, err)
		assert.Equal(t, []byte("mem"), got)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("AlreadyDownSkipsPrimary", func(t *testing.T) {
		fallback.On("Set", ctx, "k3", []byte("x"), time.Minute).Return(nil).Once()

		assert.NoError(t, repo.Set(ctx, "k3", []byte("x"), time.Minute))
		primary.AssertNotCalled(t, "Set", ctx, "k3", []byte("x"), time.Minute)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())
		primary.On("Get", ctx, "k4").Return([]byte("back"), nil).Once()

		got, err := repo.Get(ctx, "k4")
		assert.NoError(t, err)
		assert.Equal(t, []byte("back"), got)
		assert.False(t, repo.isDown.Load())
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())
		primary.On("Get", ctx, "k5").Return(nil, errors.New("still down")).Once()
		fallback.On("Get", ctx, "k5").Return(nil, nil).Once()

		got, err := repo.Get(ctx, "k5")
		assert.NoError(t, err)
		assert.Nil(t, got)
		assert.True(t, repo.isDown.Load())
		assert.WithinDuration(t, time.Now(), time.Unix(0, repo.lastCheck.Load()), time.Second)
	})

	t.Run("DelClearsBoth", func(t *testing.T) {
		repo.isDown.Store(false)
		primary.On("Del", ctx, "k6").Return(nil).Once()
		fallback.On("Del", ctx, "k6").Return(nil).Once()

		assert.NoError(t, repo.Del(ctx, "k6"))
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("WithRealFallback", func(t *testing.T) {
		broken := new(mockCache)
		broken.On("Set", mock.Anything, "r", mock.Anything, mock.Anything).Return(errors.New("conn refused"))
		r := NewFailoverCache(broken, NewMemoryCache(), &logger)

		assert.NoError(t, r.Set(ctx, "r", []byte("1"), time.Minute))
		got, err := r.Get(ctx, "r")
		assert.NoError(t, err)
		assert.Equal(t, []byte("1"), got)
	})
}
