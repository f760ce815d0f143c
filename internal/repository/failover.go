package repository

import (
	"context"
	"sync/atomic"
	"time"

	"chaincore/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverCache routes calls to the primary cache and switches to the fallback
// after the first primary error. The primary is retried once per recoveryInterval.
type FailoverCache struct {
	primary   domain.Cache
	fallback  domain.Cache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverCache(primary, fallback domain.Cache, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the next call should go to the primary.
func (r *FailoverCache) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverCache) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary cache failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverCache) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary cache recovered")
	}
}

func (r *FailoverCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, key, value, ttl)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Set(ctx, key, value, ttl)
}

func (r *FailoverCache) Get(ctx context.Context, key string) ([]byte, error) {
	if r.usePrimary() {
		val, err := r.primary.Get(ctx, key)
		if err == nil {
			r.markUp()
			return val, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverCache) Del(ctx context.Context, key string) error {
	if r.usePrimary() {
		err := r.primary.Del(ctx, key)
		if err == nil {
			r.markUp()
			// keep the fallback from serving a value deleted upstream
			_ = r.fallback.Del(ctx, key)
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Del(ctx, key)
}
