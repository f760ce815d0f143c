package api

import (
	"sync"

	"chaincore/internal/config"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per caller key. It is shared by the HTTP
// and gRPC surfaces so a key has a single budget.
type rateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &rateLimiter{rps: rate.Limit(cfg.RPS), burst: burst}
}

func (l *rateLimiter) enabled() bool {
	return l != nil && l.rps > 0
}

func (l *rateLimiter) allow(key string) bool {
	if !l.enabled() {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	actual, _ := l.limiters.LoadOrStore(key, lim)
	return actual.(*rate.Limiter)
}
