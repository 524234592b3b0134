package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// MinRate is the slowest a limiter can be throttled to.
const MinRate = 0.05

// Limiter is the token bucket shared by every request of one scan. It can
// only be slowed down after construction.
type Limiter struct {
	mu     sync.Mutex
	bucket *rate.Limiter
	slowed int
}

type Config struct {
	// RequestsPerSecond <= 0 means unlimited.
	RequestsPerSecond float64
	BurstSize         int
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(limit, burst)}
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Slow multiplies the refill rate by factor, which must be in (0,1). An
// unlimited bucket stays unlimited. It returns the new rate.
func (l *Limiter) Slow(factor float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.bucket.Limit()
	if cur == rate.Inf || factor <= 0 || factor >= 1 {
		return float64(cur)
	}
	next := float64(cur) * factor
	if next < MinRate {
		next = MinRate
	}
	l.bucket.SetLimit(rate.Limit(next))
	l.slowed++
	return next
}

// Limit is the current refill rate in requests per second.
func (l *Limiter) Limit() float64 {
	return float64(l.bucket.Limit())
}
