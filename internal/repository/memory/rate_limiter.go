package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"access-service/internal/repository"
)

// evictAbove is the number of tracked keys past which idle buckets are dropped.
const evictAbove = 4096

// RateLimiter keeps one token bucket per key, refilled at limit tokens per
// window with a burst of limit. It only sees the hits of this process.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ repository.RateLimiter = (*RateLimiter)(nil)

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (*repository.RateLimitResult, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", limit, window)
	}

	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if len(l.buckets) > evictAbove {
		l.evictIdle(now, window)
	}
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &repository.RateLimitResult{
			Allowed:    false,
			Count:      limit + 1,
			Limit:      limit,
			RetryAfter: delay,
		}, nil
	}

	used := limit - int(math.Floor(b.limiter.TokensAt(now)))
	return &repository.RateLimitResult{Allowed: true, Count: used, Limit: limit}, nil
}

// evictIdle drops buckets untouched for a full window; they would be full
// again anyway.
func (l *RateLimiter) evictIdle(now time.Time, window time.Duration) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > window {
			delete(l.buckets, key)
		}
	}
}
