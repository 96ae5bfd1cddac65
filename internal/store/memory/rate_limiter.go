package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// sweepEvery is how many calls pass between scans for idle keys.
const sweepEvery = 1024

type bucket struct {
	lim      *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

// RateLimiter implements domain.RateLimiter for single-process deployments
// with one token bucket per key: limit tokens refilled evenly over window.
// Unlike the Redis sliding log it lets a full burst through after an idle
// window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
	nowFn   func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		nowFn:   time.Now,
	}
}

// Allow takes one token from key's bucket if one is available.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	if limit <= 0 || window <= 0 {
		return domain.RateDecision{Allowed: true}, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	rl.calls++
	if rl.calls%sweepEvery == 0 {
		rl.sweep(now)
	}

	b, ok := rl.buckets[key]
	if !ok || b.limit != limit || b.window != window {
		every := rate.Every(window / time.Duration(limit))
		b = &bucket{lim: rate.NewLimiter(every, limit), limit: limit, window: window}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return domain.RateDecision{RetryAfter: delay}, nil
	}
	return domain.RateDecision{
		Allowed:   true,
		Remaining: int(b.lim.TokensAt(now)),
	}, nil
}

// sweep drops buckets idle for a whole window; they would be full again.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, b := range rl.buckets {
		if now.Sub(b.lastSeen) > b.window {
			delete(rl.buckets, k)
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
