package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

var slidingWindow = redis.NewScript(slidingWindowLua)

// RateLimiter implements domain.RateLimiter with a sliding log per key: a
// sorted set of admitted request times trimmed to the window on every call.
// The whole check runs as one script, so replicas share the count exactly.
type RateLimiter struct {
	rdb   *redis.Client
	nowFn func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), nowFn: time.Now}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow admits the request when fewer than limit requests for key were
// admitted in the trailing window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	res, err := slidingWindow.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)},
		rl.nowFn().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return decodeDecision(res, limit)
}

func decodeDecision(res []int64, limit int) (domain.RateDecision, error) {
	if len(res) != 3 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit: unexpected reply %v", res)
	}
	d := domain.RateDecision{
		Allowed:   res[0] == 1,
		Remaining: max(limit-int(res[1]), 0),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(max(res[2], 0)) * time.Microsecond
	}
	return d, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
