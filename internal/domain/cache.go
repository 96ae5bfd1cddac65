package domain

import (
	"context"
	"time"
)

// PriceCache keeps the latest oracle observation per feed.
type PriceCache interface {
	SetObservation(ctx context.Context, feedID string, obs PriceObservation) error
	GetObservation(ctx context.Context, feedID string) (PriceObservation, error)
}

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed bool
	// Remaining is how many more requests fit in the current window.
	Remaining int
	// RetryAfter is set on denial when the limiter knows when capacity
	// frees up.
	RetryAfter time.Duration
}

// RateLimiter counts requests per key. A request is only counted when it is
// allowed.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
