package domain

import (
	"context"
	"time"
)

// DefaultMaxPriceAge is how old an observation may be before it is refused.
const DefaultMaxPriceAge = 30 * time.Second

// PriceReader returns the newest observation for a feed. It fails with
// ErrStalePrice when that observation is older than maxAge and with
// ErrUnknownFeed when the feed has never been seen.
type PriceReader interface {
	ReadPrice(ctx context.Context, feedID string, maxAge time.Duration) (PriceObservation, error)
}
