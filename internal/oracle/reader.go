package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// CacheReader implements domain.PriceReader on top of the price cache that
// the feed sources keep current.
type CacheReader struct {
	cache domain.PriceCache
	feeds map[string]struct{}
	nowFn func() time.Time
}

// NewCacheReader creates a reader that only serves the listed feeds.
func NewCacheReader(cache domain.PriceCache, feedIDs []string) *CacheReader {
	feeds := make(map[string]struct{}, len(feedIDs))
	for _, id := range feedIDs {
		feeds[NormalizeFeedID(id)] = struct{}{}
	}
	return &CacheReader{cache: cache, feeds: feeds, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for staleness checks.
func (r *CacheReader) SetNowFunc(now func() time.Time) { r.nowFn = now }

// ReadPrice implements domain.PriceReader.
func (r *CacheReader) ReadPrice(ctx context.Context, feedID string, maxAge time.Duration) (domain.PriceObservation, error) {
	feedID = NormalizeFeedID(feedID)
	if _, ok := r.feeds[feedID]; !ok {
		return domain.PriceObservation{}, fmt.Errorf("oracle: %s: %w", feedID, domain.ErrUnknownFeed)
	}
	obs, err := r.cache.GetObservation(ctx, feedID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PriceObservation{}, fmt.Errorf("oracle: %s has no observation: %w", feedID, domain.ErrStalePrice)
	}
	if err != nil {
		return domain.PriceObservation{}, err
	}
	if age := r.nowFn().Sub(obs.PublishTime); age > maxAge {
		return domain.PriceObservation{}, fmt.Errorf("oracle: %s is %s old: %w", feedID, age.Round(time.Second), domain.ErrStalePrice)
	}
	return obs, nil
}

var _ domain.PriceReader = (*CacheReader)(nil)
