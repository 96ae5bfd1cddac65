package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/oracle"
)

// PriceView is the last cached observation of a feed.
type PriceView struct {
	FeedID      string    `json:"feed_id"`
	Mantissa    int64     `json:"mantissa"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
	AgeSeconds  float64   `json:"age_seconds"`
	Stale       bool      `json:"stale"`
}

// PriceService serves cached oracle observations for the configured feeds.
type PriceService struct {
	cache  domain.PriceCache
	feeds  []string
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewPriceService creates a PriceService. A non-positive maxAge selects
// domain.DefaultMaxPriceAge.
func NewPriceService(cache domain.PriceCache, feedIDs []string, maxAge time.Duration) *PriceService {
	if maxAge <= 0 {
		maxAge = domain.DefaultMaxPriceAge
	}
	feeds := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		feeds = append(feeds, oracle.NormalizeFeedID(id))
	}
	return &PriceService{cache: cache, feeds: feeds, maxAge: maxAge, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for the staleness flag.
func (s *PriceService) SetNowFunc(now func() time.Time) { s.nowFn = now }

// Feeds returns the normalized feed ids served.
func (s *PriceService) Feeds() []string {
	return append([]string(nil), s.feeds...)
}

// Latest returns the cached observation for feedID.
func (s *PriceService) Latest(ctx context.Context, feedID string) (PriceView, error) {
	feedID = oracle.NormalizeFeedID(feedID)
	known := false
	for _, f := range s.feeds {
		if f == feedID {
			known = true
			break
		}
	}
	if !known {
		return PriceView{}, fmt.Errorf("price_service: %s: %w", feedID, domain.ErrUnknownFeed)
	}
	obs, err := s.cache.GetObservation(ctx, feedID)
	if err != nil {
		return PriceView{}, fmt.Errorf("price_service: %s: %w", feedID, err)
	}
	age := s.nowFn().Sub(obs.PublishTime)
	return PriceView{
		FeedID:      feedID,
		Mantissa:    obs.Mantissa,
		Exponent:    obs.Exponent,
		PublishTime: obs.PublishTime,
		AgeSeconds:  age.Seconds(),
		Stale:       age > s.maxAge,
	}, nil
}
