// Package oracle feeds Pyth price observations into the price cache and
// serves escrow reads from that cache with staleness checks.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/metrics"
)

// DefaultFeedID is the Pyth ETH/USD feed.
const DefaultFeedID = "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"

// PricesChannel is the pub/sub channel observations are announced on.
const PricesChannel = "prices"

// NormalizeFeedID lowercases a feed id and ensures the 0x prefix.
func NormalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}

// pythFeed is a price feed object as returned by Hermes.
type pythFeed struct {
	ID    string    `json:"id"`
	Price pythPrice `json:"price"`
}

type pythPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (f pythFeed) observation() (domain.PriceObservation, error) {
	m, err := strconv.ParseInt(f.Price.Price, 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("oracle: parse price for %s: %w", f.ID, err)
	}
	return domain.PriceObservation{
		Mantissa:    m,
		Exponent:    f.Price.Expo,
		PublishTime: time.Unix(f.Price.PublishTime, 0).UTC(),
	}, nil
}

// Update is what a feed source hands to the Sink.
type Update struct {
	FeedID      string                  `json:"feed_id"`
	Observation domain.PriceObservation `json:"observation"`
	Source      string                  `json:"source"`
}

// Sink stores observations in the price cache and announces them.
type Sink struct {
	cache   domain.PriceCache
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSink creates a Sink. bus and m may be nil.
func NewSink(cache domain.PriceCache, bus domain.SignalBus, m *metrics.Metrics, logger *slog.Logger) *Sink {
	return &Sink{
		cache:   cache,
		bus:     bus,
		metrics: m,
		logger:  logger.With(slog.String("component", "oracle_sink")),
	}
}

// Handle writes one update.
func (s *Sink) Handle(ctx context.Context, u Update) error {
	u.FeedID = NormalizeFeedID(u.FeedID)
	if err := s.cache.SetObservation(ctx, u.FeedID, u.Observation); err != nil {
		s.metrics.OracleError(u.Source)
		return fmt.Errorf("oracle: cache %s: %w", u.FeedID, err)
	}
	s.metrics.OracleUpdate(u.FeedID, u.Source, u.Observation.PublishTime)

	if s.bus != nil {
		payload, err := json.Marshal(u)
		if err == nil {
			if err := s.bus.Publish(ctx, PricesChannel, payload); err != nil {
				s.logger.Warn("publish price failed", slog.String("error", err.Error()))
			}
		}
	}
	return nil
}
