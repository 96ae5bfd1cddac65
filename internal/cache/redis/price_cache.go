package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each feed is
// stored at "oracle:price:{feedID}" with fields mantissa, exponent and ts
// (publish time in Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(feedID string) string {
	return "oracle:price:" + feedID
}

// SetObservation stores the latest observation for a feed. Older
// observations never replace newer ones.
func (pc *PriceCache) SetObservation(ctx context.Context, feedID string, obs domain.PriceObservation) error {
	key := priceKey(feedID)
	cur, err := pc.GetObservation(ctx, feedID)
	if err == nil && cur.PublishTime.After(obs.PublishTime) {
		return nil
	}
	if err := pc.rdb.HSet(ctx, key, encodeObservation(obs)).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feedID, err)
	}
	return nil
}

// GetObservation returns the latest observation for a feed, or
// domain.ErrNotFound when the feed has never been written.
func (pc *PriceCache) GetObservation(ctx context.Context, feedID string) (domain.PriceObservation, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(feedID)).Result()
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	obs, err := decodeObservation(vals)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	return obs, nil
}

func encodeObservation(obs domain.PriceObservation) map[string]any {
	return map[string]any{
		"mantissa": strconv.FormatInt(obs.Mantissa, 10),
		"exponent": strconv.FormatInt(int64(obs.Exponent), 10),
		"ts":       strconv.FormatInt(obs.PublishTime.UnixNano(), 10),
	}
}

func decodeObservation(vals map[string]string) (domain.PriceObservation, error) {
	if len(vals) == 0 {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	m, err := strconv.ParseInt(vals["mantissa"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("parse mantissa: %w", err)
	}
	e, err := strconv.ParseInt(vals["exponent"], 10, 32)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("parse exponent: %w", err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("parse ts: %w", err)
	}
	return domain.PriceObservation{
		Mantissa:    m,
		Exponent:    int32(e),
		PublishTime: time.Unix(0, ts).UTC(),
	}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
