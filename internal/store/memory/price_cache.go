package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// PriceCache implements domain.PriceCache for single-process deployments
// that run without Redis.
type PriceCache struct {
	mu  sync.RWMutex
	obs map[string]domain.PriceObservation
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{obs: make(map[string]domain.PriceObservation)}
}

// SetObservation replaces the observation stored for feedID.
func (c *PriceCache) SetObservation(_ context.Context, feedID string, obs domain.PriceObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs[feedID] = obs
	return nil
}

// GetObservation returns the observation for feedID, or domain.ErrNotFound.
func (c *PriceCache) GetObservation(_ context.Context, feedID string) (domain.PriceObservation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obs, ok := c.obs[feedID]
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("memory: price %s: %w", feedID, domain.ErrNotFound)
	}
	return obs, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
