// Package oracletest provides a settable price oracle for tests.
package oracletest

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// Mock is a PriceReader whose prices are set by the test.
type Mock struct {
	mu     sync.Mutex
	feedID string
	feeds  map[string]domain.PriceObservation
	err    error
	now    func() time.Time
}

// NewMock returns a Mock with feedID registered and no price yet.
func NewMock(feedID string) *Mock {
	return &Mock{
		feedID: feedID,
		feeds:  make(map[string]domain.PriceObservation),
		now:    time.Now,
	}
}

// SetPrice publishes mantissa * 10^exponent on the default feed, stamped now.
func (m *Mock) SetPrice(mantissa int64, exponent int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[m.feedID] = domain.PriceObservation{Mantissa: mantissa, Exponent: exponent, PublishTime: m.now()}
}

// SetObservation publishes obs on feedID as-is.
func (m *Mock) SetObservation(feedID string, obs domain.PriceObservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[feedID] = obs
}

// SetNow overrides the clock used for stamping and staleness.
func (m *Mock) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fail makes every read return err until cleared with Fail(nil).
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// ReadPrice implements domain.PriceReader.
func (m *Mock) ReadPrice(_ context.Context, feedID string, maxAge time.Duration) (domain.PriceObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.PriceObservation{}, m.err
	}
	obs, ok := m.feeds[feedID]
	if !ok {
		return domain.PriceObservation{}, domain.ErrUnknownFeed
	}
	if m.now().Sub(obs.PublishTime) > maxAge {
		return domain.PriceObservation{}, domain.ErrStalePrice
	}
	return obs, nil
}
