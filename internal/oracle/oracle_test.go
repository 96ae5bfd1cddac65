package oracle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

const hermesID = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"

type fakeCache struct {
	mu  sync.Mutex
	obs map[string]domain.PriceObservation
}

func newFakeCache() *fakeCache {
	return &fakeCache{obs: make(map[string]domain.PriceObservation)}
}

func (c *fakeCache) SetObservation(_ context.Context, feedID string, obs domain.PriceObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs[feedID] = obs
	return nil
}

func (c *fakeCache) GetObservation(_ context.Context, feedID string) (domain.PriceObservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs, ok := c.obs[feedID]
	if !ok {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	return obs, nil
}

func (c *fakeCache) get(feedID string) (domain.PriceObservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs, ok := c.obs[feedID]
	return obs, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeFeedID(t *testing.T) {
	assert.Equal(t, DefaultFeedID, NormalizeFeedID(hermesID))
	assert.Equal(t, DefaultFeedID, NormalizeFeedID(" "+strings.ToUpper(DefaultFeedID[2:])+" "))
}

func TestCacheReader(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	r := NewCacheReader(cache, []string{hermesID})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r.SetNowFunc(func() time.Time { return now })

	_, err := r.ReadPrice(ctx, "0xdeadbeef", time.Minute)
	assert.ErrorIs(t, err, domain.ErrUnknownFeed)

	_, err = r.ReadPrice(ctx, DefaultFeedID, 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	fresh := domain.PriceObservation{Mantissa: 15_000_000_000, Exponent: -8, PublishTime: now.Add(-10 * time.Second)}
	require.NoError(t, cache.SetObservation(ctx, DefaultFeedID, fresh))
	got, err := r.ReadPrice(ctx, hermesID, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	now = now.Add(21 * time.Second)
	_, err = r.ReadPrice(ctx, DefaultFeedID, 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrStalePrice)
}

func feedJSON(price string, expo int32, publish int64) pythFeed {
	return pythFeed{ID: hermesID, Price: pythPrice{Price: price, Conf: "1000", Expo: expo, PublishTime: publish}}
}

func TestPollerStoresLatestFeeds(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/latest_price_feeds", r.URL.Path)
		gotQuery = r.URL.Query().Get("ids[]")
		_ = json.NewEncoder(w).Encode([]pythFeed{feedJSON("14250000000", -8, 1_760_000_000)})
	}))
	defer srv.Close()

	cache := newFakeCache()
	p := NewPythPoller(srv.URL, []string{hermesID}, time.Second, NewSink(cache, nil, nil, discardLogger()), discardLogger())
	require.NoError(t, p.Poll(context.Background()))

	assert.Equal(t, DefaultFeedID, gotQuery)
	obs, ok := cache.get(DefaultFeedID)
	require.True(t, ok)
	assert.Equal(t, int64(14_250_000_000), obs.Mantissa)
	assert.Equal(t, int32(-8), obs.Exponent)
	assert.Equal(t, time.Unix(1_760_000_000, 0).UTC(), obs.PublishTime)
}

func TestPollerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPythPoller(srv.URL, []string{hermesID}, time.Second, NewSink(newFakeCache(), nil, nil, discardLogger()), discardLogger())
	err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestStreamSubscribesAndStores(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan wsCommand, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd
		_ = conn.WriteJSON(map[string]string{"type": "response", "status": "success"})
		_ = conn.WriteJSON(wsMessage{Type: "price_update", PriceFeed: feedJSON("9900", -2, 1_760_000_123)})
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cache := newFakeCache()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewPythStream("ws"+strings.TrimPrefix(srv.URL, "http"), []string{hermesID}, NewSink(cache, nil, nil, discardLogger()), discardLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- stream.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		assert.Equal(t, "subscribe", cmd.Type)
		assert.Equal(t, []string{DefaultFeedID}, cmd.IDs)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		obs, ok := cache.get(DefaultFeedID)
		return ok && obs.Mantissa == 9900 && obs.Exponent == -2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamRejectedSubscription(t *testing.T) {
	s := NewPythStream("ws://unused", []string{hermesID}, NewSink(newFakeCache(), nil, nil, discardLogger()), discardLogger())
	err := s.handleMessage(context.Background(), []byte(`{"type":"response","status":"error","error":"unknown id"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown id")

	assert.NoError(t, s.handleMessage(context.Background(), []byte(`not json`)))
}
