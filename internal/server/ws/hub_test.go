package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

type chanBus struct {
	chans map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.chans[channel] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestHubRelaysSubscribedChannels(t *testing.T) {
	bus := &chanBus{chans: map[string]chan []byte{
		"escrow_events": make(chan []byte, 4),
		"prices":        make(chan []byte, 4),
	}}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Channels: []string{"escrow_events", "prices"},
		Mode:     "server",
		FeedID:   "0xfeed",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Channel)
	assert.Contains(t, string(status.Data), `"feed_id":"0xfeed"`)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{"prices"}}))
	// Give the read pump time to apply the change.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "prices", []byte(`{"mantissa":1}`)))
	require.NoError(t, bus.Publish(ctx, "escrow_events", []byte(`{"type":"escrow.created"}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, "escrow_events", env.Channel)
	assert.JSONEq(t, `{"type":"escrow.created"}`, string(env.Data))
}

func startHub(t *testing.T) (*chanBus, *httptest.Server, context.Context) {
	t.Helper()
	bus := &chanBus{chans: map[string]chan []byte{
		"escrow_events": make(chan []byte, 4),
		"prices":        make(chan []byte, 4),
	}}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Channels: []string{"escrow_events", "prices"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return bus, srv, ctx
}

func TestHubSeedFilterFromQuery(t *testing.T) {
	bus, srv, ctx := startHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?channels=escrow_events&seed=7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "status", readEnvelope(t, conn).Channel)

	require.NoError(t, bus.Publish(ctx, "prices", []byte(`{"mantissa":1}`)))
	require.NoError(t, bus.Publish(ctx, "escrow_events", []byte(`{"type":"escrow.created","seed":3}`)))
	require.NoError(t, bus.Publish(ctx, "escrow_events", []byte(`{"type":"escrow.joined","seed":7}`)))

	env := readEnvelope(t, conn)
	assert.Equal(t, "escrow_events", env.Channel)
	assert.JSONEq(t, `{"type":"escrow.joined","seed":7}`, string(env.Data))
}

func TestHubWatchMessage(t *testing.T) {
	bus, srv, ctx := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{"prices"}}))
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "watch", Seeds: []uint64{9}}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "escrow_events", []byte(`{"seed":1}`)))
	require.NoError(t, bus.Publish(ctx, "escrow_events", []byte(`{"seed":9}`)))

	env := readEnvelope(t, conn)
	assert.JSONEq(t, `{"seed":9}`, string(env.Data))
}

func TestEventSeed(t *testing.T) {
	seed, ok := eventSeed([]byte(`{"seed":42}`))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), seed)

	_, ok = eventSeed([]byte(`{"mantissa":1}`))
	assert.False(t, ok)
	_, ok = eventSeed([]byte(`not json`))
	assert.False(t, ok)
}
