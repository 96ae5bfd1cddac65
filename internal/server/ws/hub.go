// Package ws relays escrow events and oracle prices from the signal bus to
// websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	statusChannel = "status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMsg changes what a connection receives, e.g.
// {"action":"unsubscribe","channels":["prices"]} or
// {"action":"watch","seeds":[7]}. Watching narrows escrow events to the
// listed seeds; with no watched seeds every event is relayed.
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	Seeds    []uint64 `json:"seeds,omitempty"`
}

// envelope wraps a relayed bus message.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Config describes the hub's channels and the status sent to clients on
// connect.
type Config struct {
	Channels  []string
	Mode      string
	FeedID    string
	StartedAt time.Time
}

// Hub fans bus messages out to websocket clients.
type Hub struct {
	bus    domain.SignalBus
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	done    bool
}

// NewHub creates a hub bridging bus to websocket clients. Clients start
// subscribed to every channel in cfg.Channels.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	cfg.Channels = append([]string(nil), cfg.Channels...)
	return &Hub{
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
	}
}

// Run relays the configured bus channels until ctx is cancelled, then
// disconnects every client. A channel whose subscription fails is logged
// and skipped.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range h.cfg.Channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "subscribe failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case data, ok := <-msgs:
					if !ok {
						h.logger.Warn("bus subscription closed", slog.String("channel", channel))
						return
					}
					h.deliver(channel, data)
				}
			}
		}(ch)
	}

	<-ctx.Done()
	h.mu.Lock()
	h.done = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	wg.Wait()
	return ctx.Err()
}

// deliver queues one bus message on every interested client. A client whose
// queue is full is disconnected rather than silently skipping events.
func (h *Hub) deliver(channel string, data []byte) {
	frame, err := json.Marshal(envelope{Channel: channel, Data: data})
	if err != nil {
		h.logger.Warn("dropping non-JSON message", slog.String("channel", channel))
		return
	}
	seed, hasSeed := eventSeed(data)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(channel, seed, hasSeed) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("disconnecting slow client", slog.String("remote", c.remote))
			c.close()
			delete(h.clients, c)
		}
	}
}

// eventSeed extracts the escrow seed from an event payload.
func eventSeed(data []byte) (uint64, bool) {
	var probe struct {
		Seed *uint64 `json:"seed"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.Seed == nil {
		return 0, false
	}
	return *probe.Seed, true
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("client connected",
		slog.String("remote", c.remote),
		slog.Int("total_clients", len(h.clients)),
	)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.logger.Info("client disconnected",
		slog.String("remote", c.remote),
		slog.Int("total_clients", len(h.clients)),
	)
}

// HandleWS upgrades the request and starts relaying to it.
// GET /ws?channels=escrow_events&seed=7
//
// The optional channels and seed query parameters set the initial
// subscription; both accept comma separated lists.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	q := r.URL.Query()
	if v := q.Get("channels"); v != "" {
		c.subs = make(map[string]bool)
		c.apply(clientMsg{Action: "subscribe", Channels: splitList(v)})
	}
	if v := q.Get("seed"); v != "" {
		var seeds []uint64
		for _, s := range splitList(v) {
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				seeds = append(seeds, n)
			}
		}
		c.apply(clientMsg{Action: "watch", Seeds: seeds})
	}

	if !h.add(c) {
		_ = conn.Close()
		return
	}
	c.queueStatus()

	go c.writePump()
	go c.readPump()
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) offers(channel string) bool {
	return slices.Contains(h.cfg.Channels, channel)
}
