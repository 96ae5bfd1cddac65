package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one websocket connection and its subscription state.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	closeOnce sync.Once

	mu    sync.RWMutex
	subs  map[string]bool
	seeds map[uint64]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	c := &client{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]bool, len(h.cfg.Channels)),
		seeds:  make(map[uint64]struct{}),
	}
	for _, ch := range h.cfg.Channels {
		c.subs[ch] = true
	}
	return c
}

// close ends the write pump, which sends a close frame and drops the
// connection. Callers hold the hub lock.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *client) wants(channel string, seed uint64, hasSeed bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[channel] {
		return false
	}
	if !hasSeed || len(c.seeds) == 0 {
		return true
	}
	_, ok := c.seeds[seed]
	return ok
}

func (c *client) apply(msg clientMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			if c.hub.offers(ch) {
				c.subs[ch] = true
			}
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	case "watch":
		for _, s := range msg.Seeds {
			c.seeds[s] = struct{}{}
		}
	case "unwatch":
		if len(msg.Seeds) == 0 {
			clear(c.seeds)
		}
		for _, s := range msg.Seeds {
			delete(c.seeds, s)
		}
	}
}

// queueStatus sends the hub status so clients can mark the connection
// healthy before any event flows.
func (c *client) queueStatus() {
	uptime := max(int64(time.Since(c.hub.cfg.StartedAt).Seconds()), 0)
	payload, err := json.Marshal(map[string]any{
		"mode":           c.hub.cfg.Mode,
		"feed_id":        c.hub.cfg.FeedID,
		"channels":       c.hub.cfg.Channels,
		"uptime_seconds": uptime,
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Channel: statusChannel, Data: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					slog.String("remote", c.remote),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) == nil {
			c.apply(msg)
		}
	}
}

// writePump drains send and keeps the connection alive with pings. It owns
// every write to conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
