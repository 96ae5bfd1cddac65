package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// DefaultHermesWSURL is the public Pyth Hermes websocket endpoint.
const DefaultHermesWSURL = "wss://hermes.pyth.network/ws"

type wsCommand struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type wsMessage struct {
	Type      string   `json:"type"`
	Status    string   `json:"status,omitempty"`
	Error     string   `json:"error,omitempty"`
	PriceFeed pythFeed `json:"price_feed"`
}

// PythStream subscribes to Hermes price updates and hands every observation
// to the Sink. It reconnects with exponential backoff until ctx ends.
type PythStream struct {
	url     string
	feedIDs []string
	sink    *Sink
	logger  *slog.Logger
}

// NewPythStream creates a stream for feedIDs.
func NewPythStream(url string, feedIDs []string, sink *Sink, logger *slog.Logger) *PythStream {
	if url == "" {
		url = DefaultHermesWSURL
	}
	return &PythStream{
		url:     url,
		feedIDs: feedIDs,
		sink:    sink,
		logger:  logger.With(slog.String("component", "pyth_ws")),
	}
}

// Run blocks until ctx is cancelled.
func (s *PythStream) Run(ctx context.Context) error {
	if len(s.feedIDs) == 0 {
		s.logger.Info("no feed ids to subscribe, exiting")
		return nil
	}
	delay := reconnectDelay
	for {
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.sink.metrics.OracleError("pyth_ws")
		s.logger.Warn("pyth ws disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (s *PythStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("oracle: dial %s: %w", s.url, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ids := make([]string, len(s.feedIDs))
	for i, id := range s.feedIDs {
		ids[i] = NormalizeFeedID(id)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(wsCommand{Type: "subscribe", IDs: ids}); err != nil {
		return fmt.Errorf("oracle: subscribe: %w", err)
	}
	s.logger.Info("pyth ws subscribed", slog.Int("feeds", len(ids)))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("oracle: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.handleMessage(ctx, data); err != nil {
			return err
		}
	}
}

// handleMessage returns an error only when the server rejects the
// subscription; malformed updates are logged and skipped.
func (s *PythStream) handleMessage(ctx context.Context, data []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring undecodable message", slog.String("error", err.Error()))
		return nil
	}
	switch msg.Type {
	case "response":
		if msg.Status == "error" {
			return fmt.Errorf("oracle: subscription rejected: %s", msg.Error)
		}
	case "price_update":
		obs, err := msg.PriceFeed.observation()
		if err != nil {
			s.sink.metrics.OracleError("pyth_ws")
			s.logger.Warn("bad price update", slog.String("error", err.Error()))
			return nil
		}
		if err := s.sink.Handle(ctx, Update{FeedID: msg.PriceFeed.ID, Observation: obs, Source: "pyth_ws"}); err != nil {
			s.logger.Warn("store price update", slog.String("error", err.Error()))
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
