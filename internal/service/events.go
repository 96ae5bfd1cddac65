package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

const (
	// EventsChannel carries committed escrow events as JSON.
	EventsChannel = "escrow_events"
	// EventsStream is the durable copy of EventsChannel, protobuf encoded.
	EventsStream = "escrow_events_stream"
)

// emit publishes a committed event. Failures are logged, never returned:
// the transition has already committed.
func (s *EscrowService) emit(ctx context.Context, ev domain.EscrowEvent) {
	if s.bus != nil {
		if payload, err := json.Marshal(ev); err != nil {
			s.logger.ErrorContext(ctx, "marshal escrow event", slog.String("error", err.Error()))
		} else if err := s.bus.Publish(ctx, EventsChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish escrow event failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}

		if payload, err := EncodeStreamEvent(ev); err != nil {
			s.logger.ErrorContext(ctx, "encode escrow event", slog.String("error", err.Error()))
		} else if err := s.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
			s.logger.WarnContext(ctx, "append escrow event failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil && (ev.Type == domain.EventSettled || ev.Type == domain.EventWithdrawn) {
		if err := s.notifier.NotifyEscrow(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "notify escrow event failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StreamEvent is one decoded entry of the event stream.
type StreamEvent struct {
	StreamID string             `json:"stream_id"`
	Event    domain.EscrowEvent `json:"event"`
}

// EventsSince reads up to count events appended after lastID. An empty
// lastID reads from the start of the stream.
func (s *EscrowService) EventsSince(ctx context.Context, lastID string, count int) ([]StreamEvent, error) {
	if s.bus == nil {
		return []StreamEvent{}, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := s.bus.StreamRead(ctx, EventsStream, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("escrow_service: read events: %w", err)
	}
	out := make([]StreamEvent, 0, len(msgs))
	for _, m := range msgs {
		ev, err := DecodeStreamEvent(m.Payload)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable event",
				slog.String("stream_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, StreamEvent{StreamID: m.ID, Event: ev})
	}
	return out, nil
}

// EncodeStreamEvent encodes ev as a protobuf Struct. Header fields are kept
// as strings so that 64-bit values survive; the full event rides along as
// JSON in the "body" field.
func EncodeStreamEvent(ev domain.EscrowEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":        ev.ID,
		"type":      string(ev.Type),
		"seed":      strconv.FormatUint(ev.Seed, 10),
		"caller":    string(ev.Caller),
		"status":    string(ev.Escrow.Status),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"body":      string(body),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return proto.Marshal(st)
}

// DecodeStreamEvent reverses EncodeStreamEvent.
func DecodeStreamEvent(payload []byte) (domain.EscrowEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(payload, &st); err != nil {
		return domain.EscrowEvent{}, fmt.Errorf("decode event: %w", err)
	}
	body, ok := st.GetFields()["body"]
	if !ok {
		return domain.EscrowEvent{}, fmt.Errorf("decode event: missing body")
	}
	var ev domain.EscrowEvent
	if err := json.Unmarshal([]byte(body.GetStringValue()), &ev); err != nil {
		return domain.EscrowEvent{}, fmt.Errorf("decode event body: %w", err)
	}
	return ev, nil
}
