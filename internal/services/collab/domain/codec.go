package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON shape of every outbound message.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	RoomID    string          `json:"room_id"`
	ActorID   string          `json:"actor_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	EventID   string          `json:"event_id"`
}

// Encode renders e as one wire message.
func Encode(e Event) ([]byte, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("encode event: empty event")
	}
	data, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.eventType, err)
	}
	out, err := json.Marshal(Envelope{
		EventType: e.eventType,
		RoomID:    e.roomID,
		ActorID:   e.actorID,
		Data:      data,
		Timestamp: e.timestamp.Format(time.RFC3339Nano),
		EventID:   e.ID(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.eventType, err)
	}
	return out, nil
}

// DecodeEnvelope parses an outbound message. Clients and tests use it; the
// server never decodes its own output.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.EventType.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown event type %q", env.EventType)
	}
	return env, nil
}
