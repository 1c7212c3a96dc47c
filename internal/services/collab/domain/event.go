package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType tags every wire message.
type EventType string

const (
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventContentChanged   EventType = "content_changed"
	EventCursorMoved      EventType = "cursor_moved"
	EventCommentAdded     EventType = "comment_added"
	EventSelectionChanged EventType = "selection_changed"
	EventLockAcquired     EventType = "lock_acquired"
	EventLockReleased     EventType = "lock_released"
	EventConflictDetected EventType = "conflict_detected"
	EventSyncRequest      EventType = "sync_request"
	EventSyncResponse     EventType = "sync_response"
	// EventError is a transport-level frame for malformed client input. Rooms
	// never emit it.
	EventError EventType = "error"
)

var knownEventTypes = map[EventType]struct{}{
	EventUserJoined:       {},
	EventUserLeft:         {},
	EventContentChanged:   {},
	EventCursorMoved:      {},
	EventCommentAdded:     {},
	EventSelectionChanged: {},
	EventLockAcquired:     {},
	EventLockReleased:     {},
	EventConflictDetected: {},
	EventSyncRequest:      {},
	EventSyncResponse:     {},
	EventError:            {},
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Event is an immutable outbound collaboration message.
type Event struct {
	eventType EventType
	roomID    string
	actorID   string
	payload   Payload
	timestamp time.Time
	seq       uint64
	epoch     string
}

// NewEvent builds an event stamped by the room. seq is the room's event
// counter and feeds the derived event id.
func NewEvent(roomID, actorID string, seq uint64, at time.Time, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("event payload is required")
	}
	if strings.TrimSpace(roomID) == "" {
		return Event{}, fmt.Errorf("event room id is required")
	}
	return Event{
		eventType: payload.EventType(),
		roomID:    roomID,
		actorID:   actorID,
		payload:   payload,
		timestamp: at.UTC(),
		seq:       seq,
	}, nil
}

// Type returns the event tag.
func (e Event) Type() EventType { return e.eventType }

// RoomID returns the campaign the event belongs to.
func (e Event) RoomID() string { return e.roomID }

// ActorID returns the actor that caused the event.
func (e Event) ActorID() string { return e.actorID }

// Payload returns the kind-specific data.
func (e Event) Payload() Payload { return e.payload }

// Timestamp returns the room-assigned time in UTC.
func (e Event) Timestamp() time.Time { return e.timestamp }

// Seq returns the per-room event counter value.
func (e Event) Seq() uint64 { return e.seq }

// WithEpoch returns a copy of e scoped to one instance of its emitter. A
// room recreated under the same campaign, or a connection's error stream,
// uses a fresh epoch so sequence restarts never repeat an id.
func (e Event) WithEpoch(epoch string) Event {
	e.epoch = strings.TrimSpace(epoch)
	return e
}

// Epoch returns the emitter instance id, or "" when unset.
func (e Event) Epoch() string { return e.epoch }

// ID returns the derived identifier <room>_<epoch>_<actor>_<seq>, or
// <room>_<actor>_<seq> when no epoch was set.
func (e Event) ID() string {
	if e.epoch == "" {
		return fmt.Sprintf("%s_%s_%d", e.roomID, e.actorID, e.seq)
	}
	return fmt.Sprintf("%s_%s_%s_%d", e.roomID, e.epoch, e.actorID, e.seq)
}

// IsZero reports whether e was never constructed.
func (e Event) IsZero() bool { return e.payload == nil }
