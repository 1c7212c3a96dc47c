package domain

import (
	"encoding/json"
	"time"
)

// Payload is the kind-specific body of an Event. Each variant names the
// event type it travels under.
type Payload interface {
	EventType() EventType
}

// Participant describes one session in a sync snapshot.
type Participant struct {
	ActorID     string          `json:"actor_id"`
	DisplayName string          `json:"display_name"`
	JoinedAt    time.Time       `json:"joined_at"`
	Cursor      json.RawMessage `json:"cursor_position,omitempty"`
	Selection   json.RawMessage `json:"current_selection,omitempty"`
}

// LockInfo describes one held field lock.
type LockInfo struct {
	FieldPath  string `json:"field_path"`
	HolderID   string `json:"locked_by"`
	HolderName string `json:"locked_by_name"`
}

type UserJoined struct {
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	ActiveUsers []string  `json:"active_users"`
}

func (UserJoined) EventType() EventType { return EventUserJoined }

type UserLeft struct {
	DisplayName string    `json:"display_name"`
	LeftAt      time.Time `json:"left_at"`
	ActiveUsers []string  `json:"active_users"`
}

func (UserLeft) EventType() EventType { return EventUserLeft }

// ContentChanged relays an applied change to the other participants.
type ContentChanged struct {
	ChangeID  string          `json:"change_id"`
	Sequence  uint64          `json:"sequence"`
	FieldPath string          `json:"field_path"`
	OldValue  json.RawMessage `json:"old_value,omitempty"`
	NewValue  json.RawMessage `json:"new_value,omitempty"`
	Operation ChangeKind      `json:"operation"`
}

func (ContentChanged) EventType() EventType { return EventContentChanged }

// ContentChangedFrom projects a log entry onto its broadcast payload.
func ContentChangedFrom(entry ChangeEntry) ContentChanged {
	return ContentChanged{
		ChangeID:  entry.ID,
		Sequence:  entry.Sequence,
		FieldPath: entry.FieldPath,
		OldValue:  entry.OldValue,
		NewValue:  entry.NewValue,
		Operation: entry.Kind,
	}
}

type CursorMoved struct {
	DisplayName string          `json:"display_name"`
	Position    json.RawMessage `json:"position"`
}

func (CursorMoved) EventType() EventType { return EventCursorMoved }

type SelectionChanged struct {
	DisplayName string          `json:"display_name"`
	Selection   json.RawMessage `json:"selection"`
}

func (SelectionChanged) EventType() EventType { return EventSelectionChanged }

type CommentAdded struct {
	ChangeID    string `json:"change_id"`
	Sequence    uint64 `json:"sequence"`
	FieldPath   string `json:"field_path"`
	Body        string `json:"body"`
	DisplayName string `json:"display_name"`
}

func (CommentAdded) EventType() EventType { return EventCommentAdded }

type LockAcquired struct {
	LockInfo
}

func (LockAcquired) EventType() EventType { return EventLockAcquired }

type LockReleased struct {
	LockInfo
}

func (LockReleased) EventType() EventType { return EventLockReleased }

// ConflictDetected is unicast to an actor whose change hit a foreign lock.
type ConflictDetected struct {
	FieldPath  string `json:"field_path"`
	HolderID   string `json:"locked_by"`
	HolderName string `json:"locked_by_name"`
	Message    string `json:"message"`
}

func (ConflictDetected) EventType() EventType { return EventConflictDetected }

// ConflictDetectedFrom projects a conflict onto its wire payload.
func ConflictDetectedFrom(err *ConflictError) ConflictDetected {
	return ConflictDetected{
		FieldPath:  err.FieldPath,
		HolderID:   err.HolderID,
		HolderName: err.HolderName,
		Message:    err.Message(),
	}
}

// SyncResponse is the point-in-time snapshot handed to a joiner or to a
// participant that asked for a resync.
type SyncResponse struct {
	Participants  []Participant `json:"active_users"`
	Locks         []LockInfo    `json:"content_locks"`
	RecentChanges []ChangeEntry `json:"recent_changes"`
}

func (SyncResponse) EventType() EventType { return EventSyncResponse }

// ErrorFrame carries a transport-level rejection of malformed input.
type ErrorFrame struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (ErrorFrame) EventType() EventType { return EventError }
