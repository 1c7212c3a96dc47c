package domain

import (
	"encoding/json"
	"time"
)

// ChangeKind classifies a change log entry.
type ChangeKind string

const (
	ChangeUpdate  ChangeKind = "update"
	ChangeInsert  ChangeKind = "insert"
	ChangeDelete  ChangeKind = "delete"
	ChangeComment ChangeKind = "comment"
)

// Editable reports whether k is a content operation a client may request.
// Comments arrive through their own command.
func (k ChangeKind) Editable() bool {
	switch k {
	case ChangeUpdate, ChangeInsert, ChangeDelete:
		return true
	default:
		return false
	}
}

// ChangeEntry is one append-only change log record. The room assigns ID,
// Sequence and Timestamp on arrival; nothing here is trusted from clients.
type ChangeEntry struct {
	ID        string          `json:"change_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id"`
	Kind      ChangeKind      `json:"change_type"`
	FieldPath string          `json:"field_path"`
	OldValue  json.RawMessage `json:"old_value,omitempty"`
	NewValue  json.RawMessage `json:"new_value,omitempty"`
}

// CommentBody returns the text of a comment entry, or "" for other kinds.
func (c ChangeEntry) CommentBody() string {
	if c.Kind != ChangeComment || len(c.NewValue) == 0 {
		return ""
	}
	var body string
	if err := json.Unmarshal(c.NewValue, &body); err != nil {
		return ""
	}
	return body
}

// Clone returns a copy whose raw values do not alias c.
func (c ChangeEntry) Clone() ChangeEntry {
	out := c
	out.OldValue = cloneRaw(c.OldValue)
	out.NewValue = cloneRaw(c.NewValue)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
