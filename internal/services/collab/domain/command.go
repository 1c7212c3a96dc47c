package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	platformerrors "github.com/louisbranch/campaign-collab/internal/platform/errors"
)

// MaxCommentRunes bounds comment bodies.
const MaxCommentRunes = 2000

// Command is a decoded inbound client request. The room and actor come from
// the authenticated connection, never from the frame.
type Command interface {
	EventType() EventType
}

// ContentChange asks to apply an edit to a field.
type ContentChange struct {
	FieldPath string
	OldValue  json.RawMessage
	NewValue  json.RawMessage
	Operation ChangeKind
}

func (ContentChange) EventType() EventType { return EventContentChanged }

type CursorMove struct {
	Position json.RawMessage
}

func (CursorMove) EventType() EventType { return EventCursorMoved }

type SelectionChange struct {
	Selection json.RawMessage
}

func (SelectionChange) EventType() EventType { return EventSelectionChanged }

type Comment struct {
	FieldPath string
	Body      string
}

func (Comment) EventType() EventType { return EventCommentAdded }

// LockAcquire travels as a lock_acquired frame from the client.
type LockAcquire struct {
	FieldPath string
}

func (LockAcquire) EventType() EventType { return EventLockAcquired }

// LockRelease travels as a lock_released frame from the client.
type LockRelease struct {
	FieldPath string
}

func (LockRelease) EventType() EventType { return EventLockReleased }

type SyncRequest struct{}

func (SyncRequest) EventType() EventType { return EventSyncRequest }

// Leave is an explicit departure. Closing the connection has the same effect.
type Leave struct{}

func (Leave) EventType() EventType { return EventUserLeft }

type inboundFrame struct {
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type contentChangeData struct {
	FieldPath string          `json:"field_path"`
	OldValue  json.RawMessage `json:"old_value"`
	NewValue  json.RawMessage `json:"new_value"`
	Operation string          `json:"operation"`
}

type cursorData struct {
	Position json.RawMessage `json:"position"`
}

type selectionData struct {
	Selection json.RawMessage `json:"selection"`
}

type commentData struct {
	FieldPath string `json:"field_path"`
	Body      string `json:"body"`
}

type fieldPathData struct {
	FieldPath string `json:"field_path"`
}

type commandDecoder func(data json.RawMessage) (Command, error)

var commandDecoders = map[EventType]commandDecoder{
	EventContentChanged:   decodeContentChange,
	EventCursorMoved:      decodeCursorMove,
	EventSelectionChanged: decodeSelectionChange,
	EventCommentAdded:     decodeComment,
	EventLockAcquired: func(data json.RawMessage) (Command, error) {
		path, err := decodeFieldPath(data)
		if err != nil {
			return nil, err
		}
		return LockAcquire{FieldPath: path}, nil
	},
	EventLockReleased: func(data json.RawMessage) (Command, error) {
		path, err := decodeFieldPath(data)
		if err != nil {
			return nil, err
		}
		return LockRelease{FieldPath: path}, nil
	},
	EventSyncRequest: func(json.RawMessage) (Command, error) { return SyncRequest{}, nil },
	EventUserLeft:    func(json.RawMessage) (Command, error) { return Leave{}, nil },
}

// DecodeCommand parses one inbound client frame into a typed command.
// Failures are *platformerrors.Error values suitable for an error frame.
func DecodeCommand(raw []byte) (Command, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeFrameInvalid, "invalid frame payload", err)
	}
	decode, ok := commandDecoders[frame.EventType]
	if !ok {
		return nil, platformerrors.WithMetadata(
			platformerrors.CodeEventTypeUnknown,
			"unsupported event type",
			map[string]string{"event_type": string(frame.EventType)},
		)
	}
	return decode(frame.Data)
}

func unmarshalData(data json.RawMessage, target any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return platformerrors.Wrap(platformerrors.CodeFrameInvalid, "invalid event data", err)
	}
	return nil
}

func decodeContentChange(data json.RawMessage) (Command, error) {
	var payload contentChangeData
	if err := unmarshalData(data, &payload); err != nil {
		return nil, err
	}
	path, err := NormalizeFieldPath(payload.FieldPath)
	if err != nil {
		return nil, err
	}
	op := ChangeKind(strings.ToLower(strings.TrimSpace(payload.Operation)))
	if op == "" {
		op = ChangeUpdate
	}
	if !op.Editable() {
		return nil, platformerrors.WithMetadata(
			platformerrors.CodeChangeOperation,
			"operation must be update, insert or delete",
			map[string]string{"operation": string(op)},
		)
	}
	return ContentChange{
		FieldPath: path,
		OldValue:  cloneRaw(payload.OldValue),
		NewValue:  cloneRaw(payload.NewValue),
		Operation: op,
	}, nil
}

func decodeCursorMove(data json.RawMessage) (Command, error) {
	var payload cursorData
	if err := unmarshalData(data, &payload); err != nil {
		return nil, err
	}
	return CursorMove{Position: cloneRaw(payload.Position)}, nil
}

func decodeSelectionChange(data json.RawMessage) (Command, error) {
	var payload selectionData
	if err := unmarshalData(data, &payload); err != nil {
		return nil, err
	}
	return SelectionChange{Selection: cloneRaw(payload.Selection)}, nil
}

func decodeComment(data json.RawMessage) (Command, error) {
	var payload commentData
	if err := unmarshalData(data, &payload); err != nil {
		return nil, err
	}
	path, err := NormalizeFieldPath(payload.FieldPath)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		return nil, platformerrors.New(platformerrors.CodeCommentEmpty, "body is required")
	}
	if utf8.RuneCountInString(body) > MaxCommentRunes {
		return nil, platformerrors.New(platformerrors.CodeCommentTooLong, "body must be at most 2000 characters")
	}
	return Comment{FieldPath: path, Body: body}, nil
}

func decodeFieldPath(data json.RawMessage) (string, error) {
	var payload fieldPathData
	if err := unmarshalData(data, &payload); err != nil {
		return "", err
	}
	return NormalizeFieldPath(payload.FieldPath)
}
