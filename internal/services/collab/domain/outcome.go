package domain

import "fmt"

// ConflictError reports that a field path is locked by another actor.
type ConflictError struct {
	FieldPath  string
	HolderID   string
	HolderName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("field %q is currently being edited by %s", e.FieldPath, e.holderLabel())
}

// Message is the human-readable text sent to the rejected actor.
func (e *ConflictError) Message() string {
	return "Field is currently being edited by " + e.holderLabel()
}

func (e *ConflictError) holderLabel() string {
	if e.HolderName != "" {
		return e.HolderName
	}
	if e.HolderID != "" {
		return e.HolderID
	}
	return "Unknown"
}

// ReleaseOutcome reports what a lock release request did.
type ReleaseOutcome int

const (
	// ReleaseReleased means the holder released the lock.
	ReleaseReleased ReleaseOutcome = iota
	// ReleaseNotHolder means another actor holds the lock; nothing changed.
	ReleaseNotHolder
	// ReleaseNotLocked means the path was not locked; nothing changed.
	ReleaseNotLocked
)

func (o ReleaseOutcome) String() string {
	switch o {
	case ReleaseReleased:
		return "released"
	case ReleaseNotHolder:
		return "not_holder"
	case ReleaseNotLocked:
		return "not_locked"
	default:
		return fmt.Sprintf("release_outcome(%d)", int(o))
	}
}

// ChangeStatus classifies a content change attempt.
type ChangeStatus int

const (
	ChangeApplied ChangeStatus = iota
	ChangeConflict
	ChangeNotParticipant
)

func (s ChangeStatus) String() string {
	switch s {
	case ChangeApplied:
		return "applied"
	case ChangeConflict:
		return "conflict"
	case ChangeNotParticipant:
		return "not_participant"
	default:
		return fmt.Sprintf("change_status(%d)", int(s))
	}
}

// ChangeResult is the outcome of HandleContentChange and HandleComment.
// Entry is set when Status is ChangeApplied; Conflict when ChangeConflict.
type ChangeResult struct {
	Status   ChangeStatus
	Entry    ChangeEntry
	Conflict *ConflictError
}

// Applied reports whether the change reached the log.
func (r ChangeResult) Applied() bool { return r.Status == ChangeApplied }
