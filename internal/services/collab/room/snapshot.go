package room

import (
	"time"

	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

// Snapshot is a point-in-time, read-only view of one room.
type Snapshot struct {
	RoomID        string               `json:"room_id"`
	Participants  []domain.Participant `json:"participants"`
	Locks         []domain.LockInfo    `json:"locks"`
	ChangeCount   int                  `json:"change_count"`
	RecentChanges []domain.ChangeEntry `json:"recent_changes"`
	LastActivity  time.Time            `json:"last_activity"`
	EmptySince    *time.Time           `json:"empty_since,omitempty"`
}

// HolderOf returns the actor holding path, if any.
func (s Snapshot) HolderOf(path string) (string, bool) {
	for _, lock := range s.Locks {
		if lock.FieldPath == path {
			return lock.HolderID, true
		}
	}
	return "", false
}

// HasParticipant reports whether actorID had a session at snapshot time.
func (s Snapshot) HasParticipant(actorID string) bool {
	for _, p := range s.Participants {
		if p.ActorID == actorID {
			return true
		}
	}
	return false
}
