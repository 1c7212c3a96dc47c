// Package storage defines the durable change log port for collaboration
// rooms.
package storage

import (
	"context"

	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

// ChangeStore persists applied change entries per campaign room. Rooms call
// AppendChange fire-and-forget; the REST surface reads history back through
// ListChanges.
type ChangeStore interface {
	AppendChange(ctx context.Context, roomID string, entry domain.ChangeEntry) error
	// ListChanges returns up to limit of the newest entries, oldest first.
	ListChanges(ctx context.Context, roomID string, limit int) ([]domain.ChangeEntry, error)
	Close() error
}
