package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/campaign-collab/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
	"github.com/louisbranch/campaign-collab/internal/services/collab/storage"
	"github.com/louisbranch/campaign-collab/internal/services/collab/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// MaxListLimit caps one ListChanges page.
const MaxListLimit = 500

// Store provides SQLite-backed change log persistence.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.ChangeStore = (*Store)(nil)

// Open opens a change store and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendChange persists one change entry. Re-appending the same change id is
// a no-op.
func (s *Store) AppendChange(ctx context.Context, roomID string, entry domain.ChangeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	entry.ID = strings.TrimSpace(entry.ID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if entry.ID == "" {
		return fmt.Errorf("change id is required")
	}
	if strings.TrimSpace(entry.ActorID) == "" {
		return fmt.Errorf("actor id is required")
	}
	if entry.Kind == "" {
		return fmt.Errorf("change type is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO campaign_changes (
	change_id,
	room_id,
	sequence,
	actor_id,
	change_type,
	field_path,
	old_value,
	new_value,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		entry.ID,
		roomID,
		int64(entry.Sequence),
		entry.ActorID,
		string(entry.Kind),
		entry.FieldPath,
		nullableJSON(entry.OldValue),
		nullableJSON(entry.NewValue),
		entry.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// ListChanges returns up to limit of the newest entries for roomID, oldest
// first.
func (s *Store) ListChanges(ctx context.Context, roomID string, limit int) ([]domain.ChangeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	change_id,
	sequence,
	actor_id,
	change_type,
	field_path,
	old_value,
	new_value,
	created_at
FROM campaign_changes
WHERE room_id = ?
ORDER BY created_at DESC, sequence DESC
LIMIT ?
`, strings.TrimSpace(roomID), limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.ChangeEntry, 0, limit)
	for rows.Next() {
		var (
			entry     domain.ChangeEntry
			sequence  int64
			kind      string
			oldValue  sql.NullString
			newValue  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(
			&entry.ID,
			&sequence,
			&entry.ActorID,
			&kind,
			&entry.FieldPath,
			&oldValue,
			&newValue,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entry.Sequence = uint64(sequence)
		entry.Kind = domain.ChangeKind(kind)
		entry.OldValue = rawJSON(oldValue)
		entry.NewValue = rawJSON(newValue)
		entry.Timestamp = time.Unix(0, createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(value sql.NullString) json.RawMessage {
	if !value.Valid {
		return nil
	}
	return json.RawMessage(value.String)
}
