package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/campaign-collab/internal/platform/id"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultGraceWindow is how long an empty room lingers before reclaim.
	DefaultGraceWindow = time.Hour
	// DefaultIdleTimeout expires sessions that have sent nothing for this long.
	DefaultIdleTimeout = time.Hour
	// DefaultSweepInterval paces Run.
	DefaultSweepInterval = time.Minute
)

// ErrManagerClosed is returned once Close has started.
var ErrManagerClosed = errors.New("room manager is closed")

// Config tunes a Manager. Zero values fall back to the defaults above.
type Config struct {
	Logger         *slog.Logger
	Store          ChangeSink
	GraceWindow    time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	RecentChanges  int
	PersistQueue   int
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Now            func() time.Time
	NewID          id.Generator
}

// JoinCommand admits a session through Dispatch. The transport builds it
// once the identity handshake has produced a session.
type JoinCommand struct {
	Session *Session
}

func (JoinCommand) EventType() domain.EventType { return domain.EventUserJoined }

// SweepReport summarises one Sweep pass.
type SweepReport struct {
	Expired   int
	Reclaimed []string
}

type dispatchFunc func(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error

// Manager is the process-wide directory of rooms.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	routes  map[domain.EventType]dispatchFunc

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewManager builds an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RecentChanges <= 0 {
		cfg.RecentChanges = defaultRecentChanges
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	tracerProvider := cfg.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  tracerProvider.Tracer(instrumentationName),
		metrics: newMetrics(cfg.MeterProvider),
		rooms:   make(map[string]*Room),
	}
	m.routes = map[domain.EventType]dispatchFunc{
		domain.EventUserJoined:       dispatchJoin,
		domain.EventUserLeft:         dispatchLeave,
		domain.EventContentChanged:   dispatchContentChange,
		domain.EventCursorMoved:      dispatchCursor,
		domain.EventSelectionChanged: dispatchSelection,
		domain.EventCommentAdded:     dispatchComment,
		domain.EventLockAcquired:     dispatchLockAcquire,
		domain.EventLockReleased:     dispatchLockRelease,
		domain.EventSyncRequest:      dispatchSync,
	}
	return m
}

// GetOrCreateRoom returns the live room for roomID, creating it on first
// reference.
func (m *Manager) GetOrCreateRoom(roomID string) (*Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errors.New("room id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if existing, ok := m.rooms[roomID]; ok {
		return existing, nil
	}
	created := newRoom(roomID, roomConfig{
		logger:        m.logger,
		sink:          m.cfg.Store,
		persistQueue:  m.cfg.PersistQueue,
		recentChanges: m.cfg.RecentChanges,
		now:           m.cfg.Now,
		newID:         m.cfg.NewID,
		metrics:       m.metrics,
	})
	m.rooms[roomID] = created
	m.logger.Info("room created", "room_id", roomID)
	return created, nil
}

func (m *Manager) lookup(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[strings.TrimSpace(roomID)]
}

// Join admits s to roomID. A room reclaimed between lookup and admission is
// replaced by a fresh one and the join retried once.
func (m *Manager) Join(ctx context.Context, roomID string, s *Session) (*Room, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		target, err := m.GetOrCreateRoom(roomID)
		if err != nil {
			return nil, err
		}
		err = target.AddUser(ctx, s)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, ErrRoomClosed) {
			return nil, err
		}
		m.forget(target)
		lastErr = err
	}
	return nil, lastErr
}

// Leave removes actorID from roomID. A missing room is not an error.
func (m *Manager) Leave(ctx context.Context, roomID, actorID string) (bool, error) {
	target := m.lookup(roomID)
	if target == nil {
		return false, nil
	}
	removed, err := target.RemoveUser(ctx, actorID)
	if errors.Is(err, ErrRoomClosed) {
		return false, nil
	}
	return removed, err
}

// Disconnect removes s from roomID if it is still the actor's live session.
func (m *Manager) Disconnect(ctx context.Context, roomID string, s *Session) (bool, error) {
	target := m.lookup(roomID)
	if target == nil {
		return false, nil
	}
	removed, err := target.RemoveSession(ctx, s)
	if errors.Is(err, ErrRoomClosed) {
		return false, nil
	}
	return removed, err
}

// Dispatch routes one command for actorID to the matching room operation.
// Expected outcomes such as lock conflicts are not errors; ErrNotParticipant
// and ErrRoomNotFound are.
func (m *Manager) Dispatch(ctx context.Context, roomID, actorID string, cmd domain.Command) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	route, ok := m.routes[cmd.EventType()]
	if !ok {
		return fmt.Errorf("no route for event type %q", cmd.EventType())
	}
	ctx, span := m.tracer.Start(ctx, "collab.dispatch", trace.WithAttributes(
		attribute.String("collab.room_id", roomID),
		attribute.String("collab.actor_id", actorID),
		attribute.String("collab.event_type", string(cmd.EventType())),
	))
	defer span.End()

	err := route(ctx, m, roomID, actorID, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) roomFor(roomID string) (*Room, error) {
	target := m.lookup(roomID)
	if target == nil {
		return nil, ErrRoomNotFound
	}
	return target, nil
}

func dispatchJoin(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	join, ok := cmd.(JoinCommand)
	if !ok || join.Session == nil {
		return errors.New("join requires a session")
	}
	if join.Session.ActorID() != actorID {
		return fmt.Errorf("join session actor %q does not match %q", join.Session.ActorID(), actorID)
	}
	_, err := m.Join(ctx, roomID, join.Session)
	return err
}

func dispatchLeave(ctx context.Context, m *Manager, roomID, actorID string, _ domain.Command) error {
	_, err := m.Leave(ctx, roomID, actorID)
	return err
}

func dispatchContentChange(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	change, err := commandAs[domain.ContentChange](cmd)
	if err != nil {
		return err
	}
	result, err := target.HandleContentChange(ctx, actorID, change)
	if err != nil {
		return err
	}
	if result.Status == domain.ChangeNotParticipant {
		return ErrNotParticipant
	}
	if result.Status == domain.ChangeConflict {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("collab.conflict_holder", result.Conflict.HolderID))
	}
	return nil
}

func dispatchComment(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	comment, err := commandAs[domain.Comment](cmd)
	if err != nil {
		return err
	}
	result, err := target.HandleComment(ctx, actorID, comment)
	if err != nil {
		return err
	}
	if result.Status == domain.ChangeNotParticipant {
		return ErrNotParticipant
	}
	return nil
}

func dispatchCursor(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	move, err := commandAs[domain.CursorMove](cmd)
	if err != nil {
		return err
	}
	ok, err := target.HandleCursorMovement(ctx, actorID, move.Position)
	return participantErr(ok, err)
}

func dispatchSelection(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	selection, err := commandAs[domain.SelectionChange](cmd)
	if err != nil {
		return err
	}
	ok, err := target.HandleSelectionChange(ctx, actorID, selection.Selection)
	return participantErr(ok, err)
}

func dispatchLockAcquire(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	acquire, err := commandAs[domain.LockAcquire](cmd)
	if err != nil {
		return err
	}
	granted, err := target.AcquireLock(ctx, actorID, acquire.FieldPath)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("collab.lock_granted", granted))
	return nil
}

func dispatchLockRelease(ctx context.Context, m *Manager, roomID, actorID string, cmd domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	release, err := commandAs[domain.LockRelease](cmd)
	if err != nil {
		return err
	}
	outcome, err := target.ReleaseLock(ctx, actorID, release.FieldPath)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("collab.release_outcome", outcome.String()))
	return nil
}

func dispatchSync(ctx context.Context, m *Manager, roomID, actorID string, _ domain.Command) error {
	target, err := m.roomFor(roomID)
	if err != nil {
		return err
	}
	return participantErr(target.Sync(ctx, actorID))
}

func commandAs[T domain.Command](cmd domain.Command) (T, error) {
	typed, ok := cmd.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected command %T for %s", cmd, cmd.EventType())
	}
	return typed, nil
}

func participantErr(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// Sweep expires idle sessions and reclaims rooms that have been empty for
// longer than the grace window.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	for _, target := range m.liveRooms() {
		expired, err := target.Expire(ctx, now, m.cfg.IdleTimeout)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("expire sessions in room %s: %w", target.ID(), err)
		}
		for _, actorID := range expired {
			m.logger.Info("session expired", "room_id", target.ID(), "actor_id", actorID)
		}
		report.Expired += len(expired)
	}

	for _, target := range m.liveRooms() {
		closed, err := target.tryClose(ctx, now, m.cfg.GraceWindow)
		if err != nil {
			return report, fmt.Errorf("reclaim room %s: %w", target.ID(), err)
		}
		if !closed {
			continue
		}
		m.forget(target)
		report.Reclaimed = append(report.Reclaimed, target.ID())
		m.logger.Info("room reclaimed", "room_id", target.ID())
	}
	return report, nil
}

// Run sweeps on a ticker until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := m.Sweep(ctx, m.cfg.Now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Error("sweep rooms", "err", err)
				continue
			}
			if report.Expired > 0 || len(report.Reclaimed) > 0 {
				m.logger.Debug("sweep finished", "expired", report.Expired, "reclaimed", len(report.Reclaimed))
			}
		}
	}
}

// Rooms returns snapshots of every live room ordered by id.
func (m *Manager) Rooms(ctx context.Context) ([]Snapshot, error) {
	rooms := m.liveRooms()
	out := make([]Snapshot, 0, len(rooms))
	for _, target := range rooms {
		snap, err := target.Snapshot(ctx)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Snapshot returns the view of one live room.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (Snapshot, error) {
	target, err := m.roomFor(roomID)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := target.Snapshot(ctx)
	if errors.Is(err, ErrRoomClosed) {
		return Snapshot{}, ErrRoomNotFound
	}
	return snap, err
}

// Changes returns the most recent in-memory change entries of a live room.
func (m *Manager) Changes(ctx context.Context, roomID string, limit int) ([]domain.ChangeEntry, error) {
	target, err := m.roomFor(roomID)
	if err != nil {
		return nil, err
	}
	changes, err := target.Changes(ctx, limit)
	if errors.Is(err, ErrRoomClosed) {
		return nil, ErrRoomNotFound
	}
	return changes, err
}

// Close stops accepting rooms and closes every live room, flushing queued
// persistence.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, target := range m.rooms {
		rooms = append(rooms, target)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var errs []error
	for _, target := range rooms {
		if err := target.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close room %s: %w", target.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) liveRooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, target := range m.rooms {
		rooms = append(rooms, target)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID() < rooms[j].ID() })
	return rooms
}

func (m *Manager) forget(target *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[target.ID()] == target {
		delete(m.rooms, target.ID())
	}
}
