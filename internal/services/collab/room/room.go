package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/louisbranch/campaign-collab/internal/platform/id"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

const (
	defaultRecentChanges = 10
	opQueueSize          = 64
)

var (
	// ErrRoomClosed is returned for operations submitted after a room was
	// reclaimed or shut down.
	ErrRoomClosed = errors.New("room is closed")
	// ErrRoomNotFound is returned when no live room exists for a campaign.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotParticipant is returned when the actor has no session in the room.
	ErrNotParticipant = errors.New("actor is not a participant")
)

type roomConfig struct {
	logger        *slog.Logger
	sink          ChangeSink
	persistQueue  int
	recentChanges int
	now           func() time.Time
	newID         id.Generator
	metrics       *metrics
}

type op struct {
	fn   func()
	done chan error
}

// Room is the collaboration state machine for one campaign. All state is
// owned by the room goroutine; public methods submit work to it and wait.
type Room struct {
	id     string
	epoch  string
	cfg    roomConfig
	logger *slog.Logger

	ops    chan op
	exited chan struct{}
	writer *changeWriter

	// Owned by the room goroutine.
	sessions     map[string]*Session
	locks        map[string]string
	changes      []domain.ChangeEntry
	eventSeq     uint64
	changeSeq    uint64
	lastActivity time.Time
	emptySince   time.Time
	closed       bool
}

func newRoom(roomID string, cfg roomConfig) *Room {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.newID == nil {
		cfg.newID = id.NewID
	}
	if cfg.recentChanges <= 0 {
		cfg.recentChanges = defaultRecentChanges
	}
	if cfg.metrics == nil {
		cfg.metrics = newMetrics(nil)
	}
	now := cfg.now().UTC()
	epoch, err := id.NewID()
	if err != nil {
		epoch = strconv.FormatInt(now.UnixNano(), 36)
	}
	r := &Room{
		id:           roomID,
		epoch:        epoch,
		cfg:          cfg,
		logger:       cfg.logger.With("room_id", roomID),
		ops:          make(chan op, opQueueSize),
		exited:       make(chan struct{}),
		sessions:     make(map[string]*Session),
		locks:        make(map[string]string),
		lastActivity: now,
		emptySince:   now,
	}
	if cfg.sink != nil {
		r.writer = newChangeWriter(roomID, cfg.sink, cfg.persistQueue, r.logger, cfg.metrics)
	}
	cfg.metrics.roomOpened()
	go r.run()
	return r
}

// ID returns the campaign id the room serves.
func (r *Room) ID() string { return r.id }

// Done is closed after the room goroutine exits and pending persistence has
// been flushed.
func (r *Room) Done() <-chan struct{} { return r.exited }

func (r *Room) run() {
	defer func() {
		if r.writer != nil {
			r.writer.stop()
		}
		r.cfg.metrics.roomClosed()
		close(r.exited)
	}()
	for next := range r.ops {
		if r.closed {
			next.done <- ErrRoomClosed
			continue
		}
		next.fn()
		next.done <- nil
		if r.closed {
			r.drain()
			return
		}
	}
}

// drain rejects ops that were queued behind the closing op.
func (r *Room) drain() {
	for {
		select {
		case next := <-r.ops:
			next.done <- ErrRoomClosed
		default:
			return
		}
	}
}

// do runs fn on the room goroutine. Cancelling ctx abandons the wait, never
// an op the room has already accepted.
func (r *Room) do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	next := op{fn: fn, done: make(chan error, 1)}
	select {
	case <-r.exited:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.ops <- next:
	}
	select {
	case err := <-next.done:
		return err
	case <-r.exited:
		select {
		case err := <-next.done:
			return err
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) now() time.Time { return r.cfg.now().UTC() }

// AddUser admits a session. Other participants receive USER_JOINED; the
// joiner alone receives a SYNC_RESPONSE built from live state. A previous
// session for the same actor is removed first.
func (r *Room) AddUser(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("session is required")
	}
	return r.do(ctx, func() { r.addUser(s) })
}

// RemoveUser drops an actor, releasing its locks. It reports whether a
// session was present.
func (r *Room) RemoveUser(ctx context.Context, actorID string) (bool, error) {
	var removed bool
	err := r.do(ctx, func() { removed = r.removeUser(actorID, "leave") })
	return removed, err
}

// RemoveSession drops s only while it is still the actor's current session,
// so a replaced connection closing late cannot evict its successor.
func (r *Room) RemoveSession(ctx context.Context, s *Session) (bool, error) {
	if s == nil {
		return false, nil
	}
	var removed bool
	err := r.do(ctx, func() {
		if r.sessions[s.ActorID()] != s {
			return
		}
		removed = r.removeUser(s.ActorID(), "disconnect")
	})
	return removed, err
}

// AcquireLock tries to take the lock on path for actorID. Failure is silent:
// no event is emitted and false is returned.
func (r *Room) AcquireLock(ctx context.Context, actorID, path string) (bool, error) {
	key, err := domain.NormalizeFieldPath(path)
	if err != nil {
		return false, nil
	}
	var granted bool
	err = r.do(ctx, func() { granted = r.acquireLock(actorID, key) })
	return granted, err
}

// ReleaseLock releases path if actorID holds it.
func (r *Room) ReleaseLock(ctx context.Context, actorID, path string) (domain.ReleaseOutcome, error) {
	key, err := domain.NormalizeFieldPath(path)
	if err != nil {
		return domain.ReleaseNotLocked, nil
	}
	outcome := domain.ReleaseNotLocked
	err = r.do(ctx, func() { outcome = r.releaseLock(actorID, key) })
	return outcome, err
}

// HandleContentChange applies an edit unless another actor holds the field.
func (r *Room) HandleContentChange(ctx context.Context, actorID string, change domain.ContentChange) (domain.ChangeResult, error) {
	key, err := domain.NormalizeFieldPath(change.FieldPath)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	change.FieldPath = key
	if change.Operation == "" {
		change.Operation = domain.ChangeUpdate
	}
	var result domain.ChangeResult
	err = r.do(ctx, func() { result = r.handleContentChange(actorID, change) })
	return result, err
}

// HandleComment appends a comment annotation. Comments ignore field locks.
func (r *Room) HandleComment(ctx context.Context, actorID string, comment domain.Comment) (domain.ChangeResult, error) {
	key, err := domain.NormalizeFieldPath(comment.FieldPath)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	comment.FieldPath = key
	var result domain.ChangeResult
	err = r.do(ctx, func() { result = r.handleComment(actorID, comment) })
	return result, err
}

// HandleCursorMovement relays a cursor position to the other participants.
func (r *Room) HandleCursorMovement(ctx context.Context, actorID string, position json.RawMessage) (bool, error) {
	var ok bool
	err := r.do(ctx, func() {
		s := r.sessions[actorID]
		if s == nil {
			return
		}
		ok = true
		now := r.now()
		s.UpdateCursor(position, now)
		r.lastActivity = now
		r.broadcast(actorID, domain.CursorMoved{DisplayName: s.DisplayName(), Position: position}, actorID)
	})
	return ok, err
}

// HandleSelectionChange relays a selection to the other participants.
func (r *Room) HandleSelectionChange(ctx context.Context, actorID string, selection json.RawMessage) (bool, error) {
	var ok bool
	err := r.do(ctx, func() {
		s := r.sessions[actorID]
		if s == nil {
			return
		}
		ok = true
		now := r.now()
		s.UpdateSelection(selection, now)
		r.lastActivity = now
		r.broadcast(actorID, domain.SelectionChanged{DisplayName: s.DisplayName(), Selection: selection}, actorID)
	})
	return ok, err
}

// Sync answers a sync request with a fresh snapshot for actorID.
func (r *Room) Sync(ctx context.Context, actorID string) (bool, error) {
	var ok bool
	err := r.do(ctx, func() {
		s := r.sessions[actorID]
		if s == nil {
			return
		}
		ok = true
		s.touch(r.now())
		r.unicast(s, r.syncResponse(actorID))
	})
	return ok, err
}

// Broadcast sends payload, attributed to actorID, to every participant except
// exclude. Participants whose send fails are removed.
func (r *Room) Broadcast(ctx context.Context, actorID string, payload domain.Payload, exclude string) error {
	if payload == nil {
		return errors.New("payload is required")
	}
	return r.do(ctx, func() { r.broadcast(actorID, payload, exclude) })
}

// Expire removes sessions idle for longer than idle and returns their actor
// ids.
func (r *Room) Expire(ctx context.Context, now time.Time, idle time.Duration) ([]string, error) {
	var expired []string
	err := r.do(ctx, func() {
		if idle <= 0 {
			return
		}
		for _, s := range r.sortedSessions() {
			if now.Sub(s.LastActivity()) > idle {
				expired = append(expired, s.ActorID())
			}
		}
		for _, actorID := range expired {
			r.removeUser(actorID, "idle")
		}
	})
	return expired, err
}

// Snapshot returns a read-only view of the room.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.do(ctx, func() { snap = r.snapshot() })
	return snap, err
}

// Changes returns up to limit of the most recent change log entries, oldest
// first. A non-positive limit returns the whole log.
func (r *Room) Changes(ctx context.Context, limit int) ([]domain.ChangeEntry, error) {
	var out []domain.ChangeEntry
	err := r.do(ctx, func() { out = r.recentChanges(limit) })
	return out, err
}

// Close removes every session and stops the room. Queued changes are flushed
// before Done is closed.
func (r *Room) Close(ctx context.Context) error {
	err := r.do(ctx, func() {
		for _, s := range r.sortedSessions() {
			delete(r.sessions, s.ActorID())
			r.cfg.metrics.sessionOut()
			s.Close()
		}
		r.locks = make(map[string]string)
		r.closed = true
	})
	if errors.Is(err, ErrRoomClosed) {
		err = nil
	}
	if err != nil {
		return err
	}
	select {
	case <-r.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryClose marks the room closed when it has been empty for at least grace.
// It runs inside the room's serialization so a racing join either lands
// first or observes ErrRoomClosed.
func (r *Room) tryClose(ctx context.Context, now time.Time, grace time.Duration) (bool, error) {
	var closed bool
	err := r.do(ctx, func() {
		if len(r.sessions) > 0 || r.emptySince.IsZero() {
			return
		}
		if now.Sub(r.emptySince) < grace {
			return
		}
		r.closed = true
		closed = true
	})
	if errors.Is(err, ErrRoomClosed) {
		return true, nil
	}
	return closed, err
}

func (r *Room) addUser(s *Session) {
	if old, ok := r.sessions[s.ActorID()]; ok {
		if old == s {
			return
		}
		r.removeUser(old.ActorID(), "replaced")
	}
	now := r.now()
	s.markJoined(now)
	r.sessions[s.ActorID()] = s
	r.emptySince = time.Time{}
	r.lastActivity = now
	r.cfg.metrics.sessionIn()
	r.logger.Info("user joined", "actor_id", s.ActorID(), "participants", len(r.sessions))

	r.broadcast(s.ActorID(), domain.UserJoined{
		DisplayName: s.DisplayName(),
		JoinedAt:    now,
		ActiveUsers: r.activeUsers(),
	}, s.ActorID())
	if _, still := r.sessions[s.ActorID()]; still {
		r.unicast(s, r.syncResponse(s.ActorID()))
	}
}

func (r *Room) removeUser(actorID, reason string) bool {
	s, ok := r.sessions[actorID]
	if !ok {
		return false
	}
	delete(r.sessions, actorID)
	r.cfg.metrics.sessionOut()
	now := r.now()
	r.lastActivity = now
	if len(r.sessions) == 0 {
		r.emptySince = now
	}

	for _, path := range s.LockedPaths() {
		if r.locks[path] == actorID {
			delete(r.locks, path)
		}
		s.dropLock(path)
		r.broadcast(actorID, domain.LockReleased{LockInfo: domain.LockInfo{
			FieldPath:  path,
			HolderID:   actorID,
			HolderName: s.DisplayName(),
		}}, "")
	}
	r.broadcast(actorID, domain.UserLeft{
		DisplayName: s.DisplayName(),
		LeftAt:      now,
		ActiveUsers: r.activeUsers(),
	}, "")
	s.Close()
	r.logger.Info("user left", "actor_id", actorID, "reason", reason, "participants", len(r.sessions))
	return true
}

func (r *Room) acquireLock(actorID, path string) bool {
	s := r.sessions[actorID]
	if s == nil {
		return false
	}
	now := r.now()
	s.touch(now)
	holder, held := r.locks[path]
	if held {
		return holder == actorID
	}
	r.locks[path] = actorID
	s.addLock(path)
	r.lastActivity = now
	r.cfg.metrics.lockGranted()
	r.broadcast(actorID, domain.LockAcquired{LockInfo: domain.LockInfo{
		FieldPath:  path,
		HolderID:   actorID,
		HolderName: s.DisplayName(),
	}}, "")
	return true
}

func (r *Room) releaseLock(actorID, path string) domain.ReleaseOutcome {
	if s := r.sessions[actorID]; s != nil {
		s.touch(r.now())
	}
	holder, held := r.locks[path]
	if !held {
		r.logger.Debug("release of unlocked field ignored", "actor_id", actorID, "field_path", path)
		return domain.ReleaseNotLocked
	}
	if holder != actorID {
		r.logger.Debug("release by non-holder ignored", "actor_id", actorID, "holder_id", holder, "field_path", path)
		return domain.ReleaseNotHolder
	}
	delete(r.locks, path)
	name := actorID
	if s := r.sessions[actorID]; s != nil {
		s.dropLock(path)
		name = s.DisplayName()
	}
	r.lastActivity = r.now()
	r.broadcast(actorID, domain.LockReleased{LockInfo: domain.LockInfo{
		FieldPath:  path,
		HolderID:   actorID,
		HolderName: name,
	}}, "")
	return domain.ReleaseReleased
}

func (r *Room) handleContentChange(actorID string, change domain.ContentChange) domain.ChangeResult {
	s := r.sessions[actorID]
	if s == nil {
		return domain.ChangeResult{Status: domain.ChangeNotParticipant}
	}
	now := r.now()
	s.touch(now)
	if holder, held := r.locks[change.FieldPath]; held && holder != actorID {
		conflict := &domain.ConflictError{
			FieldPath:  change.FieldPath,
			HolderID:   holder,
			HolderName: r.displayName(holder),
		}
		r.cfg.metrics.conflict(r.id)
		r.logger.Debug("content change rejected", "actor_id", actorID, "field_path", change.FieldPath, "holder_id", holder)
		r.unicast(s, domain.ConflictDetectedFrom(conflict))
		return domain.ChangeResult{Status: domain.ChangeConflict, Conflict: conflict}
	}

	entry, ok := r.appendChange(actorID, change.Operation, change.FieldPath, change.OldValue, change.NewValue, now)
	if !ok {
		return domain.ChangeResult{Status: domain.ChangeNotParticipant}
	}
	r.broadcast(actorID, domain.ContentChangedFrom(entry), actorID)
	r.persist(entry)
	return domain.ChangeResult{Status: domain.ChangeApplied, Entry: entry.Clone()}
}

func (r *Room) handleComment(actorID string, comment domain.Comment) domain.ChangeResult {
	s := r.sessions[actorID]
	if s == nil {
		return domain.ChangeResult{Status: domain.ChangeNotParticipant}
	}
	now := r.now()
	s.touch(now)
	// Marshaling a string cannot fail.
	body, _ := json.Marshal(comment.Body)
	entry, ok := r.appendChange(actorID, domain.ChangeComment, comment.FieldPath, nil, body, now)
	if !ok {
		return domain.ChangeResult{Status: domain.ChangeNotParticipant}
	}
	r.broadcast(actorID, domain.CommentAdded{
		ChangeID:    entry.ID,
		Sequence:    entry.Sequence,
		FieldPath:   entry.FieldPath,
		Body:        comment.Body,
		DisplayName: s.DisplayName(),
	}, actorID)
	r.persist(entry)
	return domain.ChangeResult{Status: domain.ChangeApplied, Entry: entry.Clone()}
}

func (r *Room) appendChange(actorID string, kind domain.ChangeKind, path string, oldValue, newValue json.RawMessage, now time.Time) (domain.ChangeEntry, bool) {
	changeID, err := r.cfg.newID()
	if err != nil {
		r.logger.Error("generate change id", "actor_id", actorID, "err", err)
		return domain.ChangeEntry{}, false
	}
	r.changeSeq++
	entry := domain.ChangeEntry{
		ID:        changeID,
		Sequence:  r.changeSeq,
		Timestamp: now,
		ActorID:   actorID,
		Kind:      kind,
		FieldPath: path,
		OldValue:  oldValue,
		NewValue:  newValue,
	}
	r.changes = append(r.changes, entry)
	r.lastActivity = now
	r.cfg.metrics.changeApplied(r.id)
	return entry, true
}

func (r *Room) persist(entry domain.ChangeEntry) {
	if r.writer == nil {
		return
	}
	r.writer.enqueue(entry)
}

// broadcast delivers one event to every session except exclude, then removes
// the sessions whose send failed.
func (r *Room) broadcast(actorID string, payload domain.Payload, exclude string) {
	event, ok := r.newEvent(actorID, payload)
	if !ok {
		return
	}
	frame, err := domain.Encode(event)
	if err != nil {
		r.logger.Error("encode event", "event_type", event.Type(), "err", err)
		return
	}
	var failed []string
	for _, s := range r.sortedSessions() {
		if s.ActorID() == exclude {
			continue
		}
		if !s.sendFrame(frame) {
			failed = append(failed, s.ActorID())
		}
	}
	for _, actorID := range failed {
		r.cfg.metrics.sendFailed()
		r.logger.Warn("send failed, removing participant", "actor_id", actorID, "event_type", event.Type())
		r.removeUser(actorID, "send_failed")
	}
}

func (r *Room) unicast(s *Session, payload domain.Payload) {
	event, ok := r.newEvent(s.ActorID(), payload)
	if !ok {
		return
	}
	if !s.Send(event) {
		r.cfg.metrics.sendFailed()
		r.logger.Warn("send failed, removing participant", "actor_id", s.ActorID(), "event_type", event.Type())
		r.removeUser(s.ActorID(), "send_failed")
	}
}

func (r *Room) newEvent(actorID string, payload domain.Payload) (domain.Event, bool) {
	r.eventSeq++
	event, err := domain.NewEvent(r.id, actorID, r.eventSeq, r.now(), payload)
	if err != nil {
		r.logger.Error("build event", "event_type", payload.EventType(), "err", err)
		return domain.Event{}, false
	}
	return event.WithEpoch(r.epoch), true
}

func (r *Room) syncResponse(exclude string) domain.SyncResponse {
	participants := make([]domain.Participant, 0, len(r.sessions))
	for _, s := range r.sortedSessions() {
		if s.ActorID() == exclude {
			continue
		}
		participants = append(participants, s.participant())
	}
	return domain.SyncResponse{
		Participants:  participants,
		Locks:         r.lockInfos(),
		RecentChanges: r.recentChanges(r.cfg.recentChanges),
	}
}

func (r *Room) snapshot() Snapshot {
	participants := make([]domain.Participant, 0, len(r.sessions))
	for _, s := range r.sortedSessions() {
		participants = append(participants, s.participant())
	}
	snap := Snapshot{
		RoomID:        r.id,
		Participants:  participants,
		Locks:         r.lockInfos(),
		ChangeCount:   len(r.changes),
		RecentChanges: r.recentChanges(r.cfg.recentChanges),
		LastActivity:  r.lastActivity,
	}
	if !r.emptySince.IsZero() {
		emptySince := r.emptySince
		snap.EmptySince = &emptySince
	}
	return snap
}

func (r *Room) lockInfos() []domain.LockInfo {
	locks := make([]domain.LockInfo, 0, len(r.locks))
	for path, holder := range r.locks {
		locks = append(locks, domain.LockInfo{
			FieldPath:  path,
			HolderID:   holder,
			HolderName: r.displayName(holder),
		})
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].FieldPath < locks[j].FieldPath })
	return locks
}

func (r *Room) recentChanges(limit int) []domain.ChangeEntry {
	start := 0
	if limit > 0 && len(r.changes) > limit {
		start = len(r.changes) - limit
	}
	out := make([]domain.ChangeEntry, 0, len(r.changes)-start)
	for _, entry := range r.changes[start:] {
		out = append(out, entry.Clone())
	}
	return out
}

func (r *Room) activeUsers() []string {
	users := make([]string, 0, len(r.sessions))
	for actorID := range r.sessions {
		users = append(users, actorID)
	}
	sort.Strings(users)
	return users
}

func (r *Room) sortedSessions() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ActorID() < sessions[j].ActorID() })
	return sessions
}

func (r *Room) displayName(actorID string) string {
	if s := r.sessions[actorID]; s != nil {
		return s.DisplayName()
	}
	return "Unknown"
}
