package room

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/campaign-collab/internal/platform/timeouts"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

// Transport is the outbound half of one participant connection. Writes must
// be safe for concurrent use; Close must unblock any pending write.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Session is one live participant connection and its presence state. A
// session never reaches into its room; the room mutates it from its own
// goroutine.
type Session struct {
	actorID      string
	displayName  string
	transport    Transport
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu           sync.Mutex
	joinedAt     time.Time
	lastActivity time.Time
	cursor       json.RawMessage
	selection    json.RawMessage
	locks        map[string]struct{}
}

// NewSession wraps a verified identity and its transport.
func NewSession(actorID, displayName string, transport Transport) (*Session, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, errors.New("session actor id is required")
	}
	if transport == nil {
		return nil, errors.New("session transport is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = actorID
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Session{
		actorID:      actorID,
		displayName:  displayName,
		transport:    transport,
		writeTimeout: timeouts.FrameWrite,
		ctx:          ctx,
		cancel:       cancel,
		joinedAt:     now,
		lastActivity: now,
		locks:        make(map[string]struct{}),
	}, nil
}

func (s *Session) ActorID() string { return s.actorID }

func (s *Session) DisplayName() string { return s.displayName }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Send encodes and writes one event. It returns false on any failure so the
// room can treat it as a disconnect.
func (s *Session) Send(event domain.Event) bool {
	frame, err := domain.Encode(event)
	if err != nil {
		return false
	}
	return s.sendFrame(frame)
}

func (s *Session) sendFrame(frame []byte) bool {
	if s.ctx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return s.transport.WriteFrame(ctx, frame) == nil
}

// Close cancels pending sends and closes the transport. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.transport.Close()
	})
}

// UpdateCursor stores the latest cursor position and refreshes activity.
func (s *Session) UpdateCursor(position json.RawMessage, at time.Time) {
	s.mu.Lock()
	s.cursor = position
	s.lastActivity = at
	s.mu.Unlock()
}

// UpdateSelection stores the latest selection and refreshes activity.
func (s *Session) UpdateSelection(selection json.RawMessage, at time.Time) {
	s.mu.Lock()
	s.selection = selection
	s.lastActivity = at
	s.mu.Unlock()
}

// LastActivity returns when the participant last sent anything.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// LockedPaths returns the held field paths in sorted order.
func (s *Session) LockedPaths() []string {
	s.mu.Lock()
	paths := make([]string, 0, len(s.locks))
	for path := range s.locks {
		paths = append(paths, path)
	}
	s.mu.Unlock()
	sort.Strings(paths)
	return paths
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastActivity = at
	s.mu.Unlock()
}

func (s *Session) markJoined(at time.Time) {
	s.mu.Lock()
	s.joinedAt = at
	s.lastActivity = at
	s.mu.Unlock()
}

func (s *Session) addLock(path string) {
	s.mu.Lock()
	s.locks[path] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) dropLock(path string) {
	s.mu.Lock()
	delete(s.locks, path)
	s.mu.Unlock()
}

func (s *Session) participant() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Participant{
		ActorID:     s.actorID,
		DisplayName: s.displayName,
		JoinedAt:    s.joinedAt,
		Cursor:      s.cursor,
		Selection:   s.selection,
	}
}
