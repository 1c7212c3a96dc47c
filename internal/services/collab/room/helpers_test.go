package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

var errTransportClosed = errors.New("transport closed")

type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (t *recordingTransport) WriteFrame(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if t.fail {
		return errors.New("write failed")
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) setFail(fail bool) {
	t.mu.Lock()
	t.fail = fail
	t.mu.Unlock()
}

func (t *recordingTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}

func (t *recordingTransport) envelopes(tb testing.TB) []domain.Envelope {
	tb.Helper()
	t.mu.Lock()
	frames := append([][]byte(nil), t.frames...)
	t.mu.Unlock()
	out := make([]domain.Envelope, 0, len(frames))
	for _, frame := range frames {
		env, err := domain.DecodeEnvelope(frame)
		if err != nil {
			tb.Fatalf("decode frame %s: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

func (t *recordingTransport) ofType(tb testing.TB, eventType domain.EventType) []domain.Envelope {
	tb.Helper()
	var out []domain.Envelope
	for _, env := range t.envelopes(tb) {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() (string, error) {
	var mu sync.Mutex
	next := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("chg%03d", next), nil
	}
}

type memorySink struct {
	mu      sync.Mutex
	entries map[string][]domain.ChangeEntry
	err     error
	block   chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{entries: make(map[string][]domain.ChangeEntry)}
}

func (s *memorySink) AppendChange(ctx context.Context, roomID string, entry domain.ChangeEntry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries[roomID] = append(s.entries[roomID], entry)
	return nil
}

func (s *memorySink) list(roomID string) []domain.ChangeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChangeEntry(nil), s.entries[roomID]...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRoom(t *testing.T, clock *testClock, sink ChangeSink) *Room {
	t.Helper()
	r := newRoom("camp-1", roomConfig{
		logger: discardLogger(),
		sink:   sink,
		now:    clock.Now,
		newID:  sequentialIDs(),
	})
	t.Cleanup(func() {
		_ = r.Close(context.Background())
	})
	return r
}

func newTestSession(t *testing.T, actorID string) (*Session, *recordingTransport) {
	t.Helper()
	transport := &recordingTransport{}
	s, err := NewSession(actorID, "Name "+actorID, transport)
	if err != nil {
		t.Fatalf("new session %s: %v", actorID, err)
	}
	return s, transport
}

func joinRoom(t *testing.T, r *Room, actorID string) (*Session, *recordingTransport) {
	t.Helper()
	s, transport := newTestSession(t, actorID)
	if err := r.AddUser(context.Background(), s); err != nil {
		t.Fatalf("add user %s: %v", actorID, err)
	}
	return s, transport
}

func decodeData[T any](tb testing.TB, env domain.Envelope) T {
	tb.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		tb.Fatalf("decode %s data: %v", env.EventType, err)
	}
	return out
}

func mustAcquire(t *testing.T, r *Room, actorID, path string) {
	t.Helper()
	granted, err := r.AcquireLock(context.Background(), actorID, path)
	if err != nil {
		t.Fatalf("acquire %s for %s: %v", path, actorID, err)
	}
	if !granted {
		t.Fatalf("expected %s to acquire %s", actorID, path)
	}
}
