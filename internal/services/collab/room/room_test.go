package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
)

func TestAddUserBroadcastsJoinAndSyncsJoinerOnly(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	_, transportA := joinRoom(t, r, "a")

	if got := len(transportA.ofType(t, domain.EventSyncResponse)); got != 1 {
		t.Fatalf("expected first joiner to get one sync response, got %d", got)
	}
	transportA.reset()

	_, transportB := joinRoom(t, r, "b")

	joined := transportA.ofType(t, domain.EventUserJoined)
	if len(joined) != 1 || joined[0].ActorID != "b" {
		t.Fatalf("expected a to see b join, got %+v", joined)
	}
	if got := len(transportA.ofType(t, domain.EventSyncResponse)); got != 0 {
		t.Fatalf("existing participant must not receive sync response, got %d", got)
	}
	if got := len(transportB.ofType(t, domain.EventUserJoined)); got != 0 {
		t.Fatalf("joiner must not receive its own user_joined, got %d", got)
	}
	syncs := transportB.ofType(t, domain.EventSyncResponse)
	if len(syncs) != 1 {
		t.Fatalf("expected one sync response for b, got %d", len(syncs))
	}
	snapshot := decodeData[domain.SyncResponse](t, syncs[0])
	if len(snapshot.Participants) != 1 || snapshot.Participants[0].ActorID != "a" {
		t.Fatalf("expected sync participants [a], got %+v", snapshot.Participants)
	}
}

func TestSyncResponseListsOnlyParticipantsPresentBeforeJoin(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	joinRoom(t, r, "c")

	syncs := transportB.ofType(t, domain.EventSyncResponse)
	if len(syncs) != 1 {
		t.Fatalf("expected one sync response, got %d", len(syncs))
	}
	snapshot := decodeData[domain.SyncResponse](t, syncs[0])
	if len(snapshot.Participants) != 1 || snapshot.Participants[0].ActorID != "a" {
		t.Fatalf("expected only a in b's snapshot, got %+v", snapshot.Participants)
	}
}

func TestSyncResponseCarriesLocksAndRecentChanges(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	joinRoom(t, r, "a")
	mustAcquire(t, r, "a", "campaign.budget")
	for i := 0; i < 12; i++ {
		result, err := r.HandleContentChange(ctx, "a", domain.ContentChange{
			FieldPath: "campaign.budget",
			NewValue:  json.RawMessage(`100`),
		})
		if err != nil || !result.Applied() {
			t.Fatalf("change %d: result=%v err=%v", i, result.Status, err)
		}
	}

	_, transportB := joinRoom(t, r, "b")
	syncs := transportB.ofType(t, domain.EventSyncResponse)
	if len(syncs) != 1 {
		t.Fatalf("expected one sync response, got %d", len(syncs))
	}
	snapshot := decodeData[domain.SyncResponse](t, syncs[0])
	if len(snapshot.Locks) != 1 {
		t.Fatalf("expected one lock, got %+v", snapshot.Locks)
	}
	lock := snapshot.Locks[0]
	if lock.FieldPath != "campaign.budget" || lock.HolderID != "a" || lock.HolderName != "Name a" {
		t.Fatalf("unexpected lock info: %+v", lock)
	}
	if len(snapshot.RecentChanges) != defaultRecentChanges {
		t.Fatalf("expected %d recent changes, got %d", defaultRecentChanges, len(snapshot.RecentChanges))
	}
	if first := snapshot.RecentChanges[0].Sequence; first != 3 {
		t.Fatalf("expected window to start at sequence 3, got %d", first)
	}
	if last := snapshot.RecentChanges[len(snapshot.RecentChanges)-1].Sequence; last != 12 {
		t.Fatalf("expected window to end at sequence 12, got %d", last)
	}
}

func TestAcquireLockIsMutuallyExclusive(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	joinRoom(t, r, "a")
	joinRoom(t, r, "b")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, actorID := range []string{"a", "b"} {
		wg.Add(1)
		go func(actorID string) {
			defer wg.Done()
			granted, err := r.AcquireLock(context.Background(), actorID, "campaign.budget")
			if err != nil {
				t.Errorf("acquire for %s: %v", actorID, err)
				return
			}
			if granted {
				mu.Lock()
				winners = append(winners, actorID)
				mu.Unlock()
			}
		}(actorID)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	snap, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	holder, ok := snap.HolderOf("campaign.budget")
	if !ok || holder != winners[0] {
		t.Fatalf("holder = %q (%v), want %q", holder, ok, winners[0])
	}
}

func TestLockScenarioAcquireReleaseHandoff(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	transportA.reset()
	transportB.reset()

	mustAcquire(t, r, "a", "campaign.budget")
	if got := len(transportA.ofType(t, domain.EventLockAcquired)); got != 1 {
		t.Fatalf("holder should receive its grant confirmation, got %d", got)
	}
	transportB.reset()

	granted, err := r.AcquireLock(ctx, "b", "campaign.budget")
	if err != nil {
		t.Fatalf("acquire for b: %v", err)
	}
	if granted {
		t.Fatal("expected b's acquire to fail while a holds the lock")
	}
	if got := len(transportB.ofType(t, domain.EventLockAcquired)); got != 0 {
		t.Fatalf("failed acquire must be silent, b got %d lock_acquired", got)
	}

	outcome, err := r.ReleaseLock(ctx, "a", "campaign.budget")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if outcome != domain.ReleaseReleased {
		t.Fatalf("release outcome = %s", outcome)
	}
	if got := len(transportB.ofType(t, domain.EventLockReleased)); got != 1 {
		t.Fatalf("expected b to see one lock_released, got %d", got)
	}

	mustAcquire(t, r, "b", "campaign.budget")
}

func TestReleaseLockByNonHolderIsNoop(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	joinRoom(t, r, "b")
	mustAcquire(t, r, "a", "campaign.budget")
	transportA.reset()

	outcome, err := r.ReleaseLock(ctx, "b", "campaign.budget")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if outcome != domain.ReleaseNotHolder {
		t.Fatalf("outcome = %s, want not_holder", outcome)
	}
	if got := len(transportA.ofType(t, domain.EventLockReleased)); got != 0 {
		t.Fatalf("foreign release must not broadcast, got %d", got)
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if holder, _ := snap.HolderOf("campaign.budget"); holder != "a" {
		t.Fatalf("holder changed to %q", holder)
	}

	outcome, err = r.ReleaseLock(ctx, "a", "campaign.name")
	if err != nil {
		t.Fatalf("release unlocked: %v", err)
	}
	if outcome != domain.ReleaseNotLocked {
		t.Fatalf("outcome = %s, want not_locked", outcome)
	}
}

func TestReacquiringOwnLockIsSilent(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	_, transportA := joinRoom(t, r, "a")
	mustAcquire(t, r, "a", "campaign.budget")
	transportA.reset()

	mustAcquire(t, r, "a", " campaign.budget ")
	if got := len(transportA.ofType(t, domain.EventLockAcquired)); got != 0 {
		t.Fatalf("re-acquire must not broadcast, got %d", got)
	}
}

func TestAcquireLockRequiresParticipant(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	joinRoom(t, r, "a")

	granted, err := r.AcquireLock(context.Background(), "ghost", "campaign.budget")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if granted {
		t.Fatal("non-participant must not acquire locks")
	}
	granted, err = r.AcquireLock(context.Background(), "a", "   ")
	if err != nil || granted {
		t.Fatalf("blank path should fail silently, granted=%v err=%v", granted, err)
	}
}

func TestContentChangeConflictRejectsWithoutMutation(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	mustAcquire(t, r, "a", "campaign.budget")
	transportA.reset()
	transportB.reset()

	before, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	result, err := r.HandleContentChange(ctx, "b", domain.ContentChange{
		FieldPath: "campaign.budget",
		OldValue:  json.RawMessage(`100`),
		NewValue:  json.RawMessage(`200`),
	})
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if result.Status != domain.ChangeConflict || result.Conflict == nil {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if result.Conflict.HolderID != "a" || result.Conflict.HolderName != "Name a" {
		t.Fatalf("unexpected conflict: %+v", result.Conflict)
	}

	after, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.ChangeCount != before.ChangeCount {
		t.Fatalf("change log grew from %d to %d", before.ChangeCount, after.ChangeCount)
	}
	conflicts := transportB.ofType(t, domain.EventConflictDetected)
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict_detected for b, got %d", len(conflicts))
	}
	payload := decodeData[domain.ConflictDetected](t, conflicts[0])
	if payload.HolderID != "a" || payload.Message != "Field is currently being edited by Name a" {
		t.Fatalf("unexpected conflict payload: %+v", payload)
	}
	if got := len(transportA.envelopes(t)); got != 0 {
		t.Fatalf("holder must not see the rejected change, got %d frames", got)
	}
}

func TestContentChangeAppliesAndBroadcastsToOthers(t *testing.T) {
	clock := newTestClock()
	r := newTestRoom(t, clock, nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	mustAcquire(t, r, "a", "campaign.name")
	transportA.reset()
	transportB.reset()
	clock.Advance(time.Minute)

	result, err := r.HandleContentChange(ctx, "a", domain.ContentChange{
		FieldPath: "campaign.name",
		OldValue:  json.RawMessage(`"Spring"`),
		NewValue:  json.RawMessage(`"Summer"`),
		Operation: domain.ChangeUpdate,
	})
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if !result.Applied() {
		t.Fatalf("expected applied, got %s", result.Status)
	}
	if result.Entry.ID != "chg001" || result.Entry.Sequence != 1 || result.Entry.ActorID != "a" {
		t.Fatalf("unexpected entry: %+v", result.Entry)
	}
	if !result.Entry.Timestamp.Equal(clock.Now()) {
		t.Fatalf("entry timestamp = %v, want room clock %v", result.Entry.Timestamp, clock.Now())
	}
	if got := len(transportA.ofType(t, domain.EventContentChanged)); got != 0 {
		t.Fatalf("originator must not receive its own change, got %d", got)
	}
	changed := transportB.ofType(t, domain.EventContentChanged)
	if len(changed) != 1 {
		t.Fatalf("expected b to receive one change, got %d", len(changed))
	}
	payload := decodeData[domain.ContentChanged](t, changed[0])
	if payload.FieldPath != "campaign.name" || string(payload.NewValue) != `"Summer"` {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestContentChangeFromNonParticipant(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	joinRoom(t, r, "a")

	result, err := r.HandleContentChange(context.Background(), "ghost", domain.ContentChange{FieldPath: "campaign.name"})
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if result.Status != domain.ChangeNotParticipant {
		t.Fatalf("status = %s, want not_participant", result.Status)
	}
}

func TestDisconnectScenarioReleasesEveryLock(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	_, transportC := joinRoom(t, r, "c")
	mustAcquire(t, r, "a", "campaign.budget")
	mustAcquire(t, r, "a", "campaign.name")
	transportB.reset()
	transportC.reset()

	removed, err := r.RemoveUser(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("remove a: removed=%v err=%v", removed, err)
	}

	for name, transport := range map[string]*recordingTransport{"b": transportB, "c": transportC} {
		left := transport.ofType(t, domain.EventUserLeft)
		if len(left) != 1 || left[0].ActorID != "a" {
			t.Fatalf("%s: expected one user_left for a, got %+v", name, left)
		}
		released := transport.ofType(t, domain.EventLockReleased)
		if len(released) != 2 {
			t.Fatalf("%s: expected two lock_released, got %d", name, len(released))
		}
	}
	if !transportA.isClosed() {
		t.Fatal("expected a's transport to be closed")
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, lock := range snap.Locks {
		if lock.HolderID == "a" {
			t.Fatalf("orphaned lock for a: %+v", lock)
		}
	}
}

func TestRemoveUserIsIdempotent(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	transportB.reset()

	if removed, err := r.RemoveUser(ctx, "a"); err != nil || !removed {
		t.Fatalf("first remove: removed=%v err=%v", removed, err)
	}
	if removed, err := r.RemoveUser(ctx, "a"); err != nil || removed {
		t.Fatalf("second remove: removed=%v err=%v", removed, err)
	}
	if got := len(transportB.ofType(t, domain.EventUserLeft)); got != 1 {
		t.Fatalf("expected one user_left, got %d", got)
	}
}

func TestBroadcastExcludesActor(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	_, transportA := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	_, transportC := joinRoom(t, r, "c")
	transportA.reset()
	transportB.reset()
	transportC.reset()

	payload := domain.CursorMoved{DisplayName: "system", Position: json.RawMessage(`{"line":1}`)}
	if err := r.Broadcast(context.Background(), "system", payload, "b"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if got := len(transportA.envelopes(t)); got != 1 {
		t.Fatalf("a frames = %d, want 1", got)
	}
	if got := len(transportC.envelopes(t)); got != 1 {
		t.Fatalf("c frames = %d, want 1", got)
	}
	if got := len(transportB.envelopes(t)); got != 0 {
		t.Fatalf("excluded b received %d frames", got)
	}
}

func TestBroadcastRemovesFailedParticipant(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	_, transportC := joinRoom(t, r, "c")
	mustAcquire(t, r, "c", "campaign.copy")
	transportB.reset()
	transportC.setFail(true)

	result, err := r.HandleContentChange(ctx, "a", domain.ContentChange{FieldPath: "campaign.name", NewValue: json.RawMessage(`"x"`)})
	if err != nil || !result.Applied() {
		t.Fatalf("change: status=%v err=%v", result.Status, err)
	}

	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.HasParticipant("c") {
		t.Fatal("expected c to be removed after a failed send")
	}
	if _, held := snap.HolderOf("campaign.copy"); held {
		t.Fatal("expected c's lock to be released")
	}
	if got := len(transportB.ofType(t, domain.EventUserLeft)); got != 1 {
		t.Fatalf("expected b to see c leave once, got %d", got)
	}
	if got := len(transportB.ofType(t, domain.EventLockReleased)); got != 1 {
		t.Fatalf("expected b to see c's lock released, got %d", got)
	}
	if !transportC.isClosed() {
		t.Fatal("expected c's transport to be closed")
	}
}

func TestRejoinReplacesPreviousSession(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	first, firstTransport := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	mustAcquire(t, r, "a", "campaign.budget")
	transportB.reset()

	second, _ := joinRoom(t, r, "a")

	if !firstTransport.isClosed() {
		t.Fatal("expected replaced session transport to close")
	}
	events := transportB.envelopes(t)
	var order []domain.EventType
	for _, env := range events {
		order = append(order, env.EventType)
	}
	want := []domain.EventType{domain.EventLockReleased, domain.EventUserLeft, domain.EventUserJoined}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}

	removed, err := r.RemoveSession(ctx, first)
	if err != nil {
		t.Fatalf("remove stale session: %v", err)
	}
	if removed {
		t.Fatal("stale session must not evict its replacement")
	}
	removed, err = r.RemoveSession(ctx, second)
	if err != nil || !removed {
		t.Fatalf("remove current session: removed=%v err=%v", removed, err)
	}
}

func TestCursorAndSelectionRelayOnly(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	mustAcquire(t, r, "b", "campaign.budget")
	transportA.reset()
	transportB.reset()

	ok, err := r.HandleCursorMovement(ctx, "a", json.RawMessage(`{"field":"campaign.budget","offset":4}`))
	if err != nil || !ok {
		t.Fatalf("cursor: ok=%v err=%v", ok, err)
	}
	ok, err = r.HandleSelectionChange(ctx, "a", json.RawMessage(`{"start":1,"end":3}`))
	if err != nil || !ok {
		t.Fatalf("selection: ok=%v err=%v", ok, err)
	}

	if got := len(transportB.ofType(t, domain.EventCursorMoved)); got != 1 {
		t.Fatalf("expected one cursor relay, got %d", got)
	}
	if got := len(transportB.ofType(t, domain.EventSelectionChanged)); got != 1 {
		t.Fatalf("expected one selection relay, got %d", got)
	}
	if got := len(transportA.envelopes(t)); got != 0 {
		t.Fatalf("originator must not receive its own presence, got %d", got)
	}

	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChangeCount != 0 {
		t.Fatalf("presence must not touch the change log, got %d entries", snap.ChangeCount)
	}
	for _, p := range snap.Participants {
		if p.ActorID == "a" && string(p.Cursor) != `{"field":"campaign.budget","offset":4}` {
			t.Fatalf("cursor not stored: %s", p.Cursor)
		}
	}

	ok, err = r.HandleCursorMovement(ctx, "ghost", nil)
	if err != nil || ok {
		t.Fatalf("non-participant cursor: ok=%v err=%v", ok, err)
	}
}

func TestCommentIgnoresLocksAndPersists(t *testing.T) {
	sink := newMemorySink()
	r := newTestRoom(t, newTestClock(), sink)
	ctx := context.Background()
	joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	mustAcquire(t, r, "b", "campaign.copy")
	transportB.reset()

	result, err := r.HandleComment(ctx, "a", domain.Comment{FieldPath: "campaign.copy", Body: "tighten the headline"})
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if !result.Applied() || result.Entry.Kind != domain.ChangeComment {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Entry.CommentBody() != "tighten the headline" {
		t.Fatalf("comment body = %q", result.Entry.CommentBody())
	}
	comments := transportB.ofType(t, domain.EventCommentAdded)
	if len(comments) != 1 {
		t.Fatalf("expected b to receive the comment, got %d", len(comments))
	}

	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	persisted := sink.list("camp-1")
	if len(persisted) != 1 || persisted[0].Kind != domain.ChangeComment {
		t.Fatalf("expected persisted comment, got %+v", persisted)
	}
}

func TestCommentStoresArbitraryTextAsJSONString(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	joinRoom(t, r, "a")

	body := "quote \" backslash \\ newline\n tag <b> invalid \xff"
	result, err := r.HandleComment(ctx, "a", domain.Comment{FieldPath: "campaign.copy", Body: body})
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if !result.Applied() {
		t.Fatalf("status = %v, want applied", result.Status)
	}
	if !json.Valid(result.Entry.NewValue) {
		t.Fatalf("stored body is not valid JSON: %s", result.Entry.NewValue)
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.HasParticipant("a") {
		t.Fatal("commenter must stay in the room")
	}
}

func TestPersistenceFailureKeepsInMemoryLog(t *testing.T) {
	sink := newMemorySink()
	sink.err = errors.New("disk full")
	r := newTestRoom(t, newTestClock(), sink)
	ctx := context.Background()
	joinRoom(t, r, "a")
	_, transportB := joinRoom(t, r, "b")
	transportB.reset()

	result, err := r.HandleContentChange(ctx, "a", domain.ContentChange{FieldPath: "campaign.name", NewValue: json.RawMessage(`"x"`)})
	if err != nil || !result.Applied() {
		t.Fatalf("change: status=%v err=%v", result.Status, err)
	}
	if got := len(transportB.ofType(t, domain.EventContentChanged)); got != 1 {
		t.Fatalf("broadcast must not depend on persistence, got %d", got)
	}
	changes, err := r.Changes(ctx, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected change to stay in memory, got %d", len(changes))
	}
}

func TestSlowPersistenceNeverBlocksRoom(t *testing.T) {
	sink := newMemorySink()
	sink.block = make(chan struct{})
	r := newTestRoom(t, newTestClock(), sink)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	joinRoom(t, r, "a")

	for i := 0; i < defaultPersistQueue+20; i++ {
		result, err := r.HandleContentChange(ctx, "a", domain.ContentChange{FieldPath: "campaign.name", NewValue: json.RawMessage(`1`)})
		if err != nil {
			t.Fatalf("change %d: %v", i, err)
		}
		if !result.Applied() {
			t.Fatalf("change %d not applied", i)
		}
	}
	close(sink.block)
}

func TestExpireRemovesIdleSessions(t *testing.T) {
	clock := newTestClock()
	r := newTestRoom(t, clock, nil)
	ctx := context.Background()
	joinRoom(t, r, "a")
	joinRoom(t, r, "b")
	mustAcquire(t, r, "a", "campaign.budget")

	clock.Advance(50 * time.Minute)
	if ok, err := r.HandleCursorMovement(ctx, "b", json.RawMessage(`1`)); err != nil || !ok {
		t.Fatalf("cursor: ok=%v err=%v", ok, err)
	}
	clock.Advance(20 * time.Minute)

	expired, err := r.Expire(ctx, clock.Now(), time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0] != "a" {
		t.Fatalf("expired = %v, want [a]", expired)
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.HasParticipant("a") || !snap.HasParticipant("b") {
		t.Fatalf("unexpected participants: %+v", snap.Participants)
	}
	if len(snap.Locks) != 0 {
		t.Fatalf("expected expired session's lock to be released, got %+v", snap.Locks)
	}
}

func TestSyncAnswersWithFreshSnapshot(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")
	joinRoom(t, r, "b")
	mustAcquire(t, r, "b", "campaign.name")
	transportA.reset()

	ok, err := r.Sync(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("sync: ok=%v err=%v", ok, err)
	}
	syncs := transportA.ofType(t, domain.EventSyncResponse)
	if len(syncs) != 1 {
		t.Fatalf("expected one sync response, got %d", len(syncs))
	}
	snapshot := decodeData[domain.SyncResponse](t, syncs[0])
	if len(snapshot.Participants) != 1 || snapshot.Participants[0].ActorID != "b" {
		t.Fatalf("unexpected participants: %+v", snapshot.Participants)
	}
	if len(snapshot.Locks) != 1 || snapshot.Locks[0].HolderID != "b" {
		t.Fatalf("unexpected locks: %+v", snapshot.Locks)
	}
}

func TestClosedRoomRejectsOperations(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx := context.Background()
	_, transportA := joinRoom(t, r, "a")

	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !transportA.isClosed() {
		t.Fatal("expected session transport to close with the room")
	}
	s, _ := newTestSession(t, "b")
	if err := r.AddUser(ctx, s); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("add user after close: %v", err)
	}
	if _, err := r.Snapshot(ctx); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("snapshot after close: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCancelledCallerDoesNotSubmit(t *testing.T) {
	r := newTestRoom(t, newTestClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, _ := newTestSession(t, "a")
	err := r.AddUser(ctx, s)
	if err == nil {
		// The op may win the race against the cancelled context; it must then
		// have been applied in full.
		snap, snapErr := r.Snapshot(context.Background())
		if snapErr != nil || !snap.HasParticipant("a") {
			t.Fatalf("admitted op was not applied: %+v %v", snap, snapErr)
		}
		return
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTryCloseHonoursGraceWindow(t *testing.T) {
	clock := newTestClock()
	r := newTestRoom(t, clock, nil)
	ctx := context.Background()
	joinRoom(t, r, "a")
	if _, err := r.RemoveUser(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	closed, err := r.tryClose(ctx, clock.Now().Add(30*time.Minute), time.Hour)
	if err != nil || closed {
		t.Fatalf("inside grace: closed=%v err=%v", closed, err)
	}
	closed, err = r.tryClose(ctx, clock.Now().Add(time.Hour), time.Hour)
	if err != nil || !closed {
		t.Fatalf("after grace: closed=%v err=%v", closed, err)
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("room goroutine did not exit")
	}
}
