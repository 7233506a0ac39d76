package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coderoom-server/core"
)

func TestOwnerEditorScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", OwnerID: "A", Editors: []string{"B"}})

	a := f.open(t, "conn-a")
	b := f.open(t, "conn-b")

	f.join(t, "conn-a", "R", "A")
	a.reset()

	f.join(t, "conn-b", "R", "B")
	initial := b.named(EventInitialContent)
	if len(initial) != 1 {
		t.Fatalf("expected initial_content for B, got %+v", b.all())
	}
	ic := initial[0].Payload.(InitialContentPayload)
	if ic.Content != "" || ic.Title != core.DefaultTitle || ic.Version != 0 {
		t.Fatalf("unexpected initial content: %+v", ic)
	}
	joined := a.named(EventUserJoined)
	if len(joined) != 1 || joined[0].Payload.(UserJoinedPayload).User.ID != "B" {
		t.Fatalf("expected A to see B join, got %+v", a.all())
	}
	if len(b.named(EventUserJoined)) != 0 {
		t.Fatalf("B must not see its own join")
	}

	v, err := f.ctrl.Update(ctx, "conn-a", UpdateRequest{Content: content("hello")})
	if err != nil || v != 1 {
		t.Fatalf("Update failed: %d %v", v, err)
	}
	updates := b.named(EventUpdate)
	if len(updates) != 1 || updates[0].Payload.(UpdatePayload).Content != "hello" {
		t.Fatalf("expected B to receive the update, got %+v", b.all())
	}
	if len(a.named(EventUpdate)) != 0 {
		t.Fatalf("A received its own update")
	}

	f.ctrl.Disconnect(ctx, "conn-a")
	left := b.named(EventUserLeft)
	if len(left) != 1 {
		t.Fatalf("expected B to see A leave, got %+v", b.all())
	}
	lp := left[0].Payload.(UserLeftPayload)
	if lp.UserID != "A" || lp.RoomID != "R" {
		t.Fatalf("unexpected user_left payload: %+v", lp)
	}
	if state, ok := f.ctrl.State("conn-a"); ok || state != StateClosed {
		t.Fatalf("disconnected connection should be gone, got %v %v", state, ok)
	}
}

func TestJoinWithoutAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", OwnerID: "A"})

	a := f.open(t, "conn-a")
	f.join(t, "conn-a", "R", "A")
	a.reset()

	c := f.open(t, "conn-c")
	err := f.ctrl.Join(ctx, "conn-c", JoinRequest{RoomID: "R", User: &core.User{ID: "C"}})
	if kind := errorKind(t, err); kind != core.KindAuth {
		t.Fatalf("expected AUTH_ERROR, got %s", kind)
	}
	errs := c.named(EventError)
	if len(errs) != 1 || errs[0].Payload.(ErrorPayload).Type != core.KindAuth {
		t.Fatalf("expected one AUTH_ERROR event, got %+v", c.all())
	}
	if f.ctrl.Registry().IsMember("R", "conn-c") {
		t.Fatalf("unauthorised connection was added to the room")
	}
	if state, _ := f.ctrl.State("conn-c"); state != StateUnjoined {
		t.Fatalf("expected Unjoined after denied join, got %v", state)
	}
	if len(a.all()) != 0 {
		t.Fatalf("members must not hear about a denied join")
	}
}

func TestJoinFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic, OwnerID: "A"})
	f.open(t, "conn-1")

	tests := []struct {
		name string
		req  JoinRequest
		want core.ErrorKind
	}{
		{"missing room", JoinRequest{User: &core.User{ID: "u"}}, core.KindJoin},
		{"missing user", JoinRequest{RoomID: "R"}, core.KindJoin},
		{"unknown room", JoinRequest{RoomID: "nope", User: &core.User{ID: "u"}}, core.KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ctrl.Join(ctx, "conn-1", tt.req)
			if kind := errorKind(t, err); kind != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, kind)
			}
		})
	}

	f.join(t, "conn-1", "R", "u")
	f.room(t, &core.Room{ID: "R2", AccessType: core.AccessPublic})
	err := f.ctrl.Join(ctx, "conn-1", JoinRequest{RoomID: "R2", User: &core.User{ID: "other"}})
	if kind := errorKind(t, err); kind != core.KindJoin {
		t.Fatalf("expected JOIN_ERROR when switching identity, got %s", kind)
	}
}

func TestPinnedUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic})

	if err := f.ctrl.Open("conn-1", &recorder{}, &core.User{ID: "alice"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	err := f.ctrl.Join(ctx, "conn-1", JoinRequest{RoomID: "R", User: &core.User{ID: "bob"}})
	if kind := errorKind(t, err); kind != core.KindAuth {
		t.Fatalf("expected AUTH_ERROR for impersonation, got %s", kind)
	}
	f.join(t, "conn-1", "R", "alice")
}

func TestStaleUpdateConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", OwnerID: "A", Editors: []string{"B", "W"}})

	f.open(t, "conn-a")
	b := f.open(t, "conn-b")
	w := f.open(t, "conn-w")
	f.join(t, "conn-a", "R", "A")
	f.join(t, "conn-b", "R", "B")
	f.join(t, "conn-w", "R", "W")
	w.reset()

	if _, err := f.ctrl.Update(ctx, "conn-a", UpdateRequest{Content: content("first"), Version: version(0)}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	_, err := f.ctrl.Update(ctx, "conn-b", UpdateRequest{Content: content("second"), Version: version(0)})
	if kind := errorKind(t, err); kind != core.KindOp {
		t.Fatalf("expected OP_ERROR, got %s", kind)
	}
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict cause, got %v", err)
	}

	rec, _ := f.docs.Read(ctx, "R")
	if rec.Content != "first" || rec.Version != 1 {
		t.Fatalf("first commit was not preserved: %+v", rec)
	}
	updates := w.named(EventUpdate)
	if len(updates) != 1 || updates[0].Payload.(UpdatePayload).Content != "first" {
		t.Fatalf("expected exactly one broadcast of the first commit, got %+v", updates)
	}
	if errs := b.named(EventError); len(errs) != 1 || errs[0].Payload.(ErrorPayload).Type != core.KindOp {
		t.Fatalf("expected OP_ERROR event for B, got %+v", b.all())
	}
}

func TestUpdateRechecksAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", OwnerID: "A", Editors: []string{"B"}})

	b := f.open(t, "conn-b")
	f.join(t, "conn-b", "R", "B")
	if _, err := f.ctrl.Update(ctx, "conn-b", UpdateRequest{Content: content("ok")}); err != nil {
		t.Fatalf("editor update failed: %v", err)
	}

	// Demote B to a viewer after the join.
	f.room(t, &core.Room{ID: "R", OwnerID: "A", Viewers: []string{"B"}})
	_, err := f.ctrl.Update(ctx, "conn-b", UpdateRequest{Content: content("denied")})
	if kind := errorKind(t, err); kind != core.KindAccess {
		t.Fatalf("expected ACCESS_ERROR, got %s", kind)
	}
	if errs := b.named(EventError); len(errs) != 1 {
		t.Fatalf("expected one error event, got %+v", b.all())
	}
	rec, _ := f.docs.Read(ctx, "R")
	if rec.Content != "ok" {
		t.Fatalf("denied update changed the document: %+v", rec)
	}
}

func TestUpdateFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R1", AccessType: core.AccessPublic})
	f.room(t, &core.Room{ID: "R2", AccessType: core.AccessPublic})
	f.open(t, "conn-1")

	_, err := f.ctrl.Update(ctx, "conn-1", UpdateRequest{Content: content("x")})
	if kind := errorKind(t, err); kind != core.KindDoc {
		t.Fatalf("expected DOC_ERROR before join, got %s", kind)
	}

	f.join(t, "conn-1", "R1", "u")
	_, err = f.ctrl.Update(ctx, "conn-1", UpdateRequest{})
	if kind := errorKind(t, err); kind != core.KindOp {
		t.Fatalf("expected OP_ERROR for missing content, got %s", kind)
	}
	_, err = f.ctrl.Update(ctx, "conn-1", UpdateRequest{RoomID: "R2", Content: content("x")})
	if kind := errorKind(t, err); kind != core.KindDoc {
		t.Fatalf("expected DOC_ERROR for unjoined room, got %s", kind)
	}

	f.join(t, "conn-1", "R2", "u")
	_, err = f.ctrl.Update(ctx, "conn-1", UpdateRequest{Content: content("x")})
	if kind := errorKind(t, err); kind != core.KindOp {
		t.Fatalf("expected OP_ERROR for ambiguous room, got %s", kind)
	}
	if v, err := f.ctrl.Update(ctx, "conn-1", UpdateRequest{RoomID: "R2", Content: content("x")}); err != nil || v != 1 {
		t.Fatalf("explicit room update failed: %d %v", v, err)
	}
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic})

	a := f.open(t, "conn-a")
	b := f.open(t, "conn-b")
	f.join(t, "conn-a", "R", "A")
	f.join(t, "conn-b", "R", "B")
	a.reset()
	b.reset()

	if err := f.ctrl.Leave(ctx, "conn-b", "R"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if left := a.named(EventUserLeft); len(left) != 1 {
		t.Fatalf("expected A to see B leave, got %+v", a.all())
	}
	if state, _ := f.ctrl.State("conn-b"); state != StateUnjoined {
		t.Fatalf("expected Unjoined after leaving the last room, got %v", state)
	}

	if _, err := f.ctrl.Update(ctx, "conn-a", UpdateRequest{Content: content("after")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(b.named(EventUpdate)) != 0 {
		t.Fatalf("connection that left still received updates")
	}

	err := f.ctrl.Leave(ctx, "conn-b", "R")
	if kind := errorKind(t, err); kind != core.KindRoom {
		t.Fatalf("expected ROOM_ERROR leaving twice, got %s", kind)
	}
}

func TestDisconnectIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic})

	b := f.open(t, "conn-b")
	f.open(t, "conn-a")
	f.join(t, "conn-a", "R", "A")
	f.join(t, "conn-b", "R", "B")

	f.ctrl.Disconnect(ctx, "conn-b")
	f.ctrl.Disconnect(ctx, "conn-b")
	b.reset()

	if _, err := f.ctrl.Update(ctx, "conn-a", UpdateRequest{Content: content("x")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(b.all()) != 0 {
		t.Fatalf("closed connection received %+v", b.all())
	}
	if err := f.ctrl.Join(ctx, "conn-b", JoinRequest{RoomID: "R", User: &core.User{ID: "B"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if f.ctrl.Registry().IsMember("R", "conn-b") {
		t.Fatalf("closed connection still a member")
	}
}

// queued waits until n operations hold or wait for roomID's slot.
func queued(t *testing.T, q *Sequencer, roomID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		slot, ok := q.slots[roomID]
		inflight := 0
		if ok {
			inflight = slot.inflight
		}
		q.mu.Unlock()
		if inflight >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("room %s never had %d queued operations", roomID, n)
}

func TestDisconnectDuringQueuedUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic})

	a := f.open(t, "conn-a")
	b := f.open(t, "conn-b")
	f.join(t, "conn-a", "R", "A")
	f.join(t, "conn-b", "R", "B")
	a.reset()
	b.reset()

	held := make(chan struct{})
	release := make(chan struct{})
	holding := make(chan error, 1)
	go func() {
		holding <- f.ctrl.sequencer.Do(ctx, "R", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	type result struct {
		version uint64
		err     error
	}
	updated := make(chan result, 1)
	go func() {
		v, err := f.ctrl.Update(ctx, "conn-a", UpdateRequest{Content: content("queued")})
		updated <- result{v, err}
	}()
	queued(t, f.ctrl.sequencer, "R", 2)

	f.ctrl.Disconnect(ctx, "conn-b")
	close(release)

	res := <-updated
	if res.err != nil || res.version != 1 {
		t.Fatalf("queued update: version %d, err %v", res.version, res.err)
	}
	if err := <-holding; err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if got := b.named(EventUpdate); len(got) != 0 {
		t.Fatalf("disconnected connection received %+v", got)
	}
	if got := a.named(EventUserLeft); len(got) != 1 {
		t.Fatalf("expected one user_left for A, got %+v", got)
	}
	rec, err := f.docs.Read(ctx, "R")
	if err != nil || rec.Content != "queued" || rec.Version != 1 {
		t.Fatalf("expected committed content, got %+v %v", rec, err)
	}
	stored, err := f.store.Load(ctx, "R")
	if err != nil || stored.Content != "queued" {
		t.Fatalf("commit was not persisted: %+v %v", stored, err)
	}
}

func TestRemoveRoomWaitsForQueuedUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", OwnerID: "A"})
	f.open(t, "conn-a")
	f.join(t, "conn-a", "R", "A")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.ctrl.sequencer.Do(ctx, "R", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	updated := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Update(ctx, "conn-a", UpdateRequest{Content: content("late")})
		updated <- err
	}()
	queued(t, f.ctrl.sequencer, "R", 2)

	removed := make(chan error, 1)
	go func() {
		removed <- f.ctrl.RemoveRoom(ctx, "R", func(ctx context.Context) error {
			return f.store.DeleteRoom(ctx, "R")
		})
	}()
	queued(t, f.ctrl.sequencer, "R", 3)
	close(release)

	if err := <-removed; err != nil {
		t.Fatalf("RemoveRoom failed: %v", err)
	}
	<-updated
	if _, err := f.store.Load(ctx, "R"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("removed room still has a stored document: %v", err)
	}
	if _, err := f.docs.Read(ctx, "R"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("removed room still has a cached document: %v", err)
	}
}

func TestConcurrentEditorsNeverLoseCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic})

	watcher := f.open(t, "watcher")
	f.join(t, "watcher", "R", "watcher")

	const editors = 10
	ids := make([]ConnectionID, editors)
	for i := range ids {
		ids[i] = ConnectionID("editor-" + string(rune('a'+i)))
		f.open(t, ids[i])
		f.join(t, ids[i], "R", string(ids[i]))
	}
	watcher.reset()

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id ConnectionID) {
			defer wg.Done()
			if _, err := f.ctrl.Update(ctx, id, UpdateRequest{Content: content(string(id))}); err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	updates := watcher.named(EventUpdate)
	if committed != editors || len(updates) != editors {
		t.Fatalf("expected %d commits and broadcasts, got %d and %d", editors, committed, len(updates))
	}
	for i, ev := range updates {
		if v := ev.Payload.(UpdatePayload).Version; v != uint64(i+1) {
			t.Fatalf("broadcasts out of version order at %d: %d", i, v)
		}
	}
}

type panickyAccess struct{ Access }

func (panickyAccess) CanEdit(context.Context, string, string) bool { panic("directory exploded") }

func TestPanicIsReportedAndConnectionSurvives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.room(t, &core.Room{ID: "R", AccessType: core.AccessPublic})
	f.ctrl.access = panickyAccess{Access: f.ctrl.access}

	rec := f.open(t, "conn-1")
	f.join(t, "conn-1", "R", "u")

	_, err := f.ctrl.Update(ctx, "conn-1", UpdateRequest{Content: content("x")})
	if !errors.Is(err, core.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if errs := rec.named(EventError); len(errs) != 1 {
		t.Fatalf("expected the panic to be reported, got %+v", rec.all())
	}
	if state, _ := f.ctrl.State("conn-1"); state != StateJoined {
		t.Fatalf("connection should stay joined, got %v", state)
	}
}
