package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"coderoom-server/access"
	"coderoom-server/core"
	"coderoom-server/stores/memory"
)

// recorder is a Sink that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) named(name string) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// flakyDocs wraps a document store and fails saves on demand.
type flakyDocs struct {
	core.DocumentStore

	mu       sync.Mutex
	failSave bool
	saves    int
}

func (f *flakyDocs) Save(ctx context.Context, roomID string, doc *core.Document) error {
	f.mu.Lock()
	fail := f.failSave
	f.saves++
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.DocumentStore.Save(ctx, roomID, doc)
}

func (f *flakyDocs) setFail(v bool) {
	f.mu.Lock()
	f.failSave = v
	f.mu.Unlock()
}

type fixture struct {
	store interface {
		core.RoomStore
		core.DocumentStore
	}
	docs *DocumentStore
	ctrl *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	docs := NewDocumentStore(store)
	ctrl := NewController(Options{
		Access:    access.NewDirectory(store),
		Documents: docs,
	})
	t.Cleanup(ctrl.Close)
	return &fixture{store: store, docs: docs, ctrl: ctrl}
}

func (f *fixture) room(t *testing.T, room *core.Room) {
	t.Helper()
	if room.AccessType == "" {
		room.AccessType = core.AccessPrivate
	}
	if err := f.store.SaveRoom(context.Background(), room); err != nil {
		t.Fatalf("SaveRoom failed: %v", err)
	}
}

func (f *fixture) open(t *testing.T, id ConnectionID) *recorder {
	t.Helper()
	rec := &recorder{}
	if err := f.ctrl.Open(id, rec, nil); err != nil {
		t.Fatalf("Open(%s) failed: %v", id, err)
	}
	return rec
}

func (f *fixture) join(t *testing.T, id ConnectionID, roomID, userID string) {
	t.Helper()
	err := f.ctrl.Join(context.Background(), id, JoinRequest{RoomID: roomID, User: &core.User{ID: userID, Name: userID}})
	if err != nil {
		t.Fatalf("Join(%s, %s) failed: %v", id, roomID, err)
	}
}

func content(s string) *string { return &s }

func version(v uint64) *uint64 { return &v }

func errorKind(t *testing.T, err error) core.ErrorKind {
	t.Helper()
	var ce *core.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *core.Error, got %T: %v", err, err)
	}
	return ce.Kind
}
