package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"coderoom-server/core"
)

func TestNewStore(t *testing.T) {
	if NewStore() == nil {
		t.Fatal("NewStore() returned nil")
	}
}

func TestSaveRoom_RoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	room := &core.Room{ID: "r1", Title: "Pairing", OwnerID: "alice", AccessType: core.AccessPrivate, Editors: []string{"bob"}}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom() failed: %v", err)
	}
	if room.CreatedAt.IsZero() || room.UpdatedAt.IsZero() {
		t.Error("SaveRoom() should stamp timestamps")
	}

	got, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if got.OwnerID != "alice" || len(got.Editors) != 1 || got.Editors[0] != "bob" {
		t.Errorf("GetRoom() mismatch: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Editors[0] = "mallory"
	again, _ := store.GetRoom(ctx, "r1")
	if again.Editors[0] != "bob" {
		t.Errorf("GetRoom() returned a shared slice")
	}
}

func TestSaveRoom_KeepsCreatedAt(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first := &core.Room{ID: "r1", OwnerID: "alice"}
	_ = store.SaveRoom(ctx, first)
	second := &core.Room{ID: "r1", OwnerID: "alice", Title: "Renamed"}
	_ = store.SaveRoom(ctx, second)

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v != %v", second.CreatedAt, first.CreatedAt)
	}
}

func TestSaveRoom_EmptyID(t *testing.T) {
	if err := NewStore().SaveRoom(context.Background(), &core.Room{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("SaveRoom() error = %v, want ErrValidation", err)
	}
}

func TestGetRoom_NotFound(t *testing.T) {
	_, err := NewStore().GetRoom(context.Background(), "missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetRoom() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRoom_RemovesDocument(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_ = store.SaveRoom(ctx, &core.Room{ID: "r1", OwnerID: "alice"})
	_ = store.Save(ctx, "r1", &core.Document{Content: "x"})

	if err := store.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRoom() failed: %v", err)
	}
	if _, err := store.Load(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Load() after delete = %v, want ErrNotFound", err)
	}
	if err := store.DeleteRoom(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteRoom() = %v, want ErrNotFound", err)
	}
}

func TestDocuments(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.Load(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}

	testCases := []struct {
		name    string
		content string
	}{
		{"ASCII", "print('hello')"},
		{"UTF-8", "// héllo 世界"},
		{"Empty", ""},
		{"Newlines", "line1\nline2\nline3"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Save(ctx, "r1", &core.Document{Content: tc.content, Title: "T"}); err != nil {
				t.Fatalf("Save() failed: %v", err)
			}
			doc, err := store.Load(ctx, "r1")
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if doc.Content != tc.content || doc.Title != "T" {
				t.Errorf("Load() = %+v, want content %q", doc, tc.content)
			}
		})
	}

	if err := store.Save(ctx, "", &core.Document{}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Save() with empty room id = %v, want ErrValidation", err)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("room-%d", n%3)
			if err := store.Save(ctx, id, &core.Document{Content: id}); err != nil {
				t.Errorf("Concurrent Save() failed: %v", err)
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			_, _ = store.Load(ctx, fmt.Sprintf("room-%d", n%3))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("room-%d", i)
		doc, err := store.Load(ctx, id)
		if err != nil || doc.Content != id {
			t.Errorf("Load(%s) = %+v, %v", id, doc, err)
		}
	}
}
