package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coderoom-server/core"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type (
	// DocumentRecord is the authoritative state of one room's document.
	DocumentRecord struct {
		RoomID  string `json:"roomId"`
		Content string `json:"content"`
		Title   string `json:"title"`
		Version uint64 `json:"version"`
	}

	// Operation is a pending whole-content replacement.
	Operation struct {
		RoomID          string
		Origin          ConnectionID
		Content         string
		ExpectedVersion *uint64
	}

	// Commit is published to subscribers after every successful replace.
	Commit struct {
		RoomID      string
		Origin      ConnectionID
		Content     string
		Version     uint64
		CommittedAt time.Time
	}
)

type docEntry struct {
	// writeMu serialises replacements; mu guards rec for readers so a
	// reader never sees a write that has not been persisted yet.
	writeMu sync.Mutex
	mu      sync.RWMutex
	rec     DocumentRecord

	// evicted is set under writeMu once the entry left the cache.
	evicted bool
}

func (e *docEntry) snapshot() DocumentRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec
}

// DocumentStore caches room documents in memory, versions every replacement
// and writes each commit through to durable storage.
type DocumentStore struct {
	persist core.DocumentStore

	mu    sync.Mutex
	docs  map[string]*docEntry
	loads singleflight.Group

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(Commit)

	now func() time.Time
}

func NewDocumentStore(persist core.DocumentStore) *DocumentStore {
	return &DocumentStore{
		persist: persist,
		docs:    make(map[string]*docEntry),
		subs:    make(map[int]func(Commit)),
		now:     time.Now,
	}
}

// Ensure returns the room's document, creating an empty one when the room
// never had content. title is used only on creation; empty means DefaultTitle.
// A created document becomes visible to readers only after it was saved.
func (s *DocumentStore) Ensure(ctx context.Context, roomID, title string) (DocumentRecord, error) {
	rec, err := s.Read(ctx, roomID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return DocumentRecord{}, err
	}

	if title == "" {
		title = core.DefaultTitle
	}
	// Concurrent creators of one room share a single save.
	v, err, _ := s.loads.Do("create/"+roomID, func() (any, error) {
		return s.create(ctx, roomID, title)
	})
	if err != nil {
		return DocumentRecord{}, err
	}
	return v.(*docEntry).snapshot(), nil
}

func (s *DocumentStore) create(ctx context.Context, roomID, title string) (*docEntry, error) {
	// Another creator may have finished since the caller's read.
	entry, err := s.entry(ctx, roomID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	doc := &core.Document{Content: "", Title: title}
	if err := s.persist.Save(ctx, roomID, doc); err != nil {
		return nil, fmt.Errorf("create document for room %s: %v: %w", roomID, err, core.ErrInternal)
	}

	fresh := &docEntry{rec: DocumentRecord{RoomID: roomID, Title: title}}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.docs[roomID]; ok {
		return entry, nil
	}
	s.docs[roomID] = fresh

	logrus.WithField("room_id", roomID).Info("Document created")
	return fresh, nil
}

// Read returns the latest committed record, loading it from durable storage
// on first access. It fails with core.ErrNotFound if the room has no document.
func (s *DocumentStore) Read(ctx context.Context, roomID string) (DocumentRecord, error) {
	entry, err := s.entry(ctx, roomID)
	if err != nil {
		return DocumentRecord{}, err
	}
	return entry.snapshot(), nil
}

func (s *DocumentStore) entry(ctx context.Context, roomID string) (*docEntry, error) {
	s.mu.Lock()
	entry, ok := s.docs[roomID]
	s.mu.Unlock()
	if ok {
		return entry, nil
	}

	// Concurrent first reads of a cold room share one durable load.
	v, err, _ := s.loads.Do(roomID, func() (any, error) {
		return s.load(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*docEntry), nil
}

func (s *DocumentStore) load(ctx context.Context, roomID string) (*docEntry, error) {
	doc, err := s.persist.Load(ctx, roomID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("load document for room %s: %v: %w", roomID, err, core.ErrInternal)
	}

	title := doc.Title
	if title == "" {
		title = core.DefaultTitle
	}
	loaded := &docEntry{rec: DocumentRecord{RoomID: roomID, Content: doc.Content, Title: title, Version: doc.Version}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.docs[roomID]; ok {
		return entry, nil
	}
	s.docs[roomID] = loaded
	return loaded, nil
}

// Replace commits op.Content as the room's new content and returns the new
// version. With op.ExpectedVersion set, a stale version fails with
// *core.ConflictError and nothing is written. Subscribers are notified before
// Replace returns, in commit order.
func (s *DocumentStore) Replace(ctx context.Context, op Operation) (uint64, error) {
	entry, err := s.lockEntry(ctx, op.RoomID)
	if err != nil {
		return 0, err
	}
	defer entry.writeMu.Unlock()

	current := entry.snapshot()
	if op.ExpectedVersion != nil && *op.ExpectedVersion != current.Version {
		return 0, &core.ConflictError{RoomID: op.RoomID, Expected: *op.ExpectedVersion, Current: current.Version}
	}

	version := current.Version + 1
	doc := &core.Document{Content: op.Content, Title: current.Title, Version: version}
	if err := s.persist.Save(ctx, op.RoomID, doc); err != nil {
		return 0, fmt.Errorf("save document for room %s: %v: %w", op.RoomID, err, core.ErrInternal)
	}

	entry.mu.Lock()
	entry.rec.Content = op.Content
	entry.rec.Version = version
	entry.mu.Unlock()

	s.notify(Commit{
		RoomID:      op.RoomID,
		Origin:      op.Origin,
		Content:     op.Content,
		Version:     version,
		CommittedAt: s.now(),
	})
	return version, nil
}

// lockEntry returns the room's cached entry with writeMu held. An entry
// evicted while the caller waited is dropped and the room is looked up again,
// so a write never lands on a document that was removed from storage.
func (s *DocumentStore) lockEntry(ctx context.Context, roomID string) (*docEntry, error) {
	for {
		entry, err := s.entry(ctx, roomID)
		if err != nil {
			return nil, err
		}
		entry.writeMu.Lock()
		if !entry.evicted {
			return entry, nil
		}
		entry.writeMu.Unlock()
	}
}

// Subscribe registers fn for every commit. The returned func unregisters it.
func (s *DocumentStore) Subscribe(fn func(Commit)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *DocumentStore) notify(c Commit) {
	s.subMu.RLock()
	subs := make([]func(Commit), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"room_id": c.RoomID,
						"version": c.Version,
						"panic":   r,
					}).Error("Commit subscriber panicked")
				}
			}()
			fn(c)
		}()
	}
}

// Evict drops the cached record; the next access reloads from storage.
// It waits for a replace already writing to the room.
func (s *DocumentStore) Evict(roomID string) {
	s.mu.Lock()
	entry, ok := s.docs[roomID]
	delete(s.docs, roomID)
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.writeMu.Lock()
	entry.evicted = true
	entry.writeMu.Unlock()
}
