package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coderoom-server/core"

	"github.com/sirupsen/logrus"
)

// memStore implements both RoomStore and DocumentStore in process memory.
type memStore struct {
	mu        sync.RWMutex
	rooms     map[string]*core.Room
	documents map[string]core.Document
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{
		rooms:     make(map[string]*core.Room),
		documents: make(map[string]core.Document),
	}
}

// GetRoom returns a copy of the room. Part of the RoomStore interface.
func (s *memStore) GetRoom(ctx context.Context, id string) (*core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		logrus.WithField("room_id", id).Debug("Room not found")
		return nil, fmt.Errorf("room %s: %w", id, core.ErrNotFound)
	}
	return room.Clone(), nil
}

// SaveRoom creates or replaces a room. Part of the RoomStore interface.
func (s *memStore) SaveRoom(ctx context.Context, room *core.Room) error {
	if room == nil || room.ID == "" {
		return fmt.Errorf("room id cannot be empty: %w", core.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.rooms[room.ID]; ok {
		room.CreatedAt = existing.CreatedAt
	} else if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now

	s.rooms[room.ID] = room.Clone()
	logrus.WithField("room_id", room.ID).Info("Room saved successfully")
	return nil
}

// DeleteRoom removes the room and its document. Part of the RoomStore interface.
func (s *memStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return fmt.Errorf("room %s: %w", id, core.ErrNotFound)
	}
	delete(s.rooms, id)
	delete(s.documents, id)
	logrus.WithField("room_id", id).Info("Room deleted successfully")
	return nil
}

// Load returns the stored document. Part of the DocumentStore interface.
func (s *memStore) Load(ctx context.Context, roomID string) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[roomID]
	if !ok {
		return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrNotFound)
	}
	return &doc, nil
}

// Save writes the document. Part of the DocumentStore interface.
func (s *memStore) Save(ctx context.Context, roomID string, document *core.Document) error {
	if roomID == "" {
		return fmt.Errorf("room id cannot be empty: %w", core.ErrValidation)
	}

	s.mu.Lock()
	s.documents[roomID] = *document
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(document.Content),
	}).Debug("Document saved")
	return nil
}
