package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coderoom-server/core"

	"github.com/sirupsen/logrus"
)

const (
	roomsDir     = "rooms"
	documentsDir = "documents"
)

// fsStore keeps one JSON file per room and one per document under basePath.
type fsStore struct {
	basePath string
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) *fsStore {
	for _, dir := range []string{roomsDir, documentsDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			log.Fatalf("failed to create storage directory: %v", err)
		}
	}
	return &fsStore{basePath: basePath}
}

// path resolves id inside dir and refuses anything that would escape it.
func (s *fsStore) path(dir, id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid id %q: %w", id, core.ErrValidation)
	}

	base, err := filepath.Abs(filepath.Join(s.basePath, dir))
	if err != nil {
		return "", err
	}
	full, err := filepath.Abs(filepath.Join(base, id+".json"))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: access denied")
	}
	return full, nil
}

func (s *fsStore) readJSON(dir, id string, v any) error {
	filePath, err := s.path(dir, id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", strings.TrimSuffix(dir, "s"), id, core.ErrNotFound)
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces the file atomically through a rename so readers never
// see a partially written record.
func (s *fsStore) writeJSON(dir, id string, v any) error {
	filePath, err := s.path(dir, id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), id+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}

// RoomStore implementation
func (s *fsStore) GetRoom(ctx context.Context, id string) (*core.Room, error) {
	log := logrus.WithField("room_id", id)

	var room core.Room
	if err := s.readJSON(roomsDir, id, &room); err != nil {
		log.WithError(err).Debug("Failed to read room")
		return nil, err
	}
	return &room, nil
}

func (s *fsStore) SaveRoom(ctx context.Context, room *core.Room) error {
	if room == nil || room.ID == "" {
		return fmt.Errorf("room id cannot be empty: %w", core.ErrValidation)
	}
	log := logrus.WithField("room_id", room.ID)

	now := time.Now()
	if existing, err := s.GetRoom(ctx, room.ID); err == nil {
		room.CreatedAt = existing.CreatedAt
	} else if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now

	if err := s.writeJSON(roomsDir, room.ID, room); err != nil {
		log.WithError(err).Error("Failed to write room file")
		return err
	}
	log.Info("Room saved successfully")
	return nil
}

func (s *fsStore) DeleteRoom(ctx context.Context, id string) error {
	log := logrus.WithField("room_id", id)

	roomPath, err := s.path(roomsDir, id)
	if err != nil {
		return err
	}
	if err := os.Remove(roomPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("room %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to delete room file")
		return err
	}

	docPath, err := s.path(documentsDir, id)
	if err == nil {
		if err := os.Remove(docPath); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to delete document file")
		}
	}

	log.Info("Room deleted successfully")
	return nil
}

// DocumentStore implementation
func (s *fsStore) Load(ctx context.Context, roomID string) (*core.Document, error) {
	var doc core.Document
	if err := s.readJSON(documentsDir, roomID, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *fsStore) Save(ctx context.Context, roomID string, document *core.Document) error {
	if err := s.writeJSON(documentsDir, roomID, document); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to write document file")
		return err
	}
	return nil
}
