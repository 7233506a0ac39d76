package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"coderoom-server/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite-based store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}
	// A single connection serialises writers; sqlite would otherwise return SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	roomTableStmt := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		title TEXT,
		owner_id TEXT NOT NULL,
		access_type TEXT NOT NULL DEFAULT 'PRIVATE',
		viewers TEXT NOT NULL DEFAULT '[]',
		editors TEXT NOT NULL DEFAULT '[]',
		modifiers TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME,
		updated_at DATETIME
	);`
	if _, err = db.Exec(roomTableStmt); err != nil {
		log.Fatalf("failed to create rooms table: %v", err)
	}

	docTableStmt := `
	CREATE TABLE IF NOT EXISTS documents (
		room_id TEXT PRIMARY KEY,
		title TEXT,
		content TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME
	);`
	if _, err = db.Exec(docTableStmt); err != nil {
		log.Fatalf("failed to create documents table: %v", err)
	}
	if err := addVersionColumn(db); err != nil {
		log.Fatalf("failed to migrate documents table: %v", err)
	}

	return &sqliteStore{db}
}

// addVersionColumn upgrades documents tables created before versions were stored.
func addVersionColumn(db *sql.DB) error {
	rows, err := db.Query("PRAGMA table_info(documents)")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "version" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.Exec("ALTER TABLE documents ADD COLUMN version INTEGER NOT NULL DEFAULT 0")
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// RoomStore implementation
func (s *sqliteStore) GetRoom(ctx context.Context, id string) (*core.Room, error) {
	log := logrus.WithField("room_id", id)
	log.Debug("Retrieving room by ID")

	var (
		room                       core.Room
		title                      sql.NullString
		viewers, editors, modifers string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, owner_id, access_type, viewers, editors, modifiers, created_at, updated_at FROM rooms WHERE id = ?",
		id).Scan(&room.ID, &title, &room.OwnerID, &room.AccessType, &viewers, &editors, &modifers, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve room")
		return nil, err
	}
	room.Title = title.String

	for _, list := range []struct {
		raw string
		dst *[]string
	}{{viewers, &room.Viewers}, {editors, &room.Editors}, {modifers, &room.Modifiers}} {
		if err := json.Unmarshal([]byte(list.raw), list.dst); err != nil {
			log.WithError(err).Error("Failed to decode room access list")
			return nil, err
		}
	}
	return &room, nil
}

func (s *sqliteStore) SaveRoom(ctx context.Context, room *core.Room) error {
	if room == nil || room.ID == "" {
		return fmt.Errorf("room id cannot be empty: %w", core.ErrValidation)
	}
	log := logrus.WithField("room_id", room.ID)

	viewers, err := encodeList(room.Viewers)
	if err != nil {
		return err
	}
	editors, err := encodeList(room.Editors)
	if err != nil {
		return err
	}
	modifiers, err := encodeList(room.Modifiers)
	if err != nil {
		return err
	}

	now := time.Now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, title, owner_id, access_type, viewers, editors, modifiers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			owner_id = excluded.owner_id,
			access_type = excluded.access_type,
			viewers = excluded.viewers,
			editors = excluded.editors,
			modifiers = excluded.modifiers,
			updated_at = excluded.updated_at`,
		room.ID, room.Title, room.OwnerID, string(room.AccessType), viewers, editors, modifiers, room.CreatedAt, room.UpdatedAt)
	if err != nil {
		log.WithError(err).Error("Failed to save room")
		return err
	}

	log.Info("Room saved successfully")
	return nil
}

func (s *sqliteStore) DeleteRoom(ctx context.Context, id string) error {
	log := logrus.WithField("room_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // Rollback on any error

	result, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	if err != nil {
		log.WithError(err).Error("Failed to delete room")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("room %s: %w", id, core.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE room_id = ?", id); err != nil {
		log.WithError(err).Error("Failed to delete room document")
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("Room deleted successfully")
	return nil
}

// DocumentStore implementation
func (s *sqliteStore) Load(ctx context.Context, roomID string) (*core.Document, error) {
	var (
		doc   core.Document
		title sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT content, title, version FROM documents WHERE room_id = ?", roomID).Scan(&doc.Content, &title, &doc.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document for room %s: %w", roomID, core.ErrNotFound)
		}
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to load document")
		return nil, err
	}
	doc.Title = title.String
	return &doc, nil
}

func (s *sqliteStore) Save(ctx context.Context, roomID string, document *core.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (room_id, title, content, version, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET title = excluded.title, content = excluded.content,
			version = excluded.version, updated_at = excluded.updated_at`,
		roomID, document.Title, document.Content, document.Version, time.Now())
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to save document")
		return err
	}
	return nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
