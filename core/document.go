package core

import "context"

const DefaultTitle = "Untitled"

type (
	// Document is the durable content of a room. Version counts the
	// replacements committed since the document was created.
	Document struct {
		Content string `json:"content"`
		Title   string `json:"title"`
		Version uint64 `json:"version"`
	}

	// DocumentStore persists room documents. Load returns an error wrapping
	// ErrNotFound when nothing was ever saved for the room.
	DocumentStore interface {
		Load(ctx context.Context, roomID string) (*Document, error)
		Save(ctx context.Context, roomID string, document *Document) error
	}
)
