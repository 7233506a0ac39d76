package collab

import (
	"time"

	"coderoom-server/core"
)

// Outbound event names, shared by every transport.
const (
	EventInitialContent = "initial_content"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventUpdate         = "update"
	EventError          = "error"
)

// ConnectionID identifies one live client channel.
type ConnectionID string

type (
	// Event is one outbound message addressed to a single connection.
	Event struct {
		Name    string
		Payload any
	}

	// Sink delivers events to one connection. Send must not block on the
	// network; transports enqueue and write from their own goroutine.
	Sink interface {
		Send(Event) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(Event) error

	InitialContentPayload struct {
		RoomID  string `json:"roomId"`
		Content string `json:"content"`
		Title   string `json:"title"`
		Version uint64 `json:"version"`
	}

	UserJoinedPayload struct {
		RoomID    string     `json:"roomId"`
		User      *core.User `json:"user"`
		Timestamp int64      `json:"timestamp"`
	}

	UserLeftPayload struct {
		RoomID    string `json:"roomId"`
		UserID    string `json:"userId,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}

	UpdatePayload struct {
		RoomID  string `json:"roomId"`
		Content string `json:"content"`
		Version uint64 `json:"version"`
	}

	// ErrorPayload keeps the "type" field name the browser client reads.
	ErrorPayload struct {
		Type    core.ErrorKind `json:"type"`
		Message string         `json:"message"`
	}
)

func (f SinkFunc) Send(ev Event) error { return f(ev) }

func timestamp(t time.Time) int64 { return t.UnixMilli() }
