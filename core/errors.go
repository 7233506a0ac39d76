package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the type tag carried by outbound error events.
type ErrorKind string

const (
	KindAuth   ErrorKind = "AUTH_ERROR"
	KindRoom   ErrorKind = "ROOM_ERROR"
	KindDoc    ErrorKind = "DOC_ERROR"
	KindAccess ErrorKind = "ACCESS_ERROR"
	KindOp     ErrorKind = "OP_ERROR"
	KindJoin   ErrorKind = "JOIN_ERROR"
)

var (
	ErrValidation   = errors.New("invalid request")
	ErrUnauthorized = errors.New("not authorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("version conflict")
	ErrInternal     = errors.New("internal error")
)

// Error is a failure already classified for the client.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ConflictError reports an optimistic version mismatch on replace.
type ConflictError struct {
	RoomID   string
	Expected uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("room %s: expected version %d, current version is %d", e.RoomID, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
