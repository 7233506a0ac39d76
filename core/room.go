package core

import (
	"context"
	"slices"
	"time"
)

type AccessType string

const (
	AccessPrivate AccessType = "PRIVATE"
	AccessPublic  AccessType = "PUBLIC"
)

// Valid reports whether t is one of the known access types.
func (t AccessType) Valid() bool {
	return t == AccessPrivate || t == AccessPublic
}

type AccessRole string

const (
	RoleViewer   AccessRole = "VIEWER"
	RoleEditor   AccessRole = "EDITOR"
	RoleModifier AccessRole = "MODIFIER"
)

type (
	// Room is the access-control record of a shared document.
	Room struct {
		ID         string     `json:"id"`
		Title      string     `json:"title"`
		OwnerID    string     `json:"owner"`
		AccessType AccessType `json:"accessType"`
		Viewers    []string   `json:"viewers"`
		Editors    []string   `json:"editors"`
		Modifiers  []string   `json:"modifiers"`
		CreatedAt  time.Time  `json:"createdAt"`
		UpdatedAt  time.Time  `json:"updatedAt"`
	}

	// AccessGrant adds a user to one of the room's access lists.
	AccessGrant struct {
		Type   AccessRole `json:"type"`
		UserID string     `json:"userId"`
	}

	// RoomStore is the persistence layer for room metadata. GetRoom returns an
	// error wrapping ErrNotFound when the room does not exist.
	RoomStore interface {
		GetRoom(ctx context.Context, id string) (*Room, error)
		SaveRoom(ctx context.Context, room *Room) error
		DeleteRoom(ctx context.Context, id string) error
	}
)

// CanEdit holds for public rooms, the owner, editors and modifiers.
func (r *Room) CanEdit(userID string) bool {
	if r == nil || userID == "" {
		return false
	}
	return r.AccessType == AccessPublic ||
		r.OwnerID == userID ||
		slices.Contains(r.Editors, userID) ||
		slices.Contains(r.Modifiers, userID)
}

// CanRead is CanEdit widened by the viewer list.
func (r *Room) CanRead(userID string) bool {
	if r == nil || userID == "" {
		return false
	}
	return r.CanEdit(userID) || slices.Contains(r.Viewers, userID)
}

// CanModify gates changes to the room's access lists.
func (r *Room) CanModify(userID string) bool {
	if r == nil || userID == "" {
		return false
	}
	return r.OwnerID == userID || slices.Contains(r.Modifiers, userID)
}

// Grant appends the grant's user to the matching list. Duplicates are ignored.
// It reports false for an unknown role.
func (r *Room) Grant(g AccessGrant) bool {
	var list *[]string
	switch g.Type {
	case RoleViewer:
		list = &r.Viewers
	case RoleEditor:
		list = &r.Editors
	case RoleModifier:
		list = &r.Modifiers
	default:
		return false
	}
	if g.UserID == "" {
		return false
	}
	if !slices.Contains(*list, g.UserID) {
		*list = append(*list, g.UserID)
	}
	return true
}

// Clone returns a deep copy so stores can hand out rooms without sharing slices.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Viewers = slices.Clone(r.Viewers)
	c.Editors = slices.Clone(r.Editors)
	c.Modifiers = slices.Clone(r.Modifiers)
	return &c
}
