// Package access answers capability questions about rooms. Every answer is a
// fresh point lookup against the room store; nothing is cached, so access list
// changes apply to the very next privileged action.
package access

import (
	"context"
	"errors"
	"fmt"

	"coderoom-server/core"

	"github.com/sirupsen/logrus"
)

type Directory struct {
	rooms core.RoomStore
}

func NewDirectory(rooms core.RoomStore) *Directory {
	return &Directory{rooms: rooms}
}

// Room fetches the room record. A missing room is reported as core.ErrNotFound.
func (d *Directory) Room(ctx context.Context, roomID string) (*core.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required: %w", core.ErrValidation)
	}
	room, err := d.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	return room, nil
}

func (d *Directory) CanRead(ctx context.Context, roomID, userID string) bool {
	return d.check(ctx, "read", roomID, userID, (*core.Room).CanRead)
}

func (d *Directory) CanEdit(ctx context.Context, roomID, userID string) bool {
	return d.check(ctx, "edit", roomID, userID, (*core.Room).CanEdit)
}

func (d *Directory) CanModify(ctx context.Context, roomID, userID string) bool {
	return d.check(ctx, "modify", roomID, userID, (*core.Room).CanModify)
}

func (d *Directory) check(ctx context.Context, capability, roomID, userID string, allowed func(*core.Room, string) bool) bool {
	log := logrus.WithFields(logrus.Fields{
		"room_id":    roomID,
		"user_id":    userID,
		"capability": capability,
	})

	room, err := d.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrValidation) {
			log.Debug("Capability denied: room not found")
		} else {
			log.WithError(err).Error("Room lookup failed during capability check")
		}
		return false
	}

	ok := allowed(room, userID)
	log.WithField("allowed", ok).Debug("Capability checked")
	return ok
}
