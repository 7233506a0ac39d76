package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"coderoom-server/collab"
	"coderoom-server/core"
	"coderoom-server/middleware"
	"coderoom-server/presence"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// MemberLister lists cluster-wide room presence; presence.Redis implements it.
type MemberLister interface {
	Members(ctx context.Context, roomID string) ([]presence.Member, error)
}

// RoomRemover deletes a room behind any commit in flight for it;
// collab.Controller implements it.
type RoomRemover interface {
	RemoveRoom(ctx context.Context, roomID string, remove func(ctx context.Context) error) error
}

type createRoomRequest struct {
	Title string `json:"title"`
}

type accessTypeRequest struct {
	AccessType core.AccessType `json:"accessType"`
}

type addAccessRequest struct {
	Accesses []core.AccessGrant `json:"accesses"`
}

func userOr401(w http.ResponseWriter, r *http.Request) (*core.User, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User claims not found"})
		return nil, false
	}
	return user, true
}

// loadRoom fetches the room named in the URL and writes 404/500 itself.
func loadRoom(w http.ResponseWriter, r *http.Request, rooms core.RoomStore) (*core.Room, bool) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Room ID is required"})
		return nil, false
	}

	room, err := rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Room not found"})
			return nil, false
		}
		logrus.WithFields(logrus.Fields{
			"error":   err,
			"room_id": roomID,
		}).Error("Failed to load room")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to load room"})
		return nil, false
	}
	return room, true
}

func forbidden(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusForbidden)
	render.JSON(w, r, map[string]string{"error": message})
}

func saveRoom(w http.ResponseWriter, r *http.Request, rooms core.RoomStore, room *core.Room) bool {
	if err := rooms.SaveRoom(r.Context(), room); err != nil {
		logrus.WithFields(logrus.Fields{
			"error":   err,
			"room_id": room.ID,
		}).Error("Failed to save room")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to save room"})
		return false
	}
	return true
}

// HandleCreateRoom creates a private room owned by the caller.
func HandleCreateRoom(rooms core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}

		var req createRoomRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"error": "Invalid request body"})
				return
			}
		}
		if req.Title == "" {
			req.Title = "Untitled room " + time.Now().Format("2006-01-02")
		}

		room := &core.Room{
			ID:         ulid.Make().String(),
			Title:      req.Title,
			OwnerID:    user.ID,
			AccessType: core.AccessPrivate,
			Viewers:    []string{},
			Editors:    []string{},
			Modifiers:  []string{},
		}
		if !saveRoom(w, r, rooms, room) {
			return
		}

		logrus.WithFields(logrus.Fields{
			"room_id": room.ID,
			"user_id": user.ID,
		}).Info("Room created successfully")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, map[string]any{"message": "Room created successfully", "room": room})
	}
}

func HandleGetRoom(rooms core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}
		room, ok := loadRoom(w, r, rooms)
		if !ok {
			return
		}
		if !room.CanRead(user.ID) {
			forbidden(w, r, "You are not authorized to access this room")
			return
		}
		render.JSON(w, r, map[string]any{"message": "Room loaded successfully", "room": room})
	}
}

// HandleUpdateAccessType switches a room between PUBLIC and PRIVATE.
func HandleUpdateAccessType(rooms core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}

		var req accessTypeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.AccessType.Valid() {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "accessType must be PUBLIC or PRIVATE"})
			return
		}

		room, ok := loadRoom(w, r, rooms)
		if !ok {
			return
		}
		if !room.CanModify(user.ID) {
			forbidden(w, r, "You are not authorized to update this room")
			return
		}

		room.AccessType = req.AccessType
		if !saveRoom(w, r, rooms, room) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"room_id":     room.ID,
			"access_type": room.AccessType,
		}).Info("Room access type updated successfully")
		render.JSON(w, r, map[string]any{"message": "Room updated successfully", "room": room})
	}
}

// HandleAddAccess grants VIEWER, EDITOR or MODIFIER to a list of users.
func HandleAddAccess(rooms core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}

		var req addAccessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Accesses) == 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "accesses is required"})
			return
		}

		room, ok := loadRoom(w, r, rooms)
		if !ok {
			return
		}
		if !room.CanModify(user.ID) {
			forbidden(w, r, "You are not authorized to update this room")
			return
		}

		for _, grant := range req.Accesses {
			if !room.Grant(grant) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"error": "Unknown access grant " + string(grant.Type)})
				return
			}
		}
		if !saveRoom(w, r, rooms, room) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"room_id": room.ID,
			"grants":  len(req.Accesses),
		}).Info("Room access updated successfully")
		render.JSON(w, r, map[string]any{"message": "Room updated successfully", "room": room})
	}
}

// HandleDeleteRoom removes a room. Only the owner may delete it.
func HandleDeleteRoom(rooms core.RoomStore, remover RoomRemover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}
		room, ok := loadRoom(w, r, rooms)
		if !ok {
			return
		}
		if room.OwnerID != user.ID {
			forbidden(w, r, "You are not authorized to delete this room")
			return
		}

		err := remover.RemoveRoom(r.Context(), room.ID, func(ctx context.Context) error {
			if err := rooms.DeleteRoom(ctx, room.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
				return err
			}
			return nil
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":   err,
				"room_id": room.ID,
			}).Error("Failed to delete room")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to delete room"})
			return
		}

		logrus.WithField("room_id", room.ID).Info("Room deleted successfully")
		render.JSON(w, r, map[string]string{"message": "Room deleted successfully"})
	}
}

// HandleGetDocument returns the latest committed content of a room.
func HandleGetDocument(rooms core.RoomStore, docs *collab.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}
		room, ok := loadRoom(w, r, rooms)
		if !ok {
			return
		}
		if !room.CanRead(user.ID) {
			forbidden(w, r, "You are not authorized to access this room")
			return
		}

		rec, err := docs.Read(r.Context(), room.ID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, map[string]string{"error": "Document not found"})
				return
			}
			logrus.WithFields(logrus.Fields{
				"error":   err,
				"room_id": room.ID,
			}).Error("Failed to read document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to read document"})
			return
		}
		render.JSON(w, r, rec)
	}
}

// HandleListActiveRooms reports local connection counts for the active rooms
// the caller can read.
func HandleListActiveRooms(rooms core.RoomStore, registry *collab.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}

		visible := make(map[string]int)
		for roomID, count := range registry.ActiveRooms() {
			room, err := rooms.GetRoom(r.Context(), roomID)
			if err != nil {
				if !errors.Is(err, core.ErrNotFound) {
					logrus.WithFields(logrus.Fields{
						"error":   err,
						"room_id": roomID,
					}).Warn("Failed to load active room")
				}
				continue
			}
			if room.CanRead(user.ID) {
				visible[roomID] = count
			}
		}
		render.JSON(w, r, map[string]any{"rooms": visible})
	}
}

// HandleListMembers lists who is in a room. With a MemberLister the answer
// covers every server; without one it falls back to this server's registry.
func HandleListMembers(rooms core.RoomStore, registry *collab.Registry, lister MemberLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOr401(w, r)
		if !ok {
			return
		}
		room, ok := loadRoom(w, r, rooms)
		if !ok {
			return
		}
		if !room.CanRead(user.ID) {
			forbidden(w, r, "You are not authorized to access this room")
			return
		}
		roomID := room.ID

		if lister != nil {
			members, err := lister.Members(r.Context(), roomID)
			if err == nil {
				if members == nil {
					members = []presence.Member{}
				}
				render.JSON(w, r, map[string]any{"roomId": roomID, "members": members})
				return
			}
			logrus.WithFields(logrus.Fields{
				"error":   err,
				"room_id": roomID,
			}).Warn("Presence lookup failed, falling back to local members")
		}

		members := []presence.Member{}
		for _, connID := range registry.MembersOf(roomID) {
			user, ok := registry.UserOf(connID)
			if !ok {
				continue
			}
			members = append(members, presence.Member{ConnectionID: string(connID), User: *user})
		}
		render.JSON(w, r, map[string]any{"roomId": roomID, "members": members})
	}
}
