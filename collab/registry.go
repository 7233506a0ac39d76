package collab

import (
	"fmt"
	"sort"
	"sync"

	"coderoom-server/core"
)

type member struct {
	user  *core.User
	rooms map[string]struct{}
}

// Registry tracks which connection acts as which user and which rooms each
// connection has joined. Both directions live behind one lock so that
// roomID ∈ RoomsOf(conn) ⇔ conn ∈ MembersOf(roomID) at all times.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnectionID]*member
	rooms map[string]map[ConnectionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnectionID]*member),
		rooms: make(map[string]map[ConnectionID]struct{}),
	}
}

// AddMember records connID as a member of roomID acting as user. A connection
// stays bound to the first user it joined with.
func (r *Registry) AddMember(roomID string, connID ConnectionID, user *core.User) error {
	if roomID == "" || connID == "" || user == nil || user.ID == "" {
		return fmt.Errorf("room, connection and user are required: %w", core.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if ok && m.user.ID != user.ID {
		return fmt.Errorf("connection %s is bound to user %s: %w", connID, m.user.ID, core.ErrValidation)
	}
	if !ok {
		u := *user
		m = &member{user: &u, rooms: make(map[string]struct{})}
		r.conns[connID] = m
	}
	m.rooms[roomID] = struct{}{}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[ConnectionID]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	return nil
}

// RemoveMember takes connID out of one room and reports whether it was there.
// A connection left with no rooms is forgotten entirely.
func (r *Registry) RemoveMember(roomID string, connID ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, joined := m.rooms[roomID]; !joined {
		return false
	}
	delete(m.rooms, roomID)
	r.dropFromRoom(roomID, connID)
	if len(m.rooms) == 0 {
		delete(r.conns, connID)
	}
	return true
}

// RemoveConnection removes connID from every room it joined and returns
// those rooms, sorted, together with the user it acted as.
func (r *Registry) RemoveConnection(connID ConnectionID) ([]string, *core.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return nil, nil
	}
	delete(r.conns, connID)

	rooms := make([]string, 0, len(m.rooms))
	for roomID := range m.rooms {
		rooms = append(rooms, roomID)
		r.dropFromRoom(roomID, connID)
	}
	sort.Strings(rooms)
	return rooms, m.user
}

func (r *Registry) dropFromRoom(roomID string, connID ConnectionID) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) MembersOf(roomID string) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]ConnectionID, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

func (r *Registry) IsMember(roomID string, connID ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][connID]
	return ok
}

func (r *Registry) UserOf(connID ConnectionID) (*core.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	u := *m.user
	return &u, true
}

func (r *Registry) RoomsOf(connID ConnectionID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(m.rooms))
	for roomID := range m.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Snapshot returns the connection ids of every non-empty room.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.rooms))
	for roomID, members := range r.rooms {
		ids := make([]string, 0, len(members))
		for connID := range members {
			ids = append(ids, string(connID))
		}
		out[roomID] = ids
	}
	return out
}

// ActiveRooms returns the number of connections per non-empty room.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		out[roomID] = len(members)
	}
	return out
}
