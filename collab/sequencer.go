package collab

import (
	"context"
	"fmt"
	"sync"

	"coderoom-server/core"
)

// roomSlot is the serialisation point of one room: a one-token semaphore
// plus the connections allowed to submit to it.
type roomSlot struct {
	sem      chan struct{}
	conns    map[ConnectionID]struct{}
	inflight int
}

// Sequencer admits at most one commit per room at a time, so commits within a
// room are totally ordered. Rooms never contend with each other.
type Sequencer struct {
	docs *DocumentStore

	mu    sync.Mutex
	slots map[string]*roomSlot
}

func NewSequencer(docs *DocumentStore) *Sequencer {
	return &Sequencer{
		docs:  docs,
		slots: make(map[string]*roomSlot),
	}
}

// Attach allows connID to submit operations for roomID.
func (q *Sequencer) Attach(roomID string, connID ConnectionID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot := q.slotLocked(roomID)
	slot.conns[connID] = struct{}{}
}

// DetachRoom revokes connID's right to submit to roomID.
func (q *Sequencer) DetachRoom(roomID string, connID ConnectionID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot, ok := q.slots[roomID]
	if !ok {
		return
	}
	delete(slot.conns, connID)
	q.reclaimLocked(roomID, slot)
}

// Detach revokes connID from every room and returns the rooms it was attached to.
// An operation already in flight for connID still completes.
func (q *Sequencer) Detach(connID ConnectionID) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rooms []string
	for roomID, slot := range q.slots {
		if _, ok := slot.conns[connID]; !ok {
			continue
		}
		delete(slot.conns, connID)
		rooms = append(rooms, roomID)
		q.reclaimLocked(roomID, slot)
	}
	return rooms
}

// Attached reports whether connID may submit to roomID.
func (q *Sequencer) Attached(roomID string, connID ConnectionID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot, ok := q.slots[roomID]
	if !ok {
		return false
	}
	_, ok = slot.conns[connID]
	return ok
}

// Submit waits for the room's previous operation to finish and then commits op.
func (q *Sequencer) Submit(ctx context.Context, op Operation) (uint64, error) {
	var version uint64
	err := q.run(ctx, op.RoomID, op.Origin, func(ctx context.Context) error {
		v, err := q.docs.Replace(ctx, op)
		version = v
		return err
	})
	return version, err
}

// Do runs fn while holding the room's slot. Nothing commits to the room while
// fn runs, so state read inside fn is ordered against commit broadcasts.
func (q *Sequencer) Do(ctx context.Context, roomID string, fn func(ctx context.Context) error) error {
	return q.run(ctx, roomID, "", fn)
}

// run acquires the slot. A non-empty origin must be attached to the room.
func (q *Sequencer) run(ctx context.Context, roomID string, origin ConnectionID, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	var slot *roomSlot
	if origin != "" {
		s, ok := q.slots[roomID]
		if ok {
			_, ok = s.conns[origin]
		}
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("connection %s has no document open for room %s: %w", origin, roomID, core.ErrNotFound)
		}
		slot = s
	} else {
		slot = q.slotLocked(roomID)
	}
	slot.inflight++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		slot.inflight--
		q.reclaimLocked(roomID, slot)
		q.mu.Unlock()
	}()

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot.sem }()

	return fn(ctx)
}

func (q *Sequencer) slotLocked(roomID string) *roomSlot {
	slot, ok := q.slots[roomID]
	if !ok {
		slot = &roomSlot{
			sem:   make(chan struct{}, 1),
			conns: make(map[ConnectionID]struct{}),
		}
		q.slots[roomID] = slot
	}
	return slot
}

func (q *Sequencer) reclaimLocked(roomID string, slot *roomSlot) {
	if len(slot.conns) == 0 && slot.inflight == 0 && q.slots[roomID] == slot {
		delete(q.slots, roomID)
	}
}

// Rooms returns how many rooms currently hold a slot.
func (q *Sequencer) Rooms() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
