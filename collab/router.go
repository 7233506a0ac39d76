package collab

import (
	"fmt"
	"sync"
	"time"

	"coderoom-server/core"
	"coderoom-server/metrics"

	"github.com/sirupsen/logrus"
)

// Router computes recipients from the Registry and delivers events to the
// sinks of attached connections. Delivery is best effort per recipient.
type Router struct {
	registry *Registry
	metrics  *metrics.Collector
	now      func() time.Time

	// mu is held for reading during every delivery, so once Detach returns
	// the detached sink receives nothing more.
	mu    sync.RWMutex
	sinks map[ConnectionID]Sink
}

func NewRouter(registry *Registry, m *metrics.Collector) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
		now:      time.Now,
		sinks:    make(map[ConnectionID]Sink),
	}
}

func (r *Router) Attach(connID ConnectionID, sink Sink) {
	r.mu.Lock()
	r.sinks[connID] = sink
	r.mu.Unlock()
}

func (r *Router) Detach(connID ConnectionID) {
	r.mu.Lock()
	delete(r.sinks, connID)
	r.mu.Unlock()
}

// Send delivers ev privately to one connection.
func (r *Router) Send(connID ConnectionID, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deliver(connID, ev)
}

// AnnounceJoin tells every other member of roomID that user joined.
func (r *Router) AnnounceJoin(roomID string, joining ConnectionID, user *core.User) {
	r.fanOut(roomID, joining, Event{
		Name: EventUserJoined,
		Payload: UserJoinedPayload{
			RoomID:    roomID,
			User:      user,
			Timestamp: timestamp(r.now()),
		},
	})
}

// AnnounceLeave tells the remaining members of roomID that user left.
func (r *Router) AnnounceLeave(roomID string, leaving ConnectionID, user *core.User) {
	payload := UserLeftPayload{RoomID: roomID, Timestamp: timestamp(r.now())}
	if user != nil {
		payload.UserID = user.ID
	}
	r.fanOut(roomID, leaving, Event{Name: EventUserLeft, Payload: payload})
}

// AnnounceUpdate sends a commit to every member of its room except the origin.
func (r *Router) AnnounceUpdate(c Commit) {
	r.fanOut(c.RoomID, c.Origin, Event{
		Name: EventUpdate,
		Payload: UpdatePayload{
			RoomID:  c.RoomID,
			Content: c.Content,
			Version: c.Version,
		},
	})
}

// SendError reports a failure to the connection that caused it.
func (r *Router) SendError(connID ConnectionID, kind core.ErrorKind, message string) {
	r.metrics.ErrorSent(string(kind))
	err := r.Send(connID, Event{
		Name:    EventError,
		Payload: ErrorPayload{Type: kind, Message: message},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"connection_id": connID,
			"type":          kind,
		}).WithError(err).Warn("Failed to deliver error event")
	}
}

func (r *Router) fanOut(roomID string, except ConnectionID, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, connID := range r.registry.MembersOf(roomID) {
		if connID == except {
			continue
		}
		if err := r.deliver(connID, ev); err != nil {
			logrus.WithFields(logrus.Fields{
				"room_id":       roomID,
				"connection_id": connID,
				"event":         ev.Name,
			}).WithError(err).Warn("Failed to deliver event")
			continue
		}
		delivered++
	}

	logrus.WithFields(logrus.Fields{
		"room_id":    roomID,
		"event":      ev.Name,
		"recipients": delivered,
	}).Debug("Event broadcast")
}

// deliver must be called with r.mu held for reading.
func (r *Router) deliver(connID ConnectionID, ev Event) (err error) {
	sink, ok := r.sinks[connID]
	if !ok {
		return fmt.Errorf("connection %s is not attached: %w", connID, core.ErrNotFound)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
		if err != nil {
			r.metrics.DeliveryFailed(ev.Name)
		}
	}()

	return sink.Send(ev)
}
