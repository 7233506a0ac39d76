package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coderoom-server/core"
	"coderoom-server/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned for events arriving on a closed or unknown connection.
var ErrClosed = errors.New("connection closed")

type State int

const (
	StateUnjoined State = iota
	StateJoining
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type (
	// Access answers capability questions; access.Directory implements it.
	Access interface {
		Room(ctx context.Context, roomID string) (*core.Room, error)
		CanRead(ctx context.Context, roomID, userID string) bool
		CanEdit(ctx context.Context, roomID, userID string) bool
	}

	// Presence mirrors room membership outside this process.
	Presence interface {
		Join(ctx context.Context, roomID, connID string, user core.User) error
		Leave(ctx context.Context, roomID, connID string) error
	}

	JoinRequest struct {
		RoomID string     `json:"roomId"`
		User   *core.User `json:"user"`
	}

	// UpdateRequest replaces the content of a joined room. RoomID may be empty
	// when the connection has joined exactly one room. Version, when set, is
	// the version the client's content is based on.
	UpdateRequest struct {
		RoomID  string  `json:"roomId,omitempty"`
		Content *string `json:"content"`
		Version *uint64 `json:"version,omitempty"`
	}

	Options struct {
		Access    Access
		Documents *DocumentStore
		Presence  Presence           // optional
		Metrics   *metrics.Collector // optional
		Tracer    trace.Tracer       // optional
	}
)

type connection struct {
	// mu serialises the connection's events in arrival order.
	mu     sync.Mutex
	state  State
	pinned *core.User
}

// Controller drives every connection through join, update, leave and
// disconnect using the registry, sequencer and router it owns.
type Controller struct {
	access    Access
	docs      *DocumentStore
	registry  *Registry
	sequencer *Sequencer
	router    *Router
	presence  Presence
	metrics   *metrics.Collector
	tracer    trace.Tracer

	mu    sync.RWMutex
	conns map[ConnectionID]*connection

	unsubscribe func()
}

func NewController(opts Options) *Controller {
	registry := NewRegistry()
	c := &Controller{
		access:    opts.Access,
		docs:      opts.Documents,
		registry:  registry,
		sequencer: NewSequencer(opts.Documents),
		router:    NewRouter(registry, opts.Metrics),
		presence:  opts.Presence,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		conns:     make(map[ConnectionID]*connection),
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("coderoom-server/collab")
	}

	c.unsubscribe = c.docs.Subscribe(func(commit Commit) {
		c.metrics.Committed()
		c.router.AnnounceUpdate(commit)
	})
	return c
}

// Close stops broadcasting commits. Open connections are left to their transports.
func (c *Controller) Close() {
	c.unsubscribe()
}

func (c *Controller) Registry() *Registry { return c.registry }

// RemoveRoom runs remove in the room's slot and then drops the cached
// document. A commit already queued for the room finishes first; one queued
// behind finds no document.
func (c *Controller) RemoveRoom(ctx context.Context, roomID string, remove func(ctx context.Context) error) error {
	return c.sequencer.Do(ctx, roomID, func(ctx context.Context) error {
		if err := remove(ctx); err != nil {
			return err
		}
		c.docs.Evict(roomID)
		return nil
	})
}

// Open registers a new connection in the Unjoined state. A non-nil pinned user
// means the transport authenticated the connection; joins must then act as
// that user.
func (c *Controller) Open(connID ConnectionID, sink Sink, pinned *core.User) error {
	if connID == "" || sink == nil {
		return fmt.Errorf("connection id and sink are required: %w", core.ErrValidation)
	}

	c.mu.Lock()
	if _, ok := c.conns[connID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already open: %w", connID, core.ErrValidation)
	}
	conn := &connection{state: StateUnjoined}
	if pinned != nil {
		u := *pinned
		conn.pinned = &u
	}
	c.conns[connID] = conn
	c.mu.Unlock()

	c.router.Attach(connID, sink)
	c.metrics.ConnectionOpened()
	logrus.WithField("connection_id", connID).Debug("Connection opened")
	return nil
}

// State reports the lifecycle state of a connection.
func (c *Controller) State(connID ConnectionID) (State, bool) {
	conn := c.lookup(connID)
	if conn == nil {
		return StateClosed, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state, true
}

func (c *Controller) lookup(connID ConnectionID) *connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[connID]
}

// acquire locks the connection for one event. It fails for unknown or closed
// connections, which receive nothing further.
func (c *Controller) acquire(connID ConnectionID) (*connection, error) {
	conn := c.lookup(connID)
	if conn == nil {
		return nil, fmt.Errorf("connection %s: %w", connID, ErrClosed)
	}
	conn.mu.Lock()
	if conn.state == StateClosed {
		conn.mu.Unlock()
		return nil, fmt.Errorf("connection %s: %w", connID, ErrClosed)
	}
	return conn, nil
}

// Join subscribes the connection to a room and sends it the current document.
func (c *Controller) Join(ctx context.Context, connID ConnectionID, req JoinRequest) (err error) {
	conn, err := c.acquire(connID)
	if err != nil {
		return err
	}
	defer conn.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "collab.join", trace.WithAttributes(
		attribute.String("connection.id", string(connID)),
		attribute.String("room.id", req.RoomID),
	))
	start := time.Now()
	defer func() { c.finish(span, "join_room", start, err) }()
	defer c.recoverPanic(connID, "join_room", core.KindJoin, &err)

	log := logrus.WithFields(logrus.Fields{
		"connection_id": connID,
		"room_id":       req.RoomID,
	})

	if req.RoomID == "" || req.User == nil || req.User.ID == "" {
		return c.fail(connID, core.KindJoin, "Invalid room or user data", core.ErrValidation)
	}
	if conn.pinned != nil && conn.pinned.ID != req.User.ID {
		return c.fail(connID, core.KindAuth, "Not authorized",
			fmt.Errorf("connection authenticated as %s, join as %s: %w", conn.pinned.ID, req.User.ID, core.ErrUnauthorized))
	}
	if bound, ok := c.registry.UserOf(connID); ok && bound.ID != req.User.ID {
		return c.fail(connID, core.KindJoin, "Invalid room or user data",
			fmt.Errorf("connection bound to user %s: %w", bound.ID, core.ErrValidation))
	}

	previous := conn.state
	if previous == StateUnjoined {
		conn.state = StateJoining
	}
	restore := func() {
		if conn.state == StateJoining {
			conn.state = previous
		}
	}

	if !c.access.CanRead(ctx, req.RoomID, req.User.ID) {
		restore()
		return c.fail(connID, core.KindAuth, "Not authorized", core.ErrUnauthorized)
	}

	room, err := c.access.Room(ctx, req.RoomID)
	if err != nil {
		restore()
		if !errors.Is(err, core.ErrNotFound) {
			log.WithError(err).Error("Room lookup failed after authorization")
		}
		return c.fail(connID, core.KindRoom, "Room not found", err)
	}

	user := *req.User
	alreadyMember := c.registry.IsMember(req.RoomID, connID)

	// Inside the room slot no commit can land, so the joiner sees every
	// version after the one in initial_content as an update.
	err = c.sequencer.Do(ctx, req.RoomID, func(ctx context.Context) error {
		rec, err := c.docs.Ensure(ctx, req.RoomID, room.Title)
		if err != nil {
			return err
		}
		if err := c.registry.AddMember(req.RoomID, connID, &user); err != nil {
			return err
		}
		c.sequencer.Attach(req.RoomID, connID)

		sendErr := c.router.Send(connID, Event{
			Name: EventInitialContent,
			Payload: InitialContentPayload{
				RoomID:  req.RoomID,
				Content: rec.Content,
				Title:   rec.Title,
				Version: rec.Version,
			},
		})
		if sendErr != nil {
			log.WithError(sendErr).Warn("Failed to deliver initial content")
		}
		return nil
	})
	if err != nil {
		restore()
		if errors.Is(err, core.ErrValidation) {
			return c.fail(connID, core.KindJoin, "Invalid room or user data", err)
		}
		log.WithError(err).Error("Failed to open document")
		return c.fail(connID, core.KindDoc, "Error fetching document", err)
	}

	conn.state = StateJoined
	c.metrics.SetActiveRooms(len(c.registry.ActiveRooms()))

	if alreadyMember {
		log.Debug("Connection rejoined room")
		return nil
	}

	c.router.AnnounceJoin(req.RoomID, connID, &user)
	if c.presence != nil {
		if err := c.presence.Join(ctx, req.RoomID, string(connID), user); err != nil {
			log.WithError(err).Warn("Failed to record presence")
		}
	}

	log.WithField("user_id", user.ID).Info("User joined room successfully")
	return nil
}

// Update replaces the content of a joined room and returns the new version.
// Other members learn about it through the commit broadcast.
func (c *Controller) Update(ctx context.Context, connID ConnectionID, req UpdateRequest) (version uint64, err error) {
	conn, err := c.acquire(connID)
	if err != nil {
		return 0, err
	}
	defer conn.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "collab.update", trace.WithAttributes(
		attribute.String("connection.id", string(connID)),
	))
	start := time.Now()
	defer func() { c.finish(span, "update", start, err) }()
	defer c.recoverPanic(connID, "update", core.KindOp, &err)

	if conn.state != StateJoined {
		return 0, c.fail(connID, core.KindDoc, "Document not found", core.ErrNotFound)
	}
	if req.Content == nil {
		return 0, c.fail(connID, core.KindOp, "Content is required", core.ErrValidation)
	}

	roomID, err := c.targetRoom(connID, req.RoomID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return 0, c.fail(connID, core.KindDoc, "Document not found", err)
		}
		return 0, c.fail(connID, core.KindOp, "Room ID is required", err)
	}
	span.SetAttributes(attribute.String("room.id", roomID))

	user, ok := c.registry.UserOf(connID)
	if !ok {
		return 0, c.fail(connID, core.KindDoc, "Document not found", core.ErrNotFound)
	}
	if !c.access.CanEdit(ctx, roomID, user.ID) {
		return 0, c.fail(connID, core.KindAccess, "No permission to edit", core.ErrUnauthorized)
	}

	version, err = c.sequencer.Submit(ctx, Operation{
		RoomID:          roomID,
		Origin:          connID,
		Content:         *req.Content,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		var conflict *core.ConflictError
		switch {
		case errors.As(err, &conflict):
			c.metrics.Conflict()
			return 0, c.fail(connID, core.KindOp,
				fmt.Sprintf("Version conflict: expected %d, current version is %d", conflict.Expected, conflict.Current), err)
		case errors.Is(err, core.ErrNotFound):
			return 0, c.fail(connID, core.KindDoc, "Document not found", err)
		default:
			logrus.WithFields(logrus.Fields{
				"connection_id": connID,
				"room_id":       roomID,
			}).WithError(err).Error("Failed to apply operation")
			return 0, c.fail(connID, core.KindOp, "Failed to apply operation", err)
		}
	}

	span.SetAttributes(attribute.Int64("document.version", int64(version)))
	return version, nil
}

func (c *Controller) targetRoom(connID ConnectionID, roomID string) (string, error) {
	if roomID != "" {
		if !c.registry.IsMember(roomID, connID) {
			return "", fmt.Errorf("connection %s has not joined room %s: %w", connID, roomID, core.ErrNotFound)
		}
		return roomID, nil
	}
	rooms := c.registry.RoomsOf(connID)
	switch len(rooms) {
	case 0:
		return "", fmt.Errorf("connection %s has not joined a room: %w", connID, core.ErrNotFound)
	case 1:
		return rooms[0], nil
	default:
		return "", fmt.Errorf("connection %s joined %d rooms: %w", connID, len(rooms), core.ErrValidation)
	}
}

// Leave takes the connection out of one room and tells the remaining members.
func (c *Controller) Leave(ctx context.Context, connID ConnectionID, roomID string) (err error) {
	conn, err := c.acquire(connID)
	if err != nil {
		return err
	}
	defer conn.mu.Unlock()

	start := time.Now()
	defer func() {
		c.metrics.ObserveEvent("leave_room", statusOf(err), time.Since(start))
	}()
	defer c.recoverPanic(connID, "leave_room", core.KindRoom, &err)

	user, _ := c.registry.UserOf(connID)
	if roomID == "" || !c.registry.RemoveMember(roomID, connID) {
		return c.fail(connID, core.KindRoom, "Room not joined", core.ErrNotFound)
	}
	c.sequencer.DetachRoom(roomID, connID)

	if len(c.registry.RoomsOf(connID)) == 0 {
		conn.state = StateUnjoined
	}
	c.metrics.SetActiveRooms(len(c.registry.ActiveRooms()))

	c.router.AnnounceLeave(roomID, connID, user)
	c.leavePresence(ctx, roomID, connID)

	logrus.WithFields(logrus.Fields{
		"connection_id": connID,
		"room_id":       roomID,
	}).Info("User left room successfully")
	return nil
}

// Disconnect closes the connection for good. It is removed from every room
// before any leave is announced, so it receives no further broadcasts.
// Calling it again is a no-op.
func (c *Controller) Disconnect(ctx context.Context, connID ConnectionID) {
	conn := c.lookup(connID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.state == StateClosed {
		return
	}
	conn.state = StateClosed

	rooms, user := c.registry.RemoveConnection(connID)
	c.sequencer.Detach(connID)
	c.router.Detach(connID)

	c.mu.Lock()
	delete(c.conns, connID)
	c.mu.Unlock()

	for _, roomID := range rooms {
		c.router.AnnounceLeave(roomID, connID, user)
		c.leavePresence(ctx, roomID, connID)
	}

	c.metrics.ConnectionClosed()
	c.metrics.SetActiveRooms(len(c.registry.ActiveRooms()))
	logrus.WithFields(logrus.Fields{
		"connection_id": connID,
		"rooms":         rooms,
	}).Info("Connection closed")
}

func (c *Controller) leavePresence(ctx context.Context, roomID string, connID ConnectionID) {
	if c.presence == nil {
		return
	}
	if err := c.presence.Leave(ctx, roomID, string(connID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"connection_id": connID,
			"room_id":       roomID,
		}).WithError(err).Warn("Failed to clear presence")
	}
}

// fail reports a classified error to the connection and returns it.
func (c *Controller) fail(connID ConnectionID, kind core.ErrorKind, message string, cause error) error {
	logrus.WithFields(logrus.Fields{
		"connection_id": connID,
		"type":          kind,
	}).WithError(cause).Debug(message)
	c.router.SendError(connID, kind, message)
	return core.NewError(kind, message, cause)
}

func (c *Controller) recoverPanic(connID ConnectionID, event string, kind core.ErrorKind, errp *error) {
	p := recover()
	if p == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"connection_id": connID,
		"event":         event,
		"panic":         p,
	}).Error("Recovered from panic while handling event")
	*errp = c.fail(connID, kind, "Internal error", fmt.Errorf("panic: %v: %w", p, core.ErrInternal))
}

func (c *Controller) finish(span trace.Span, event string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	c.metrics.ObserveEvent(event, statusOf(err), time.Since(start))
}

func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return string(ce.Kind)
	}
	if errors.Is(err, ErrClosed) {
		return "closed"
	}
	return "error"
}
