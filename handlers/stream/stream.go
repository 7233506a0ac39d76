// Package stream serves the collaboration engine over plain WebSockets using
// JSON frames of the form {"event": "...", "data": ...}. It carries the same
// events as the socket.io transport for clients that do not speak socket.io.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"coderoom-server/collab"
	"coderoom-server/core"
	"coderoom-server/handlers/auth"
	"coderoom-server/middleware"

	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 5 * 1024 * 1024
	sendBuffer     = 512
	eventTimeout   = 30 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// Frame is one message on the wire in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Handler upgrades the request and runs the connection until it closes. A
// valid token (header or ?token=) binds the connection to that user; an
// invalid one is rejected before the upgrade.
func Handler(ctrl *collab.Controller, origins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var pinned *core.User
		token, ok, problem := middleware.TokenFromRequest(r)
		switch {
		case ok:
			claims, err := auth.ParseJWT(token)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}
			pinned = claims.User()
		case r.Header.Get("Authorization") != "":
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": problem})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("WebSocket upgrade failed")
			return
		}

		c := &client{
			id:   collab.ConnectionID(ulid.Make().String()),
			conn: conn,
			ctrl: ctrl,
			send: make(chan []byte, sendBuffer),
			done: make(chan struct{}),
		}
		if err := ctrl.Open(c.id, c, pinned); err != nil {
			logrus.WithError(err).Error("Failed to register connection")
			conn.Close()
			return
		}

		go c.writePump()
		c.readPump()
	}
}

type client struct {
	id   collab.ConnectionID
	conn *websocket.Conn
	ctrl *collab.Controller

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues an event without blocking. A client that cannot keep up is
// disconnected rather than stalling the room.
func (c *client) Send(ev collab.Event) error {
	b, err := json.Marshal(outFrame{Event: ev.Name, Data: ev.Payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}

	select {
	case <-c.done:
		return collab.ErrClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		c.shutdown()
		return errSendBufferFull
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump() {
	log := logrus.WithField("connection_id", c.id)
	defer func() {
		c.ctrl.Disconnect(context.Background(), c.id)
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("WebSocket closed unexpectedly")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.WithError(err).Debug("Ignoring malformed frame")
			_ = c.Send(collab.Event{
				Name:    collab.EventError,
				Payload: collab.ErrorPayload{Type: core.KindOp, Message: "Malformed message"},
			})
			continue
		}
		c.dispatch(frame)
	}
}

func (c *client) dispatch(frame Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch frame.Event {
	case "join_room":
		var req collab.JoinRequest
		_ = json.Unmarshal(frame.Data, &req)
		_ = c.ctrl.Join(ctx, c.id, req)

	case "update":
		var req collab.UpdateRequest
		var content string
		if err := json.Unmarshal(frame.Data, &content); err == nil {
			req.Content = &content
		} else {
			_ = json.Unmarshal(frame.Data, &req)
		}
		_, _ = c.ctrl.Update(ctx, c.id, req)

	case "leave_room":
		var req struct {
			RoomID string `json:"roomId"`
		}
		_ = json.Unmarshal(frame.Data, &req)
		_ = c.ctrl.Leave(ctx, c.id, req.RoomID)

	default:
		_ = c.Send(collab.Event{
			Name:    collab.EventError,
			Payload: collab.ErrorPayload{Type: core.KindOp, Message: "Unknown event " + frame.Event},
		})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
