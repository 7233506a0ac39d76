package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"coderoom-server/collab"
	"coderoom-server/core"
	"coderoom-server/handlers/auth"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// eventTimeout bounds how long one inbound event may wait on the room slot
// and the stores.
const eventTimeout = 30 * time.Second

type ackInvoker func(err error, payload map[string]any)

// Options configures the socket.io server.
type Options struct {
	// Origins allowed for cross-origin requests. Empty means localhost only.
	Origins []string
}

func SetupSocketIO(ctrl *collab.Controller, o Options) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigins(o.Origins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		handleConnection(ctrl, socket)
	})

	return srv
}

func corsOrigins(origins []string) any {
	if len(origins) == 0 {
		return []any{regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)}
	}
	out := make([]any, 0, len(origins))
	for _, origin := range origins {
		out = append(out, origin)
	}
	return out
}

// socketSink forwards engine events to one socket.io client.
type socketSink struct {
	socket *socketio.Socket
}

func (s socketSink) Send(ev collab.Event) error {
	return s.socket.Emit(ev.Name, ev.Payload)
}

func handleConnection(ctrl *collab.Controller, socket *socketio.Socket) {
	connID := collab.ConnectionID(socket.Id())
	log := logrus.WithField("connection_id", connID)

	pinned, err := handshakeUser(socket.Handshake().Auth)
	if err != nil {
		log.WithError(err).Info("Rejected socket with invalid token")
		socket.Emit(collab.EventError, collab.ErrorPayload{Type: core.KindAuth, Message: "Invalid token"})
		socket.Disconnect(true)
		return
	}

	if err := ctrl.Open(connID, socketSink{socket: socket}, pinned); err != nil {
		log.WithError(err).Error("Failed to register connection")
		socket.Disconnect(true)
		return
	}
	log.Debug("Socket connected")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("join_room", func(datas ...any) {
		ack, args := extractAck(datas)
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()

		var req collab.JoinRequest
		if len(args) > 0 {
			if err := decodeArg(args[0], &req); err != nil {
				log.WithError(err).Debug("Malformed join_room payload")
			}
		}
		err := ctrl.Join(ctx, connID, req)
		respondWithAck(ack, err, map[string]any{"status": "ok", "roomId": req.RoomID})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("update", func(datas ...any) {
		ack, args := extractAck(datas)
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()

		req, err := parseUpdate(args)
		if err != nil {
			log.WithError(err).Debug("Malformed update payload")
		}
		version, err := ctrl.Update(ctx, connID, req)
		respondWithAck(ack, err, map[string]any{"status": "ok", "version": version})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("leave_room", func(datas ...any) {
		ack, args := extractAck(datas)
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()

		var req struct {
			RoomID string `json:"roomId"`
		}
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				req.RoomID = s
			} else if err := decodeArg(args[0], &req); err != nil {
				log.WithError(err).Debug("Malformed leave_room payload")
			}
		}
		err := ctrl.Leave(ctx, connID, req.RoomID)
		respondWithAck(ack, err, map[string]any{"status": "ok", "roomId": req.RoomID})
	})

	socket.On("disconnect", func(datas ...any) {
		ctrl.Disconnect(context.Background(), connID)
		socket.RemoveAllListeners("")
		log.WithField("reason", datas).Debug("Socket disconnected")
	})
}

// handshakeUser reads the optional {token} a client passes as handshake auth.
// No token leaves the connection unpinned.
func handshakeUser(data any) (*core.User, error) {
	fields, ok := data.(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, ok := fields["token"]
	if !ok || raw == nil {
		return nil, nil
	}
	token, ok := raw.(string)
	if !ok || token == "" {
		return nil, fmt.Errorf("handshake token is not a string: %w", core.ErrUnauthorized)
	}

	claims, err := auth.ParseJWT(token)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrUnauthorized)
	}
	return claims.User(), nil
}

// parseUpdate accepts the bare content string older clients send as well as
// {roomId, content, version}.
func parseUpdate(args []any) (collab.UpdateRequest, error) {
	var req collab.UpdateRequest
	if len(args) == 0 {
		return req, fmt.Errorf("update without payload: %w", core.ErrValidation)
	}
	if s, ok := args[0].(string); ok {
		req.Content = &s
		return req, nil
	}
	if err := decodeArg(args[0], &req); err != nil {
		return collab.UpdateRequest{}, err
	}
	return req, nil
}

func decodeArg(arg any, v any) error {
	raw, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrValidation)
	}
	return nil
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// wrapAck adapts whatever callback shape the socket.io client sent.
// Parameters of type error receive the error; every other parameter
// receives the payload.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}
	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			var arg any = payload
			if typ.In(i) == errorType {
				arg = err
			}
			args[i] = coerceValue(arg, typ.In(i))
		}
		value.Call(args)
	}
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}
	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.Slice && targetType.Elem().Kind() == reflect.Interface:
		out := reflect.MakeSlice(targetType, 1, 1)
		out.Index(0).Set(rv)
		return out
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

// respondWithAck answers the client's callback, if any. The error event has
// already been emitted by the controller.
func respondWithAck(ack ackInvoker, err error, payload map[string]any) {
	if ack == nil {
		return
	}
	if err != nil {
		resp := map[string]any{"status": "error", "error": err.Error()}
		var ce *core.Error
		if errors.As(err, &ce) {
			resp["type"] = string(ce.Kind)
			resp["error"] = ce.Message
		}
		ack(err, resp)
		return
	}
	ack(nil, payload)
}
