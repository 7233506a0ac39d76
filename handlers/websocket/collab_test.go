package websocket

import (
	"errors"
	"testing"

	"coderoom-server/core"
	"coderoom-server/handlers/auth"
)

func TestParseUpdate(t *testing.T) {
	req, err := parseUpdate([]any{"print(1)"})
	if err != nil || req.Content == nil || *req.Content != "print(1)" {
		t.Errorf("Expected bare string content, got %+v %v", req, err)
	}

	req, err = parseUpdate([]any{map[string]any{"roomId": "R", "content": "x", "version": float64(3)}})
	if err != nil {
		t.Fatalf("Expected object payload to parse, got %v", err)
	}
	if req.RoomID != "R" || *req.Content != "x" || req.Version == nil || *req.Version != 3 {
		t.Errorf("Unexpected update request %+v", req)
	}

	req, err = parseUpdate([]any{map[string]any{"roomId": "R"}})
	if err != nil || req.Content != nil {
		t.Errorf("Expected missing content to stay nil, got %+v %v", req, err)
	}

	if _, err := parseUpdate(nil); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty payload, got %v", err)
	}
	if _, err := parseUpdate([]any{map[string]any{"version": "three"}}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Expected ErrValidation for bad version, got %v", err)
	}
}

func TestExtractAck(t *testing.T) {
	var gotArgs []any
	var gotErr error
	callback := func(args []any, err error) {
		gotArgs = args
		gotErr = err
	}

	ack, args := extractAck([]any{"payload", callback})
	if ack == nil || len(args) != 1 || args[0] != "payload" {
		t.Fatalf("Expected ack to be split off, got %v %v", ack, args)
	}

	respondWithAck(ack, nil, map[string]any{"status": "ok"})
	if gotErr != nil || len(gotArgs) != 1 {
		t.Fatalf("Unexpected ack call: %v %v", gotArgs, gotErr)
	}
	if payload, ok := gotArgs[0].(map[string]any); !ok || payload["status"] != "ok" {
		t.Errorf("Expected ok payload, got %v", gotArgs[0])
	}

	respondWithAck(ack, core.NewError(core.KindAccess, "No permission to edit", nil), nil)
	if gotErr == nil {
		t.Fatalf("Expected the error to reach the callback")
	}
	payload := gotArgs[0].(map[string]any)
	if payload["type"] != "ACCESS_ERROR" || payload["error"] != "No permission to edit" {
		t.Errorf("Unexpected error payload %v", payload)
	}

	if ack, args := extractAck([]any{"a", "b"}); ack != nil || len(args) != 2 {
		t.Errorf("Expected no ack for plain arguments")
	}
}

func TestSingleArgumentAck(t *testing.T) {
	var got any
	ack, _ := extractAck([]any{func(v any) { got = v }})
	respondWithAck(ack, nil, map[string]any{"status": "ok"})
	if payload, ok := got.(map[string]any); !ok || payload["status"] != "ok" {
		t.Errorf("Expected payload in single-argument ack, got %v", got)
	}
}

func TestCorsOrigins(t *testing.T) {
	if origins := corsOrigins(nil).([]any); len(origins) != 1 {
		t.Errorf("Expected the localhost pattern by default, got %v", origins)
	}
	origins := corsOrigins([]string{"https://a.example", "https://b.example"}).([]any)
	if len(origins) != 2 || origins[0] != "https://a.example" {
		t.Errorf("Unexpected origins %v", origins)
	}
}

func TestHandshakeUser(t *testing.T) {
	auth.SetSecret([]byte("socket-test-secret"))
	t.Cleanup(func() { auth.SetSecret(nil) })

	token, err := auth.IssueJWT(&core.User{ID: "bob", Name: "Bob"})
	if err != nil {
		t.Fatalf("IssueJWT failed: %v", err)
	}
	user, err := handshakeUser(map[string]any{"token": token})
	if err != nil || user == nil || user.ID != "bob" {
		t.Fatalf("Expected bob to be pinned, got %+v %v", user, err)
	}

	for _, data := range []any{nil, map[string]any{}, "token", map[string]any{"token": nil}} {
		if user, err := handshakeUser(data); user != nil || err != nil {
			t.Errorf("Expected no pin for %v, got %+v %v", data, user, err)
		}
	}

	for _, data := range []any{map[string]any{"token": "garbage"}, map[string]any{"token": 42}, map[string]any{"token": ""}} {
		if _, err := handshakeUser(data); !errors.Is(err, core.ErrUnauthorized) {
			t.Errorf("Expected ErrUnauthorized for %v, got %v", data, err)
		}
	}
}
