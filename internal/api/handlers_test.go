// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/presence"
	"github.com/tomtom215/chatrelay/internal/registry"
	"github.com/tomtom215/chatrelay/internal/relay"
	"github.com/tomtom215/chatrelay/internal/router"
	"github.com/tomtom215/chatrelay/internal/store"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type testEnv struct {
	router   *router.Router
	store    *store.MemoryStore
	presence *presence.MemoryStore
	http     http.Handler
}

func setupAPI(t *testing.T) *testEnv {
	t.Helper()

	rt := router.New(registry.New())
	messageStore := store.NewMemoryStore()
	presenceStore := presence.NewMemoryStore()
	notifier := relay.NewNotifier(relay.RouterUnicaster{Router: rt})
	handler := NewHandler(rt, notifier, messageStore, presenceStore, 50)

	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})

	return &testEnv{
		router:   rt,
		store:    messageStore,
		presence: presenceStore,
		http: NewRouter(handler, ws, RouterConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   0, // disabled in tests
			RateLimitWindow: time.Minute,
		}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.http.ServeHTTP(rec, req)

	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestSendMessagePersistsAndSucceeds(t *testing.T) {
	env := setupAPI(t)

	rec, resp := env.do(t, "POST", "/relay/send-message", map[string]interface{}{
		"chatId":     "room-1",
		"senderId":   "alice",
		"senderType": "client",
		"senderName": "Alice",
		"message":    "hello from the backend",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Fatalf("success = false: %+v", resp.Error)
	}

	history, err := env.store.History(context.Background(), "room-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
	if history[0].ID == "" || history[0].CreatedAt.IsZero() {
		t.Error("handler must assign id and timestamp")
	}
}

func TestSendMessageRejectsInvalidBody(t *testing.T) {
	env := setupAPI(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing message", map[string]interface{}{
			"chatId": "room-1", "senderId": "a", "senderType": "client", "senderName": "A",
		}},
		{"invalid senderType", map[string]interface{}{
			"chatId": "room-1", "senderId": "a", "senderType": "bot", "senderName": "A", "message": "x",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.do(t, "POST", "/relay/send-message", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if resp.Success {
				t.Error("success must be false")
			}
			if resp.Error == nil || resp.Error.Code != ErrCodeBadRequest {
				t.Errorf("error = %+v", resp.Error)
			}
		})
	}
}

func TestSendMessageMalformedJSON(t *testing.T) {
	env := setupAPI(t)

	req := httptest.NewRequest("POST", "/relay/send-message", bytes.NewReader([]byte(`{"chatId":`)))
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTypingEndpoint(t *testing.T) {
	env := setupAPI(t)

	rec, resp := env.do(t, "POST", "/relay/typing", map[string]interface{}{
		"chatId": "room-1", "userId": "alice", "userName": "Alice", "isTyping": true,
	})
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("typing start: status=%d success=%v", rec.Code, resp.Success)
	}

	rec, resp = env.do(t, "POST", "/relay/typing", map[string]interface{}{
		"chatId": "room-1", "userId": "alice", "isTyping": false,
	})
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("typing stop: status=%d success=%v", rec.Code, resp.Success)
	}

	rec, _ = env.do(t, "POST", "/relay/typing", map[string]interface{}{
		"userId": "alice", "isTyping": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing chatId: status = %d, want 400", rec.Code)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	env := setupAPI(t)

	msg := chat.ChatMessage{
		ID: "msg-1", ChatID: "room-1", SenderID: "alice",
		SenderType: chat.SenderTypeClient, SenderName: "Alice",
		Message: "hello", CreatedAt: time.Now().UTC(),
	}
	if err := env.store.Append(context.Background(), msg); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	rec, resp := env.do(t, "POST", "/relay/messages/msg-1/read", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("mark read: status=%d success=%v", rec.Code, resp.Success)
	}

	history, _ := env.store.History(context.Background(), "room-1", 0)
	if !history[0].IsRead {
		t.Error("message should be marked read")
	}

	rec, resp = env.do(t, "POST", "/relay/messages/no-such/read", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := setupAPI(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"m-1", "m-2"} {
		msg := chat.ChatMessage{
			ID: id, ChatID: "room-1", SenderID: "alice",
			SenderType: chat.SenderTypeClient, SenderName: "Alice",
			Message: "msg", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := env.store.Append(context.Background(), msg); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	rec, resp := env.do(t, "GET", "/relay/history/room-1", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("history: status=%d success=%v", rec.Code, resp.Success)
	}

	data := resp.Data.(map[string]interface{})
	if data["chatId"] != "room-1" {
		t.Errorf("chatId = %v", data["chatId"])
	}
	if messages := data["messages"].([]interface{}); len(messages) != 2 {
		t.Errorf("messages len = %d, want 2", len(messages))
	}
}

func TestPresenceEndpoint(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()
	env.presence.Add(ctx, "room-1", "alice")
	env.presence.Add(ctx, "room-1", "bob")

	rec, resp := env.do(t, "GET", "/api/v1/presence/room-1", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("presence: status=%d success=%v", rec.Code, resp.Success)
	}

	data := resp.Data.(map[string]interface{})
	userIDs := data["userIds"].([]interface{})
	if len(userIDs) != 2 || userIDs[0] != "alice" || userIDs[1] != "bob" {
		t.Errorf("userIds = %v", userIDs)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := setupAPI(t)

	for _, path := range []string{"/api/v1/health/live", "/api/v1/health/ready", "/api/v1/health/"} {
		rec, resp := env.do(t, "GET", path, nil)
		if rec.Code != http.StatusOK || !resp.Success {
			t.Errorf("%s: status=%d success=%v", path, rec.Code, resp.Success)
		}
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	env := setupAPI(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	rt := router.New(registry.New())
	handler := NewHandler(rt, nil, nil, presence.NewMemoryStore(), 0)
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := NewRouter(handler, ws, RouterConfig{CORSOrigins: []string{"*"}})

	req := httptest.NewRequest("GET", "/relay/history/room-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("history without store: status = %d, want 404", rec.Code)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	env := setupAPI(t)

	rec, _ := env.do(t, "GET", "/api/v1/health/live", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}
