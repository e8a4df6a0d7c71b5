// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package pubsub

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/registry"
	"github.com/tomtom215/chatrelay/internal/router"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func TestSubjectMapping(t *testing.T) {
	if got := RoomSubject("room-1"); got != "chatrelay.room.room-1" {
		t.Errorf("RoomSubject = %q", got)
	}
	if got := UserSubject("alice"); got != "chatrelay.user.alice" {
		t.Errorf("UserSubject = %q", got)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, ok := decodeEnvelope([]byte(`{"type":"new-message","data":{"chatId":"room-1"}}`), "chatrelay.room.room-1")
	if !ok {
		t.Fatal("valid frame rejected")
	}
	if env.Type != chat.EventNewMessage {
		t.Errorf("type = %q", env.Type)
	}
	// Data must survive as raw JSON for transparent re-delivery.
	raw, ok := env.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("data type = %T, want raw JSON", env.Data)
	}
	if string(raw) != `{"chatId":"room-1"}` {
		t.Errorf("data = %s", raw)
	}

	if _, ok := decodeEnvelope([]byte(`{"type":`), "chatrelay.room.x"); ok {
		t.Error("truncated frame accepted")
	}
}

type recordingFanout struct {
	mu         sync.Mutex
	broadcasts map[string][]chat.Envelope
	toOthers   map[string][]chat.Envelope // key chatID|excludedUserID
	unicasts   map[string][]chat.Envelope
}

func newRecordingFanout() *recordingFanout {
	return &recordingFanout{
		broadcasts: make(map[string][]chat.Envelope),
		toOthers:   make(map[string][]chat.Envelope),
		unicasts:   make(map[string][]chat.Envelope),
	}
}

func (f *recordingFanout) Broadcast(chatID string, env chat.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[chatID] = append(f.broadcasts[chatID], env)
}

func (f *recordingFanout) BroadcastToOthers(chatID, userID string, env chat.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toOthers[chatID+"|"+userID] = append(f.toOthers[chatID+"|"+userID], env)
}

func (f *recordingFanout) Unicast(userID string, env chat.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts[userID] = append(f.unicasts[userID], env)
}

func (f *recordingFanout) counts(chatID, userID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts[chatID]), len(f.unicasts[userID])
}

func (f *recordingFanout) othersCount(chatID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toOthers[chatID+"|"+userID])
}

func roomFrame(origin, chatID string, payload string) *nats.Msg {
	m := &nats.Msg{
		Subject: RoomSubject(chatID),
		Data:    []byte(payload),
	}
	if origin != "" {
		m.Header = nats.Header{originHeader: []string{origin}}
	}
	return m
}

func TestBridgeSkipsOwnFrames(t *testing.T) {
	fanout := newRecordingFanout()
	bridge := NewBridge("", fanout, "edge-1")

	payload := `{"type":"new-message","data":{"chatId":"room-1"}}`

	// A frame this instance published itself already reached local clients
	// through the direct fan-out.
	bridge.onRoomMessage(roomFrame("edge-1", "room-1", payload))
	if b, _ := fanout.counts("room-1", ""); b != 0 {
		t.Errorf("own frame replayed %d times, want 0", b)
	}

	// Sibling frames and unstamped frames are replayed.
	bridge.onRoomMessage(roomFrame("edge-2", "room-1", payload))
	bridge.onRoomMessage(roomFrame("", "room-1", payload))
	if b, _ := fanout.counts("room-1", ""); b != 2 {
		t.Errorf("sibling frames replayed %d times, want 2", b)
	}

	// Personal-channel frames get the same filter.
	userFrame := &nats.Msg{
		Subject: UserSubject("alice"),
		Header:  nats.Header{originHeader: []string{"edge-1"}},
		Data:    []byte(`{"type":"new-message-notification","data":{}}`),
	}
	bridge.onUserMessage(userFrame)
	if _, u := fanout.counts("", "alice"); u != 0 {
		t.Errorf("own user frame replayed %d times, want 0", u)
	}
}

func TestBridgeReplaysTypingWithTypistExcluded(t *testing.T) {
	fanout := newRecordingFanout()
	bridge := NewBridge("", fanout, "edge-1")

	bridge.onRoomMessage(roomFrame("edge-2", "room-1",
		`{"type":"user-typing","data":{"userId":"alice","userName":"Alice"}}`))

	if got := fanout.othersCount("room-1", "alice"); got != 1 {
		t.Errorf("typing replays excluding alice = %d, want 1", got)
	}
	if b, _ := fanout.counts("room-1", ""); b != 0 {
		t.Error("typing replay must not use the plain broadcast path")
	}

	// A typing frame with no decodable typist falls back to plain broadcast.
	bridge.onRoomMessage(roomFrame("edge-2", "room-1", `{"type":"user-typing","data":{}}`))
	if b, _ := fanout.counts("room-1", ""); b != 1 {
		t.Errorf("undecodable typist broadcast count = %d, want 1", b)
	}
}

// TestGatewayBridgeRoundTrip publishes through the gateway and waits for the
// bridge to replay both envelopes into the local fan-out.
func TestGatewayBridgeRoundTrip(t *testing.T) {
	srv, err := NewEmbeddedServer(ServerConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if !srv.IsRunning() {
		t.Fatal("embedded server not running")
	}

	fanout := newRecordingFanout()
	bridge := NewBridge(srv.ClientURL(), fanout, "edge-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- bridge.Serve(ctx) }()

	gw, err := NewGateway(DefaultConfig(srv.ClientURL()))
	if err != nil {
		t.Fatalf("connect gateway: %v", err)
	}
	defer gw.Close()

	// The bridge subscribes asynchronously; publish until traffic lands or
	// the deadline passes.
	env := chat.Envelope{Type: chat.EventNewMessage, Data: map[string]string{"chatId": "room-1"}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := gw.Broadcast(ctx, "room-1", env); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if err := gw.Unicast(ctx, "alice", env); err != nil {
			t.Fatalf("unicast: %v", err)
		}
		b, u := fanout.counts("room-1", "alice")
		if b > 0 && u > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no round trip: broadcasts=%d unicasts=%d", b, u)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := gw.BreakerState(); got != "closed" {
		t.Errorf("breaker state = %q after successful publishes", got)
	}

	cancel()
	select {
	case <-bridgeDone:
	case <-time.After(5 * time.Second):
		t.Error("bridge did not stop on context cancellation")
	}
}

// memberSender is a thread-safe router.Sender for cross-instance tests.
type memberSender struct {
	connID string
	userID string

	mu        sync.Mutex
	delivered []chat.Envelope
}

func (s *memberSender) ConnectionID() string { return s.connID }
func (s *memberSender) UserID() string       { return s.userID }

func (s *memberSender) Deliver(env chat.Envelope) bool {
	s.mu.Lock()
	s.delivered = append(s.delivered, env)
	s.mu.Unlock()
	return true
}

func (s *memberSender) countOfType(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.delivered {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

// TestMessageCrossesInstances wires two routers to one broker the way main
// does: instance A publishes through its gateway, each instance's bridge
// replays sibling traffic, and origin stamping keeps A's own frames out of
// A's replay path. A message sent on A must reach a room member connected to
// B, and A's sender must see exactly one copy per send.
func TestMessageCrossesInstances(t *testing.T) {
	srv, err := NewEmbeddedServer(ServerConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	cfg := DefaultConfig(srv.ClientURL())
	cfg.InstanceID = "instance-a"
	gatewayA, err := NewGateway(cfg)
	if err != nil {
		t.Fatalf("connect gateway: %v", err)
	}
	defer gatewayA.Close()

	routerA := router.New(registry.New())
	routerA.SetRemote(gatewayA)
	routerB := router.New(registry.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewBridge(srv.ClientURL(), routerA, gatewayA.InstanceID()).Serve(ctx) }()
	go func() { _ = NewBridge(srv.ClientURL(), routerB, "instance-b").Serve(ctx) }()

	alice := &memberSender{connID: "conn-a", userID: "alice"}
	routerA.Connect(alice)
	routerA.Join("conn-a", chat.JoinChatPayload{
		ChatID: "room-1", UserID: "alice", UserName: "Alice", UserRole: chat.SenderTypeClient,
	})

	bob := &memberSender{connID: "conn-b", userID: "bob"}
	routerB.Connect(bob)
	routerB.Join("conn-b", chat.JoinChatPayload{
		ChatID: "room-1", UserID: "bob", UserName: "Bob", UserRole: chat.SenderTypeFreelancer,
	})

	// The bridges subscribe asynchronously; send until one copy lands on B.
	sends := 0
	deadline := time.Now().Add(5 * time.Second)
	for bob.countOfType(chat.EventNewMessage) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no message crossed instances after %d sends", sends)
		}
		routerA.OnMessage("room-1", chat.ChatMessage{
			SenderID:   "alice",
			SenderType: chat.SenderTypeClient,
			SenderName: "Alice",
			Message:    "hello from instance a",
		})
		sends++
		time.Sleep(20 * time.Millisecond)
	}

	// Let any in-flight replays land before counting duplicates.
	time.Sleep(250 * time.Millisecond)

	if got := bob.countOfType(chat.EventNewMessage); got > sends {
		t.Errorf("bob received %d messages from %d sends", got, sends)
	}
	// Alice's copies all come from the local fan-out: her own instance's
	// bridge drops instance-a frames, so there is no duplicate per send.
	if got := alice.countOfType(chat.EventNewMessage); got != sends {
		t.Errorf("alice received %d messages from %d sends, want exactly one echo each", got, sends)
	}
}
