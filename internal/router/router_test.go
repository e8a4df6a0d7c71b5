// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package router

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/registry"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeSender records delivered envelopes in order.
type fakeSender struct {
	connID string
	userID string
	full   bool

	mu        sync.Mutex
	delivered []chat.Envelope
}

func (f *fakeSender) ConnectionID() string { return f.connID }
func (f *fakeSender) UserID() string       { return f.userID }

func (f *fakeSender) Deliver(env chat.Envelope) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, env)
	f.mu.Unlock()
	return true
}

func (f *fakeSender) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	for i, env := range f.delivered {
		out[i] = env.Type
	}
	return out
}

func (f *fakeSender) lastOfType(eventType string) (chat.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.delivered) - 1; i >= 0; i-- {
		if f.delivered[i].Type == eventType {
			return f.delivered[i], true
		}
	}
	return chat.Envelope{}, false
}

func (f *fakeSender) countOfType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.delivered {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

func setupRouter(t *testing.T) *Router {
	t.Helper()
	return New(registry.New())
}

func connect(t *testing.T, r *Router, connID, userID string) *fakeSender {
	t.Helper()
	s := &fakeSender{connID: connID, userID: userID}
	r.Connect(s)
	return s
}

func join(r *Router, connID, userID, chatID string) {
	r.Join(connID, chat.JoinChatPayload{
		ChatID:   chatID,
		UserID:   userID,
		UserName: "name-" + userID,
		UserRole: chat.SenderTypeClient,
	})
}

func TestJoinDeliversSnapshotToJoinerOnly(t *testing.T) {
	r := setupRouter(t)
	alice := connect(t, r, "conn-a", "alice")
	bob := connect(t, r, "conn-b", "bob")

	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-b", "bob", "room-1")

	// Alice: empty snapshot on join, then bob's user-joined.
	env, ok := alice.lastOfType(chat.EventOnlineUsers)
	if !ok {
		t.Fatal("alice should receive online-users")
	}
	if snapshot := env.Data.([]chat.ParticipantInfo); len(snapshot) != 0 {
		t.Errorf("first joiner snapshot should be empty, got %d", len(snapshot))
	}
	if alice.countOfType(chat.EventUserJoined) != 1 {
		t.Errorf("alice should see bob join once, got %d", alice.countOfType(chat.EventUserJoined))
	}

	// Bob: snapshot with alice, and no user-joined echo for his own join.
	env, ok = bob.lastOfType(chat.EventOnlineUsers)
	if !ok {
		t.Fatal("bob should receive online-users")
	}
	snapshot := env.Data.([]chat.ParticipantInfo)
	if len(snapshot) != 1 || snapshot[0].UserID != "alice" {
		t.Errorf("bob snapshot = %+v, want [alice]", snapshot)
	}
	if bob.countOfType(chat.EventUserJoined) != 0 {
		t.Error("joiner must not receive its own user-joined")
	}
}

func TestMessageEchoesToSender(t *testing.T) {
	r := setupRouter(t)
	alice := connect(t, r, "conn-a", "alice")
	bob := connect(t, r, "conn-b", "bob")
	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-b", "bob", "room-1")

	r.OnMessage("room-1", chat.ChatMessage{
		SenderID:   "alice",
		SenderType: chat.SenderTypeClient,
		SenderName: "Alice",
		Message:    "hello",
	})

	for _, s := range []*fakeSender{alice, bob} {
		if got := s.countOfType(chat.EventNewMessage); got != 1 {
			t.Errorf("%s: new-message count = %d, want 1", s.userID, got)
		}
	}

	env, _ := alice.lastOfType(chat.EventNewMessage)
	msg := env.Data.(chat.ChatMessage)
	if msg.ID == "" {
		t.Error("router must assign a message id")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("router must assign a timestamp")
	}
	if msg.ChatID != "room-1" {
		t.Errorf("ChatID = %s, want room-1", msg.ChatID)
	}
}

func TestMessagePreservesClientAssignedID(t *testing.T) {
	r := setupRouter(t)
	alice := connect(t, r, "conn-a", "alice")
	join(r, "conn-a", "alice", "room-1")

	r.OnMessage("room-1", chat.ChatMessage{
		ID:         "msg-42",
		SenderID:   "alice",
		SenderType: chat.SenderTypeClient,
		SenderName: "Alice",
		Message:    "hello",
	})

	env, _ := alice.lastOfType(chat.EventNewMessage)
	if msg := env.Data.(chat.ChatMessage); msg.ID != "msg-42" {
		t.Errorf("ID = %s, want msg-42", msg.ID)
	}
}

func TestTypingExcludesSenderAcrossTabs(t *testing.T) {
	r := setupRouter(t)
	aliceTab1 := connect(t, r, "conn-a1", "alice")
	aliceTab2 := connect(t, r, "conn-a2", "alice")
	bob := connect(t, r, "conn-b", "bob")
	join(r, "conn-a1", "alice", "room-1")
	join(r, "conn-a2", "alice", "room-1")
	join(r, "conn-b", "bob", "room-1")

	r.OnTypingStart("room-1", "alice", "Alice")

	// Exclusion is by user: neither of alice's tabs sees her indicator.
	if aliceTab1.countOfType(chat.EventUserTyping) != 0 {
		t.Error("typist tab 1 must not receive user-typing")
	}
	if aliceTab2.countOfType(chat.EventUserTyping) != 0 {
		t.Error("typist tab 2 must not receive user-typing")
	}
	if bob.countOfType(chat.EventUserTyping) != 1 {
		t.Errorf("bob user-typing count = %d, want 1", bob.countOfType(chat.EventUserTyping))
	}

	r.OnTypingStop("room-1", "alice")
	if bob.countOfType(chat.EventUserStoppedTyping) != 1 {
		t.Error("bob should receive user-stopped-typing")
	}
	if aliceTab1.countOfType(chat.EventUserStoppedTyping) != 0 {
		t.Error("typist must not receive user-stopped-typing")
	}
}

func TestDisconnectLeavesAllRoomsAndClearsTyping(t *testing.T) {
	r := setupRouter(t)
	connect(t, r, "conn-a", "alice")
	bob := connect(t, r, "conn-b", "bob")
	carol := connect(t, r, "conn-c", "carol")
	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-a", "alice", "room-2")
	join(r, "conn-b", "bob", "room-1")
	join(r, "conn-c", "carol", "room-2")

	r.OnTypingStart("room-1", "alice", "Alice")
	r.Disconnect("conn-a")

	if bob.countOfType(chat.EventUserStoppedTyping) != 1 {
		t.Error("disconnect must clear the typing indicator for remaining members")
	}
	if bob.countOfType(chat.EventUserLeft) != 1 {
		t.Errorf("bob user-left count = %d, want 1", bob.countOfType(chat.EventUserLeft))
	}
	if carol.countOfType(chat.EventUserLeft) != 1 {
		t.Errorf("carol user-left count = %d, want 1", carol.countOfType(chat.EventUserLeft))
	}
	if r.HasConnections("alice") {
		t.Error("alice should have no connections after disconnect")
	}

	// Second disconnect is a no-op.
	r.Disconnect("conn-a")
	if bob.countOfType(chat.EventUserLeft) != 1 {
		t.Error("duplicate disconnect must not re-broadcast user-left")
	}
}

func TestCrossRoomIsolation(t *testing.T) {
	r := setupRouter(t)
	alice := connect(t, r, "conn-a", "alice")
	bob := connect(t, r, "conn-b", "bob")
	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-b", "bob", "room-2")

	r.OnMessage("room-1", chat.ChatMessage{
		SenderID:   "alice",
		SenderType: chat.SenderTypeClient,
		SenderName: "Alice",
		Message:    "room-1 only",
	})

	if alice.countOfType(chat.EventNewMessage) != 1 {
		t.Error("room-1 member should receive the message")
	}
	if bob.countOfType(chat.EventNewMessage) != 0 {
		t.Error("room-2 member must not receive room-1 traffic")
	}
}

func TestUnicastReachesAllUserConnections(t *testing.T) {
	r := setupRouter(t)
	tab1 := connect(t, r, "conn-a1", "alice")
	tab2 := connect(t, r, "conn-a2", "alice")
	bob := connect(t, r, "conn-b", "bob")

	env := chat.Envelope{Type: chat.EventNewMessageNotification, Data: "payload"}
	r.Unicast("alice", env)

	if tab1.countOfType(chat.EventNewMessageNotification) != 1 {
		t.Error("tab 1 should receive the unicast")
	}
	if tab2.countOfType(chat.EventNewMessageNotification) != 1 {
		t.Error("tab 2 should receive the unicast")
	}
	if bob.countOfType(chat.EventNewMessageNotification) != 0 {
		t.Error("other users must not receive the unicast")
	}

	// Unknown user is a silent no-op.
	r.Unicast("nobody", env)
}

func TestBackpressureIsolatesRecipients(t *testing.T) {
	r := setupRouter(t)
	full := &fakeSender{connID: "conn-a", userID: "alice", full: true}
	r.Connect(full)
	bob := connect(t, r, "conn-b", "bob")
	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-b", "bob", "room-1")

	r.OnMessage("room-1", chat.ChatMessage{
		SenderID:   "bob",
		SenderType: chat.SenderTypeClient,
		SenderName: "Bob",
		Message:    "hello",
	})

	if bob.countOfType(chat.EventNewMessage) != 1 {
		t.Error("a full peer buffer must not block delivery to healthy peers")
	}
}

func TestSweepTypingExpiresStaleIndicators(t *testing.T) {
	r := setupRouter(t)
	now := time.Now()
	r.now = func() time.Time { return now }

	connect(t, r, "conn-a", "alice")
	bob := connect(t, r, "conn-b", "bob")
	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-b", "bob", "room-1")

	r.OnTypingStart("room-1", "alice", "Alice")

	// Within TTL: nothing expires.
	now = now.Add(DefaultTypingTTL - time.Second)
	if expired := r.SweepTyping(); expired != 0 {
		t.Errorf("expired %d indicators before TTL", expired)
	}

	// Past TTL: the indicator expires and the room is told.
	now = now.Add(2 * time.Second)
	if expired := r.SweepTyping(); expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}
	if bob.countOfType(chat.EventUserStoppedTyping) != 1 {
		t.Error("expiry must broadcast user-stopped-typing")
	}

	// Already expired: idempotent.
	if expired := r.SweepTyping(); expired != 0 {
		t.Errorf("second sweep expired %d, want 0", expired)
	}
}

func TestTypingTTLRoundTripsUnderLock(t *testing.T) {
	r := setupRouter(t)
	if got := r.TypingTTL(); got != DefaultTypingTTL {
		t.Errorf("default TypingTTL = %v, want %v", got, DefaultTypingTTL)
	}

	r.SetTypingTTL(4 * time.Second)
	if got := r.TypingTTL(); got != 4*time.Second {
		t.Errorf("TypingTTL = %v, want 4s", got)
	}

	// The sweeper derives its interval through the accessor.
	if s := NewTypingSweeper(r); s.interval != 2*time.Second {
		t.Errorf("sweeper interval = %v, want 2s", s.interval)
	}

	// Zero TTL disables sweeping; the sweeper falls back to the default.
	r.SetTypingTTL(0)
	if s := NewTypingSweeper(r); s.interval != DefaultTypingTTL/2 {
		t.Errorf("sweeper interval with zero TTL = %v, want %v", s.interval, DefaultTypingTTL/2)
	}
}

// fakeRemote records room envelopes handed to the remote publish queue.
type fakeRemote struct {
	mu     sync.Mutex
	events []remoteEvent
}

func (f *fakeRemote) Broadcast(_ context.Context, chatID string, env chat.Envelope) error {
	f.mu.Lock()
	f.events = append(f.events, remoteEvent{chatID: chatID, env: env})
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.env.Type
	}
	return out
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func waitForRemote(t *testing.T, remote *fakeRemote, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for remote.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("remote received %d events, want %d", remote.count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemotePublisherSeesLocallyOriginatedEvents(t *testing.T) {
	r := setupRouter(t)
	remote := &fakeRemote{}
	r.SetRemote(remote)

	connect(t, r, "conn-a", "alice")
	join(r, "conn-a", "alice", "room-1")
	r.OnMessage("room-1", chat.ChatMessage{
		SenderID:   "alice",
		SenderType: chat.SenderTypeClient,
		SenderName: "Alice",
		Message:    "hello",
	})
	r.OnTypingStart("room-1", "alice", "Alice")
	r.OnTypingStop("room-1", "alice")
	r.Leave("conn-a", "room-1")

	waitForRemote(t, remote, 5)

	// The single publish queue preserves origination order.
	want := []string{
		chat.EventUserJoined,
		chat.EventNewMessage,
		chat.EventUserTyping,
		chat.EventUserStoppedTyping,
		chat.EventUserLeft,
	}
	got := remote.types()
	for i, eventType := range want {
		if got[i] != eventType {
			t.Fatalf("remote events = %v, want %v", got, want)
		}
	}
}

func TestBridgeReplayPathsStayInstanceLocal(t *testing.T) {
	r := setupRouter(t)
	remote := &fakeRemote{}
	r.SetRemote(remote)

	connect(t, r, "conn-a", "alice")
	join(r, "conn-a", "alice", "room-1")
	waitForRemote(t, remote, 1) // user-joined

	// The bridge re-emits sibling traffic through these three entry points;
	// none of them may publish back out, or events would loop between
	// instances.
	env := chat.Envelope{Type: chat.EventNewMessage, Data: "replayed"}
	r.Broadcast("room-1", env)
	r.BroadcastToOthers("room-1", "bob", env)
	r.Unicast("alice", env)

	time.Sleep(50 * time.Millisecond)
	if got := remote.count(); got != 1 {
		t.Errorf("remote count = %d after replays, want 1", got)
	}
}

func TestDisconnectForwardsDeparturesRemotely(t *testing.T) {
	r := setupRouter(t)
	remote := &fakeRemote{}
	r.SetRemote(remote)

	connect(t, r, "conn-a", "alice")
	join(r, "conn-a", "alice", "room-1")
	r.OnTypingStart("room-1", "alice", "Alice")
	r.Disconnect("conn-a")

	// user-joined, user-typing, then the disconnect's stopped-typing and
	// user-left all cross the wire.
	waitForRemote(t, remote, 4)
	got := remote.types()
	if got[2] != chat.EventUserStoppedTyping || got[3] != chat.EventUserLeft {
		t.Errorf("remote events = %v, want stopped-typing then user-left last", got)
	}
}

func TestTypingRefreshResetsExpiry(t *testing.T) {
	r := setupRouter(t)
	now := time.Now()
	r.now = func() time.Time { return now }

	connect(t, r, "conn-a", "alice")
	bob := connect(t, r, "conn-b", "bob")
	join(r, "conn-a", "alice", "room-1")
	join(r, "conn-b", "bob", "room-1")

	r.OnTypingStart("room-1", "alice", "Alice")
	now = now.Add(DefaultTypingTTL - time.Second)
	r.OnTypingStart("room-1", "alice", "Alice") // refresh

	now = now.Add(2 * time.Second)
	if expired := r.SweepTyping(); expired != 0 {
		t.Errorf("refreshed indicator expired early (%d)", expired)
	}
	if bob.countOfType(chat.EventUserTyping) != 2 {
		t.Errorf("bob user-typing count = %d, want 2", bob.countOfType(chat.EventUserTyping))
	}
}
