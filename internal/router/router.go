// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package router decides fan-out scope for each inbound chat event.
//
// A single router instance serializes event handling under one mutex, so
// events within a room reach all currently-connected members in the order the
// router processed them. No ordering is guaranteed across rooms, and none
// relative to the external persisted-store write: live events and persisted
// history are eventually consistent, not linearizable.
//
// Delivery is at-most-once and best-effort. A recipient whose send buffer is
// full is dropped from that one delivery; nothing is retried or queued for
// anyone not currently connected. Persisted history is how offline recipients
// catch up.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/metrics"
	"github.com/tomtom215/chatrelay/internal/registry"
)

// DefaultTypingTTL is how long a typing indicator survives without a refresh
// before the sweeper clears it for the rest of the room. The source protocol
// only cleared typing on explicit client action, which leaked indicators on
// silent disconnect; the server-side TTL is a deliberate deviation.
const DefaultTypingTTL = 6 * time.Second

// Sender delivers envelopes to a single connection.
//
// Deliver must not block: implementations hand the envelope to a buffered
// send queue and report false when the queue is full or closed.
type Sender interface {
	ConnectionID() string
	UserID() string
	Deliver(env chat.Envelope) bool
}

// RemotePublisher carries room envelopes to sibling instances. Satisfied by
// the pub/sub gateway. Only events originating on this instance are forwarded;
// replays arriving through the bridge use Broadcast/BroadcastToOthers, which
// stay instance-local, so traffic never loops between instances.
type RemotePublisher interface {
	Broadcast(ctx context.Context, chatID string, env chat.Envelope) error
}

const (
	remotePublishBuffer  = 512
	remotePublishTimeout = 5 * time.Second
)

type remoteEvent struct {
	chatID string
	env    chat.Envelope
}

type typingKey struct {
	chatID string
	userID string
}

type typingState struct {
	userName string
	last     time.Time
}

// Router owns the connection table and the fan-out rules. All mutation of the
// registry flows through it.
type Router struct {
	mu       sync.Mutex
	registry *registry.Registry
	conns    map[string]Sender            // connectionID -> sender
	byUser   map[string]map[string]Sender // userID -> connectionID -> sender
	typing   map[typingKey]typingState
	ttl      time.Duration
	now      func() time.Time
	remoteCh chan remoteEvent // nil until SetRemote
}

// New creates a router over the given registry.
func New(reg *registry.Registry) *Router {
	return &Router{
		registry: reg,
		conns:    make(map[string]Sender),
		byUser:   make(map[string]map[string]Sender),
		typing:   make(map[typingKey]typingState),
		ttl:      DefaultTypingTTL,
		now:      time.Now,
	}
}

// SetTypingTTL overrides the typing indicator expiry. Zero disables sweeping.
func (r *Router) SetTypingTTL(ttl time.Duration) {
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
}

// TypingTTL returns the current typing indicator expiry.
func (r *Router) TypingTTL() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttl
}

// SetRemote attaches a remote publisher. Every room event originating on this
// instance is then forwarded to siblings through a single ordered publish
// queue. Call once at startup, before traffic.
func (r *Router) SetRemote(p RemotePublisher) {
	r.mu.Lock()
	if r.remoteCh == nil {
		r.remoteCh = make(chan remoteEvent, remotePublishBuffer)
		go remotePublishLoop(p, r.remoteCh)
	}
	r.mu.Unlock()
}

// queueRemoteLocked hands an envelope to the publish loop. Non-blocking: a
// backed-up broker drops the remote copy, never the local fan-out.
func (r *Router) queueRemoteLocked(chatID string, env chat.Envelope) {
	if r.remoteCh == nil {
		return
	}
	select {
	case r.remoteCh <- remoteEvent{chatID: chatID, env: env}:
	default:
		metrics.RecordDropped(env.Type)
		logging.Warn().
			Str("chat_id", chatID).
			Str("event", env.Type).
			Msg("remote publish queue full, dropping event")
	}
}

// remotePublishLoop drains the queue on one goroutine so remote subjects see
// this instance's events in the order the router processed them.
func remotePublishLoop(p RemotePublisher, ch <-chan remoteEvent) {
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), remotePublishTimeout)
		err := p.Broadcast(ctx, ev.chatID, ev.env)
		cancel()
		if err != nil {
			logging.Warn().
				Err(err).
				Str("chat_id", ev.chatID).
				Str("event", ev.env.Type).
				Msg("remote publish failed")
		}
	}
}

// Connect registers a connection with the router. Events for this connection
// are routable once Connect returns.
func (r *Router) Connect(s Sender) {
	r.mu.Lock()
	r.conns[s.ConnectionID()] = s
	userConns, ok := r.byUser[s.UserID()]
	if !ok {
		userConns = make(map[string]Sender)
		r.byUser[s.UserID()] = userConns
	}
	userConns[s.ConnectionID()] = s
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(total))
	logging.Info().
		Str("connection_id", s.ConnectionID()).
		Str("user_id", s.UserID()).
		Int("total_connections", total).
		Msg("connection registered")
}

// Disconnect removes a connection, leaves every room it had joined, and
// broadcasts user-left to each room's remaining members. Any typing indicator
// the departing user held in those rooms is cleared immediately rather than
// waiting for the TTL sweeper.
func (r *Router) Disconnect(connectionID string) {
	r.mu.Lock()
	s, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	if userConns, ok := r.byUser[s.UserID()]; ok {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, s.UserID())
		}
	}

	for _, dep := range r.registry.RemoveConnection(connectionID) {
		key := typingKey{chatID: dep.ChatID, userID: dep.Participant.UserID}
		if _, wasTyping := r.typing[key]; wasTyping {
			delete(r.typing, key)
			stopped := chat.Envelope{
				Type: chat.EventUserStoppedTyping,
				Data: chat.UserStoppedTypingPayload{UserID: dep.Participant.UserID},
			}
			r.broadcastLocked(dep.ChatID, stopped, "")
			r.queueRemoteLocked(dep.ChatID, stopped)
		}
		left := chat.Envelope{
			Type: chat.EventUserLeft,
			Data: chat.UserLeftPayload{
				UserID:   dep.Participant.UserID,
				UserName: dep.Participant.UserName,
			},
		}
		r.broadcastLocked(dep.ChatID, left, "")
		r.queueRemoteLocked(dep.ChatID, left)
	}
	total := len(r.conns)
	rooms := r.registry.RoomCount()
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(total))
	metrics.ActiveRooms.Set(float64(rooms))
	logging.Info().
		Str("connection_id", connectionID).
		Int("total_connections", total).
		Msg("connection removed")
}

// Join adds a connection to a room. The joiner receives the online-users
// snapshot of everyone already present (never including itself); the existing
// members receive user-joined. The join notification excludes self by
// construction.
func (r *Router) Join(connectionID string, p chat.JoinChatPayload) {
	r.mu.Lock()
	s, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		logging.Warn().Str("connection_id", connectionID).Msg("join from unknown connection")
		return
	}

	snapshot := r.registry.Join(p.ChatID, connectionID, chat.ParticipantInfo{
		UserID:     p.UserID,
		UserName:   p.UserName,
		UserAvatar: p.UserAvatar,
		UserRole:   p.UserRole,
	})

	r.deliverLocked(s, chat.Envelope{Type: chat.EventOnlineUsers, Data: snapshot})

	joined := chat.Envelope{
		Type: chat.EventUserJoined,
		Data: chat.UserJoinedPayload{
			UserID:   p.UserID,
			UserName: p.UserName,
			UserRole: p.UserRole,
		},
	}
	r.broadcastLocked(p.ChatID, joined, connectionID)
	r.queueRemoteLocked(p.ChatID, joined)
	rooms := r.registry.RoomCount()
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(rooms))
	logging.Debug().
		Str("chat_id", p.ChatID).
		Str("user_id", p.UserID).
		Int("already_present", len(snapshot)).
		Msg("joined room")
}

// Leave removes a connection from one room and notifies the remaining
// members. Leaving a room the connection never joined is a no-op.
func (r *Router) Leave(connectionID, chatID string) {
	r.mu.Lock()
	participant, ok := r.registry.Leave(chatID, connectionID)
	if ok {
		key := typingKey{chatID: chatID, userID: participant.UserID}
		if _, wasTyping := r.typing[key]; wasTyping {
			delete(r.typing, key)
			stopped := chat.Envelope{
				Type: chat.EventUserStoppedTyping,
				Data: chat.UserStoppedTypingPayload{UserID: participant.UserID},
			}
			r.broadcastLocked(chatID, stopped, "")
			r.queueRemoteLocked(chatID, stopped)
		}
		left := chat.Envelope{
			Type: chat.EventUserLeft,
			Data: chat.UserLeftPayload{
				UserID:   participant.UserID,
				UserName: participant.UserName,
			},
		}
		r.broadcastLocked(chatID, left, "")
		r.queueRemoteLocked(chatID, left)
	}
	rooms := r.registry.RoomCount()
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(rooms))
}

// OnMessage broadcasts a message verbatim to every connection joined to the
// room, including the sender's own connection. The echo is the delivery
// acknowledgment; receiving UIs must be idempotent on message id. The router
// never writes to the persisted store — persistence is the caller's
// responsibility around this call.
func (r *Router) OnMessage(chatID string, msg chat.ChatMessage) {
	if msg.ID == "" {
		msg.ID = chat.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.ChatID = chatID

	env := chat.Envelope{Type: chat.EventNewMessage, Data: msg}
	r.mu.Lock()
	r.broadcastLocked(chatID, env, "")
	r.queueRemoteLocked(chatID, env)
	r.mu.Unlock()
}

// OnTypingStart broadcasts user-typing to every room member except the typist
// (self-exclusion avoids echoing your own indicator back), and refreshes the
// sweeper deadline for the indicator.
func (r *Router) OnTypingStart(chatID, userID, userName string) {
	r.mu.Lock()
	r.typing[typingKey{chatID: chatID, userID: userID}] = typingState{
		userName: userName,
		last:     r.now(),
	}
	typing := chat.Envelope{
		Type: chat.EventUserTyping,
		Data: chat.UserTypingPayload{UserID: userID, UserName: userName},
	}
	r.broadcastToOthersLocked(chatID, userID, typing)
	r.queueRemoteLocked(chatID, typing)
	r.mu.Unlock()
}

// OnTypingStop broadcasts user-stopped-typing to every room member except the
// typist and forgets the indicator.
func (r *Router) OnTypingStop(chatID, userID string) {
	r.mu.Lock()
	delete(r.typing, typingKey{chatID: chatID, userID: userID})
	stopped := chat.Envelope{
		Type: chat.EventUserStoppedTyping,
		Data: chat.UserStoppedTypingPayload{UserID: userID},
	}
	r.broadcastToOthersLocked(chatID, userID, stopped)
	r.queueRemoteLocked(chatID, stopped)
	r.mu.Unlock()
}

// Broadcast fans an envelope out to every connection joined to the room.
// Used by the pub/sub bridge for replays; stays instance-local so replayed
// traffic is never re-published.
func (r *Router) Broadcast(chatID string, env chat.Envelope) {
	r.mu.Lock()
	r.broadcastLocked(chatID, env, "")
	r.mu.Unlock()
}

// BroadcastToOthers fans an envelope out to every room member except the
// named user's connections. Lets the bridge replay typing events without
// echoing a multi-instance user's own indicator back. Instance-local.
func (r *Router) BroadcastToOthers(chatID, userID string, env chat.Envelope) {
	r.mu.Lock()
	r.broadcastToOthersLocked(chatID, userID, env)
	r.mu.Unlock()
}

// Unicast delivers an envelope to every active connection of one user — the
// personal channel. Unknown users are a no-op: best-effort delivery succeeds
// only for live connections.
func (r *Router) Unicast(userID string, env chat.Envelope) {
	r.mu.Lock()
	delivered := 0
	for _, s := range r.sortedUserConnsLocked(userID) {
		if r.deliverLocked(s, env) {
			delivered++
		}
	}
	r.mu.Unlock()

	metrics.RecordFanout(env.Type, delivered)
}

// HasConnections reports whether the user has at least one live connection on
// this router instance.
func (r *Router) HasConnections(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// broadcastLocked fans an envelope out to a room, optionally excluding one
// connection. Failure to deliver to one connection never aborts delivery to
// siblings; per-recipient isolation is a hard requirement.
func (r *Router) broadcastLocked(chatID string, env chat.Envelope, excludeConnectionID string) {
	delivered := 0
	for _, connectionID := range r.registry.Members(chatID) {
		if connectionID == excludeConnectionID {
			continue
		}
		s, ok := r.conns[connectionID]
		if !ok {
			continue
		}
		if r.deliverLocked(s, env) {
			delivered++
		}
	}
	metrics.RecordFanout(env.Type, delivered)
}

// broadcastToOthersLocked fans out to every room member whose user id differs
// from the sender's. Exclusion is by user, not connection, so a multi-tab
// sender never sees its own typing indicator in another tab.
func (r *Router) broadcastToOthersLocked(chatID, senderUserID string, env chat.Envelope) {
	delivered := 0
	for _, connectionID := range r.registry.Members(chatID) {
		s, ok := r.conns[connectionID]
		if !ok || s.UserID() == senderUserID {
			continue
		}
		if r.deliverLocked(s, env) {
			delivered++
		}
	}
	metrics.RecordFanout(env.Type, delivered)
}

// deliverLocked hands an envelope to one sender, dropping it on backpressure.
func (r *Router) deliverLocked(s Sender, env chat.Envelope) bool {
	if s.Deliver(env) {
		return true
	}
	metrics.RecordDropped(env.Type)
	logging.Warn().
		Str("connection_id", s.ConnectionID()).
		Str("event", env.Type).
		Msg("send buffer full, dropping delivery")
	return false
}

// sortedUserConnsLocked returns a user's senders in connection-id order for
// deterministic delivery.
func (r *Router) sortedUserConnsLocked(userID string) []Sender {
	userConns := r.byUser[userID]
	ids := make([]string, 0, len(userConns))
	for id := range userConns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Sender, 0, len(ids))
	for _, id := range ids {
		out = append(out, userConns[id])
	}
	return out
}
