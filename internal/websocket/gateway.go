// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package websocket is the canonical connection gateway: it upgrades HTTP
// requests, frames envelopes, and translates inbound client events into
// router operations. The gateway holds no room state of its own; the
// registry behind the router is the single source of truth.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/chatrelay/internal/auth"
	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/metrics"
	"github.com/tomtom215/chatrelay/internal/relay"
	"github.com/tomtom215/chatrelay/internal/router"
)

const persistTimeout = 5 * time.Second

// MessageStore persists messages before they are fanned out. The gateway only
// needs the append half of the store.
type MessageStore interface {
	Append(ctx context.Context, msg chat.ChatMessage) error
}

// Gateway accepts WebSocket connections and routes their events.
type Gateway struct {
	router   *router.Router
	notifier *relay.Notifier
	verifier *auth.Verifier
	store    MessageStore // may be nil when persistence is disabled
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway over the given router. store may be nil, in
// which case messages are fan-out only.
func NewGateway(r *router.Router, n *relay.Notifier, v *auth.Verifier, store MessageStore) *Gateway {
	return &Gateway{
		router:   r,
		notifier: n,
		verifier: v,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Room membership is enforced upstream; cross-origin browser
			// clients are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.FromRequest(r)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket auth rejected")
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrMissingToken) {
			status = http.StatusBadRequest
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(g, conn, identity)
	g.router.Connect(client)
	client.Start()

	logging.Info().
		Str("connection_id", client.connectionID).
		Str("user_id", identity.UserID).
		Msg("websocket connection established")
}

// dispatch decodes one inbound envelope and applies it to the router.
// Malformed and unknown events are dropped with a log line; one bad frame
// never terminates the connection.
func (g *Gateway) dispatch(c *Client, env chat.InboundEnvelope) {
	payload, err := chat.DecodePayload(env)
	if err != nil {
		metrics.MalformedEvents.Inc()
		logging.Warn().
			Err(err).
			Str("connection_id", c.connectionID).
			Str("event", env.Type).
			Msg("dropping inbound event")
		return
	}

	switch p := payload.(type) {
	case *chat.JoinChatPayload:
		g.router.Join(c.connectionID, *p)

	case *chat.LeaveChatPayload:
		g.router.Leave(c.connectionID, p.ChatID)

	case *chat.SendMessagePayload:
		g.handleSendMessage(c, p)

	case *chat.TypingStartPayload:
		g.router.OnTypingStart(p.ChatID, p.UserID, p.UserName)

	case *chat.TypingStopPayload:
		g.router.OnTypingStop(p.ChatID, p.UserID)
	}
}

// handleSendMessage persists the message, echoes it to the room (sender
// included), and relays personal-channel notifications to the out-of-room
// recipients named in the payload. A persistence failure does not block the
// live fan-out; history and live delivery are independently best-effort.
func (g *Gateway) handleSendMessage(c *Client, p *chat.SendMessagePayload) {
	msg := p.ChatMessage
	if msg.ID == "" {
		msg.ID = chat.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if g.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := g.store.Append(ctx, msg); err != nil {
			logging.Error().
				Err(err).
				Str("chat_id", msg.ChatID).
				Str("message_id", msg.ID).
				Msg("failed to persist message")
		}
		cancel()
	}

	g.router.OnMessage(msg.ChatID, msg)

	if g.notifier != nil && len(p.RecipientIDs) > 0 {
		g.notifier.Notify(context.Background(), msg, p.RecipientIDs)
	}
}

// newConnectionID builds a process-unique connection identifier.
func newConnectionID(n uint64) string {
	return fmt.Sprintf("conn-%d-%d", time.Now().UnixNano(), n)
}
