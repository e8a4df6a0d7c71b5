// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package pubsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
)

// LocalFanout is the slice of the socket router the bridge needs: re-emitting
// broker traffic to locally connected clients. All three methods must stay
// instance-local; a replay that re-published would loop between instances.
type LocalFanout interface {
	Broadcast(chatID string, env chat.Envelope)
	BroadcastToOthers(chatID, userID string, env chat.Envelope)
	Unicast(userID string, env chat.Envelope)
}

// Bridge subscribes to the room and personal-channel subjects and replays
// each envelope into the local router, so clients socket-connected to this
// instance receive events published by sibling instances. Frames stamped with
// this instance's own origin id are dropped: local clients already got them
// through the direct fan-out.
//
// Designed for suture supervision: Serve blocks until context cancellation.
type Bridge struct {
	url        string
	fanout     LocalFanout
	instanceID string
}

// NewBridge creates a bridge that feeds the given local fan-out. instanceID
// must match the publishing gateway's id on this instance; empty disables the
// own-frame filter.
func NewBridge(url string, fanout LocalFanout, instanceID string) *Bridge {
	return &Bridge{url: url, fanout: fanout, instanceID: instanceID}
}

// Serve implements suture.Service. Connection failures return an error so the
// supervisor restarts the bridge with backoff.
func (b *Bridge) Serve(ctx context.Context) error {
	conn, err := nats.Connect(b.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("bridge connect to NATS: %w", err)
	}
	defer conn.Close()

	roomSub, err := conn.Subscribe(roomSubjectPrefix+">", b.onRoomMessage)
	if err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	defer unsubscribe(roomSub)

	userSub, err := conn.Subscribe(userSubjectPrefix+">", b.onUserMessage)
	if err != nil {
		return fmt.Errorf("subscribe users: %w", err)
	}
	defer unsubscribe(userSub)

	logging.Info().Str("url", b.url).Msg("pub/sub bridge subscribed")

	<-ctx.Done()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (b *Bridge) String() string {
	return "pubsub-bridge"
}

func (b *Bridge) onRoomMessage(m *nats.Msg) {
	if b.isOwnFrame(m) {
		return
	}
	chatID := strings.TrimPrefix(m.Subject, roomSubjectPrefix)
	env, ok := decodeEnvelope(m.Data, m.Subject)
	if !ok {
		return
	}

	// Typing indicators exclude the typist by user id, and a user's tabs may
	// sit on different instances; replay them with the same exclusion.
	switch env.Type {
	case chat.EventUserTyping, chat.EventUserStoppedTyping:
		if userID, ok := typistID(env); ok {
			b.fanout.BroadcastToOthers(chatID, userID, env)
			return
		}
	}
	b.fanout.Broadcast(chatID, env)
}

func (b *Bridge) onUserMessage(m *nats.Msg) {
	if b.isOwnFrame(m) {
		return
	}
	userID := strings.TrimPrefix(m.Subject, userSubjectPrefix)
	env, ok := decodeEnvelope(m.Data, m.Subject)
	if !ok {
		return
	}
	b.fanout.Unicast(userID, env)
}

func (b *Bridge) isOwnFrame(m *nats.Msg) bool {
	return b.instanceID != "" && m.Header.Get(originHeader) == b.instanceID
}

// typistID extracts the typing user's id from a replayed typing envelope.
func typistID(env chat.Envelope) (string, bool) {
	raw, ok := env.Data.(json.RawMessage)
	if !ok {
		return "", false
	}
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.UserID == "" {
		return "", false
	}
	return payload.UserID, true
}

// decodeEnvelope parses a broker frame. Envelopes cross the broker in their
// client wire form, so Data stays as raw JSON for transparent re-delivery.
func decodeEnvelope(data []byte, subject string) (chat.Envelope, bool) {
	var env chat.InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("undecodable broker frame")
		return chat.Envelope{}, false
	}
	return chat.Envelope{Type: env.Type, Data: env.Data}, true
}

func unsubscribe(sub *nats.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		logging.Warn().Err(err).Msg("unsubscribe failed")
	}
}
