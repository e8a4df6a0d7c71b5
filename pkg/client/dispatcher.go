// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package client

import (
	"fmt"

	"github.com/goccy/go-json"
)

// dispatcher routes server events to registered callbacks. Events with no
// registered callback are silently ignored.
type dispatcher struct {
	onMessage          func(Message)
	onNotification     func(Message)
	onUserJoined       func(UserJoinedEvent)
	onUserLeft         func(UserLeftEvent)
	onOnlineUsers      func([]Participant)
	onTyping           func(TypingEvent)
	onTypingStopped    func(TypingStoppedEvent)
	onConnectionChange func(bool)
	onError            func(error)
}

func (d *dispatcher) dispatch(env inboundEnvelope) {
	switch env.Type {
	case eventNewMessage:
		decodeAndFire(d, env, d.onMessage)
	case eventNewMessageNotification:
		decodeAndFire(d, env, d.onNotification)
	case eventUserJoined:
		decodeAndFire(d, env, d.onUserJoined)
	case eventUserLeft:
		decodeAndFire(d, env, d.onUserLeft)
	case eventOnlineUsers:
		decodeAndFire(d, env, d.onOnlineUsers)
	case eventUserTyping:
		decodeAndFire(d, env, d.onTyping)
	case eventUserStoppedTyping:
		decodeAndFire(d, env, d.onTypingStopped)
	}
}

// decodeAndFire unmarshals the payload and invokes the callback when one is
// registered.
func decodeAndFire[T any](d *dispatcher, env inboundEnvelope, fn func(T)) {
	if fn == nil {
		return
	}
	var payload T
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		d.fireError(fmt.Errorf("decode %s event: %w", env.Type, err))
		return
	}
	fn(payload)
}

func (d *dispatcher) fireError(err error) {
	if d.onError != nil && err != nil {
		d.onError(err)
	}
}

func (d *dispatcher) fireConnectionChange(connected bool) {
	if d.onConnectionChange != nil {
		d.onConnectionChange(connected)
	}
}
