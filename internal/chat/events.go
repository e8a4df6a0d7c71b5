// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package chat

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Client-to-gateway event names.
const (
	EventJoinChat    = "join-chat"
	EventLeaveChat   = "leave-chat"
	EventSendMessage = "send-message"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
)

// Gateway-to-client event names.
const (
	EventNewMessage             = "new-message"
	EventNewMessageNotification = "new-message-notification"
	EventUserJoined             = "user-joined"
	EventUserLeft               = "user-left"
	EventOnlineUsers            = "online-users"
	EventUserTyping             = "user-typing"
	EventUserStoppedTyping      = "user-stopped-typing"
)

// ErrMalformedEvent indicates an inbound envelope that fails shape validation.
// Gateways drop such events and log; they never crash the connection's room.
var ErrMalformedEvent = errors.New("malformed event")

// ErrUnknownEvent indicates an inbound envelope with an unrecognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the outbound wire frame: a named event with its payload.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// InboundEnvelope defers payload decoding until the event type is known.
type InboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// JoinChatPayload accompanies the join-chat event.
type JoinChatPayload struct {
	ChatID     string  `json:"chatId" validate:"required"`
	UserID     string  `json:"userId" validate:"required"`
	UserName   string  `json:"userName" validate:"required"`
	UserAvatar *string `json:"userAvatar,omitempty"`
	UserRole   string  `json:"userRole" validate:"required,oneof=client freelancer admin"`
}

// LeaveChatPayload accompanies the leave-chat event.
type LeaveChatPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

// SendMessagePayload accompanies the send-message event. RecipientIDs names
// out-of-room users who should receive a personal-channel notification.
type SendMessagePayload struct {
	ChatMessage
	RecipientIDs []string `json:"recipientIds,omitempty"`
}

// TypingStartPayload accompanies the typing-start event.
type TypingStartPayload struct {
	ChatID   string `json:"chatId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	UserName string `json:"userName" validate:"required"`
}

// TypingStopPayload accompanies the typing-stop event.
type TypingStopPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

// UserJoinedPayload is broadcast to existing members when someone joins.
type UserJoinedPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

// UserLeftPayload is broadcast to remaining members when someone leaves.
type UserLeftPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UserTypingPayload is broadcast to everyone except the typist.
type UserTypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UserStoppedTypingPayload clears a typing indicator.
type UserStoppedTypingPayload struct {
	UserID string `json:"userId"`
}

// NotificationPayload is the reduced personal-channel event for users not
// subscribed to the room: the message plus its chat id.
type NotificationPayload struct {
	ChatMessage
}

// validate checks inbound payload shape. A single instance is safe for
// concurrent use per go-playground/validator documentation.
var validate = validator.New()

// DecodePayload unmarshals and validates an inbound envelope's payload into
// the struct for its event type. Returns ErrMalformedEvent (wrapped) when the
// payload does not satisfy the event's shape, ErrUnknownEvent for types the
// gateway does not accept from clients.
func DecodePayload(env InboundEnvelope) (interface{}, error) {
	var payload interface{}

	switch env.Type {
	case EventJoinChat:
		payload = &JoinChatPayload{}
	case EventLeaveChat:
		payload = &LeaveChatPayload{}
	case EventSendMessage:
		payload = &SendMessagePayload{}
	case EventTypingStart:
		payload = &TypingStartPayload{}
	case EventTypingStop:
		payload = &TypingStopPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, env.Type, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: validate %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return payload, nil
}

// ValidateMessage checks a ChatMessage against its shape contract. Used by
// the HTTP relay endpoints before fan-out.
func ValidateMessage(msg *ChatMessage) error {
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// MarshalEnvelope converts an envelope to its wire form.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
