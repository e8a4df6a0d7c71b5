// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package client

import (
	"time"

	"github.com/goccy/go-json"
)

// Event names accepted by the server.
const (
	eventJoinChat    = "join-chat"
	eventLeaveChat   = "leave-chat"
	eventSendMessage = "send-message"
	eventTypingStart = "typing-start"
	eventTypingStop  = "typing-stop"
)

// Event names emitted by the server.
const (
	eventNewMessage             = "new-message"
	eventNewMessageNotification = "new-message-notification"
	eventUserJoined             = "user-joined"
	eventUserLeft               = "user-left"
	eventOnlineUsers            = "online-users"
	eventUserTyping             = "user-typing"
	eventUserStoppedTyping      = "user-stopped-typing"
)

// envelope is the wire frame in both directions.
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// inboundEnvelope defers payload decoding until the event type is known.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is a chat message as it crosses the wire.
type Message struct {
	ID           string    `json:"id,omitempty"`
	ChatID       string    `json:"chatId"`
	ProjectID    string    `json:"projectId,omitempty"`
	SenderID     string    `json:"senderId"`
	SenderType   string    `json:"senderType"`
	SenderName   string    `json:"senderName"`
	SenderAvatar *string   `json:"senderAvatar,omitempty"`
	Message      string    `json:"message"`
	IsRead       bool      `json:"isRead"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// Participant describes a room member in the online-users snapshot.
type Participant struct {
	UserID       string  `json:"userId"`
	UserName     string  `json:"userName"`
	UserAvatar   *string `json:"userAvatar,omitempty"`
	UserRole     string  `json:"userRole"`
	ConnectionID string  `json:"connectionId,omitempty"`
}

// JoinRoomRequest identifies the user joining a room.
type JoinRoomRequest struct {
	ChatID     string  `json:"chatId"`
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	UserAvatar *string `json:"userAvatar,omitempty"`
	UserRole   string  `json:"userRole"`
}

// UserJoinedEvent is emitted to existing members when someone joins.
type UserJoinedEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

// UserLeftEvent is emitted to remaining members when someone leaves.
type UserLeftEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TypingEvent signals that a user is typing.
type TypingEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// TypingStoppedEvent clears a typing indicator.
type TypingStoppedEvent struct {
	UserID string `json:"userId"`
}

// sendMessageRequest is the send-message payload.
type sendMessageRequest struct {
	Message
	RecipientIDs []string `json:"recipientIds,omitempty"`
}

// leaveRoomRequest is the leave-chat payload.
type leaveRoomRequest struct {
	ChatID string `json:"chatId"`
}

// typingStartRequest is the typing-start payload.
type typingStartRequest struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// typingStopRequest is the typing-stop payload.
type typingStopRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}
