// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package chat defines the data model and wire contract for the delivery core.
//
// The types here are shared between the socket gateway, the pub/sub relay
// gateway, and the client SDK. Event names and channel names are part of the
// external contract and must not change without a client migration plan.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Sender roles form a closed set of participant kinds.
const (
	SenderTypeClient     = "client"
	SenderTypeFreelancer = "freelancer"
	SenderTypeAdmin      = "admin"
)

// ChatMessage is a single chat utterance.
//
// The delivery core fans it out verbatim; persistence is owned by the caller
// (see store.MessageStore). IsRead is mutated by a separate read-receipt RPC,
// never by the fan-out path.
type ChatMessage struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chatId" validate:"required"`
	ProjectID    string    `json:"projectId,omitempty"`
	SenderID     string    `json:"senderId" validate:"required"`
	SenderType   string    `json:"senderType" validate:"required,oneof=client freelancer admin"`
	SenderName   string    `json:"senderName" validate:"required"`
	SenderAvatar *string   `json:"senderAvatar,omitempty"`
	Message      string    `json:"message" validate:"required"`
	IsRead       bool      `json:"isRead"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ParticipantInfo is the transient presence record for one connection in one
// room. A user with multiple tabs holds one record per connection; removing
// one does not affect the others.
type ParticipantInfo struct {
	UserID       string  `json:"userId" validate:"required"`
	UserName     string  `json:"userName" validate:"required"`
	UserAvatar   *string `json:"userAvatar,omitempty"`
	UserRole     string  `json:"userRole" validate:"required,oneof=client freelancer admin"`
	ConnectionID string  `json:"connectionId,omitempty"`
}

// NewMessageID returns a fresh message identifier for messages that arrive
// without a client-generated one.
func NewMessageID() string {
	return uuid.New().String()
}

// RoomChannel derives the room channel name from a chat id.
// External contract: "chat-{chatId}".
func RoomChannel(chatID string) string {
	return "chat-" + chatID
}

// UserChannel derives the personal channel name from a user id.
// External contract: "user-{userId}".
func UserChannel(userID string) string {
	return "user-" + userID
}
