// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package store persists chat messages for history reads. Live delivery never
// waits on the store: fan-out and persistence are independent, and a store
// failure degrades history, not delivery.
package store

import (
	"context"
	"errors"

	"github.com/tomtom215/chatrelay/internal/chat"
)

// ErrNotFound indicates the requested message does not exist.
var ErrNotFound = errors.New("message not found")

// DefaultHistoryLimit caps a history read when the caller does not.
const DefaultHistoryLimit = 100

// MessageStore is the persistence contract for chat messages.
type MessageStore interface {
	// Append durably stores one message.
	Append(ctx context.Context, msg chat.ChatMessage) error

	// History returns up to limit messages for a room in ascending
	// created-at order. Unknown rooms return an empty slice.
	History(ctx context.Context, chatID string, limit int) ([]chat.ChatMessage, error)

	// MarkRead flips a message's read flag. Returns ErrNotFound for
	// unknown message ids.
	MarkRead(ctx context.Context, messageID string) error

	// Close releases the store's resources.
	Close() error
}
