// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package presence mirrors room membership into a shared read model. The
// registry remains the source of truth for routing decisions; the mirror
// exists so the presence API and sibling instances can answer "who is in this
// room" without holding the registry's lock, and (with Redis) across
// processes.
package presence

import "context"

// Store is the presence read-model contract. Add and Remove satisfy the
// registry's mirror hook.
type Store interface {
	// Add records a user as present in a room. Idempotent.
	Add(ctx context.Context, chatID, userID string) error

	// Remove clears a user's presence in a room. Idempotent.
	Remove(ctx context.Context, chatID, userID string) error

	// Members returns the user ids present in a room, sorted.
	Members(ctx context.Context, chatID string) ([]string, error)

	// Close releases the store's resources.
	Close() error
}
