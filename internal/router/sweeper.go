// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package router

import (
	"context"
	"time"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/metrics"
)

// TypingSweeper clears stale typing indicators. A user who starts typing and
// silently disconnects, or simply stops without emitting typing-stop, would
// otherwise leave the indicator lit for the rest of the room forever.
//
// Designed for suture supervision: Serve blocks until the context is
// canceled and then returns ctx.Err().
type TypingSweeper struct {
	router   *Router
	interval time.Duration
}

// NewTypingSweeper creates a sweeper that scans at half the router's typing
// TTL, so an indicator expires at most 1.5×TTL after its last refresh.
func NewTypingSweeper(r *Router) *TypingSweeper {
	interval := r.TypingTTL() / 2
	if interval <= 0 {
		interval = DefaultTypingTTL / 2
	}
	return &TypingSweeper{router: r, interval: interval}
}

// Serve implements suture.Service.
func (s *TypingSweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().
				Str("component", "typing-sweeper").
				Msg("typing sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.router.SweepTyping()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *TypingSweeper) String() string {
	return "typing-sweeper"
}

// SweepTyping expires every typing indicator older than the TTL, broadcasting
// user-stopped-typing to the room on the expired user's behalf. Returns the
// number of indicators cleared.
func (r *Router) SweepTyping() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ttl <= 0 {
		return 0
	}

	cutoff := r.now().Add(-r.ttl)
	expired := 0
	for key, state := range r.typing {
		if state.last.After(cutoff) {
			continue
		}
		delete(r.typing, key)
		expired++
		r.broadcastToOthersLocked(key.chatID, key.userID, chat.Envelope{
			Type: chat.EventUserStoppedTyping,
			Data: chat.UserStoppedTypingPayload{UserID: key.userID},
		})
		logging.Debug().
			Str("chat_id", key.chatID).
			Str("user_id", key.userID).
			Msg("typing indicator expired")
	}
	if expired > 0 {
		metrics.TypingAutoExpired.Add(float64(expired))
	}
	return expired
}
