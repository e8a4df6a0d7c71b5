// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package relay delivers reduced-payload notification events to users who are
// not actively subscribed to a room, so they get an unread signal elsewhere in
// the UI. Additive to the room broadcast, never a replacement for it: the
// caller passes the recipient list (typically all project members minus the
// sender minus anyone already room-subscribed).
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/metrics"
)

// Unicaster delivers an envelope to one user's personal channel. Satisfied by
// the socket router (via RouterUnicaster) and by the pub/sub gateway.
type Unicaster interface {
	Unicast(ctx context.Context, userID string, env chat.Envelope) error
}

// Notifier fans new-message-notification events out to personal channels.
type Notifier struct {
	gateway Unicaster
}

// NewNotifier creates a notifier over the given gateway.
func NewNotifier(gateway Unicaster) *Notifier {
	return &Notifier{gateway: gateway}
}

// Notify delivers new-message-notification (the message plus its chatId) to
// each recipient's personal channel, independently and in parallel. One
// recipient's failure never prevents delivery to the others: failures are
// aggregated and logged, and the call still succeeds for the recipients that
// were reachable.
func (n *Notifier) Notify(ctx context.Context, msg chat.ChatMessage, recipientIDs []string) {
	if len(recipientIDs) == 0 {
		return
	}

	env := chat.Envelope{
		Type: chat.EventNewMessageNotification,
		Data: chat.NotificationPayload{ChatMessage: msg},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)

	for _, recipientID := range recipientIDs {
		wg.Add(1)
		go func(recipientID string) {
			defer wg.Done()
			if err := n.gateway.Unicast(ctx, recipientID, env); err != nil {
				metrics.NotificationsFailed.Inc()
				mu.Lock()
				failures = append(failures, fmt.Errorf("recipient %s: %w", recipientID, err))
				mu.Unlock()
				return
			}
			metrics.NotificationsDelivered.Inc()
		}(recipientID)
	}
	wg.Wait()

	if len(failures) > 0 {
		logging.Warn().
			Err(errors.Join(failures...)).
			Str("chat_id", msg.ChatID).
			Int("failed", len(failures)).
			Int("recipients", len(recipientIDs)).
			Msg("partial notification fan-out failure")
	}
}

// RouterUnicaster adapts a local fan-out router to the Unicaster interface.
// Local delivery to personal channels is best-effort and cannot fail in a way
// the caller can observe, matching the at-most-once contract.
type RouterUnicaster struct {
	Router interface {
		Unicast(userID string, env chat.Envelope)
	}
}

// Unicast implements Unicaster.
func (u RouterUnicaster) Unicast(_ context.Context, userID string, env chat.Envelope) error {
	u.Router.Unicast(userID, env)
	return nil
}

// MultiUnicaster fans one personal-channel delivery out through several
// gateways, typically the local router plus the pub/sub gateway so sibling
// instances see the notification too. Every gateway is attempted; failures
// are aggregated.
type MultiUnicaster []Unicaster

// Unicast implements Unicaster.
func (m MultiUnicaster) Unicast(ctx context.Context, userID string, env chat.Envelope) error {
	var errs []error
	for _, u := range m {
		if err := u.Unicast(ctx, userID, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
