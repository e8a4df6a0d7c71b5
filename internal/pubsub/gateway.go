// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package pubsub is the alternate connection gateway: it publishes the same
// envelopes the socket gateway delivers, but onto NATS core subjects, for
// deployments where clients subscribe through a broker-backed edge instead of
// connecting to this process directly.
//
// Core NATS (fire-and-forget) is deliberate. Live delivery is at-most-once
// best-effort; a broker that redelivered would violate that contract.
//
// Client-facing channel names (chat-{chatId}, user-{userId}) contain no dots
// and cannot be NATS wildcard-subscribed, so subjects carry a token-based
// internal form and the bridge maps back to channel names at the edge.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/metrics"
)

// Subject tokens. chatrelay.room.{chatId} mirrors channel chat-{chatId};
// chatrelay.user.{userId} mirrors channel user-{userId}.
const (
	roomSubjectPrefix = "chatrelay.room."
	userSubjectPrefix = "chatrelay.user."
)

// originHeader names the publishing instance on every frame, so an instance's
// own bridge can drop frames it published itself instead of double-delivering
// them to local clients.
const originHeader = "Chatrelay-Origin"

// RoomSubject returns the NATS subject for a room channel.
func RoomSubject(chatID string) string {
	return roomSubjectPrefix + chatID
}

// UserSubject returns the NATS subject for a personal channel.
func UserSubject(userID string) string {
	return userSubjectPrefix + userID
}

// Config configures the publishing gateway.
type Config struct {
	URL              string
	InstanceID       string
	ReconnectWait    time.Duration
	BreakerInterval  time.Duration
	BreakerTimeout   time.Duration
	FailureThreshold uint32
}

// DefaultConfig returns sensible gateway defaults with a fresh instance id.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		InstanceID:       uuid.NewString(),
		ReconnectWait:    2 * time.Second,
		BreakerInterval:  60 * time.Second,
		BreakerTimeout:   10 * time.Second,
		FailureThreshold: 5,
	}
}

// Gateway publishes chat envelopes onto NATS subjects. Publishes are wrapped
// in a circuit breaker so a dead broker fails fast instead of stalling every
// room broadcast behind connection timeouts.
type Gateway struct {
	conn       *nats.Conn
	breaker    *gobreaker.CircuitBreaker[interface{}]
	instanceID string
}

// NewGateway connects to NATS and returns a publishing gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	settings := gobreaker.Settings{
		Name:     "pubsub-publish",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	return &Gateway{
		conn:       conn,
		breaker:    gobreaker.NewCircuitBreaker[interface{}](settings),
		instanceID: instanceID,
	}, nil
}

// InstanceID returns the origin id stamped on this gateway's frames. Hand the
// same id to the local Bridge so it skips them.
func (g *Gateway) InstanceID() string {
	return g.instanceID
}

// Broadcast publishes an envelope to a room subject.
func (g *Gateway) Broadcast(_ context.Context, chatID string, env chat.Envelope) error {
	return g.publish(RoomSubject(chatID), env)
}

// Unicast publishes an envelope to a personal-channel subject. Implements
// relay.Unicaster.
func (g *Gateway) Unicast(_ context.Context, userID string, env chat.Envelope) error {
	return g.publish(UserSubject(userID), env)
}

func (g *Gateway) publish(subject string, env chat.Envelope) error {
	data, err := chat.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Header:  nats.Header{originHeader: []string{g.instanceID}},
		Data:    data,
	}
	_, err = g.breaker.Execute(func() (interface{}, error) {
		return nil, g.conn.PublishMsg(msg)
	})
	if err != nil {
		metrics.RecordPublish("failure")
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	metrics.RecordPublish("success")
	return nil
}

// BreakerState reports the circuit breaker state for health checks.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}

// Close drains and closes the NATS connection.
func (g *Gateway) Close() {
	if err := g.conn.Drain(); err != nil {
		logging.Warn().Err(err).Msg("NATS drain failed")
		g.conn.Close()
	}
}
