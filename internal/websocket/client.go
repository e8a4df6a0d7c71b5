// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomtom215/chatrelay/internal/auth"
	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB; chat payloads are small
	sendBufferSize = 256

	// Inbound event rate limit per connection. Bursty typing indicators fit
	// comfortably; a runaway client cannot monopolize the router.
	inboundEventsPerSecond = 20
	inboundBurst           = 40
)

// clientIDCounter generates unique, monotonically increasing ids for clients,
// giving broadcasts a stable iteration order within a process run.
var clientIDCounter atomic.Uint64

// Client bridges one WebSocket connection to the event router.
// It implements router.Sender.
type Client struct {
	id           uint64
	connectionID string
	identity     auth.Identity
	conn         *websocket.Conn
	gateway      *Gateway
	send         chan chat.Envelope
	limiter      *rate.Limiter
	closeOnce    sync.Once
}

// NewClient creates a client for an upgraded connection.
func NewClient(gateway *Gateway, conn *websocket.Conn, identity auth.Identity) *Client {
	n := clientIDCounter.Add(1)
	return &Client{
		id:           n,
		connectionID: newConnectionID(n),
		identity:     identity,
		conn:         conn,
		gateway:      gateway,
		send:         make(chan chat.Envelope, sendBufferSize),
		limiter:      rate.NewLimiter(rate.Limit(inboundEventsPerSecond), inboundBurst),
	}
}

// ConnectionID implements router.Sender.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// UserID implements router.Sender.
func (c *Client) UserID() string {
	return c.identity.UserID
}

// Deliver implements router.Sender. Non-blocking: reports false when the send
// buffer is full, leaving backpressure handling to the router.
func (c *Client) Deliver(env chat.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump pumps inbound envelopes from the connection to the router.
// On any read error the connection is torn down and every joined room is left.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("connection_id", c.connectionID).Msg("unexpected websocket close")
			}
			return
		}

		if !c.limiter.Allow() {
			logging.Warn().
				Str("connection_id", c.connectionID).
				Msg("inbound event rate limit exceeded, dropping event")
			continue
		}

		var env chat.InboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.MalformedEvents.Inc()
			logging.Warn().Err(err).Str("connection_id", c.connectionID).Msg("undecodable inbound frame")
			continue
		}
		c.gateway.dispatch(c, env)
	}
}

// writePump pumps envelopes from the send buffer to the connection and keeps
// the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			data, err := chat.MarshalEnvelope(env)
			if err != nil {
				logging.Error().Err(err).Str("event", env.Type).Msg("failed to marshal envelope")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Error().Err(err).Str("connection_id", c.connectionID).Msg("failed to write envelope")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown detaches the client from the router exactly once and closes the
// underlying connection. The router broadcasts user-left for every room this
// connection had joined.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.gateway.router.Disconnect(c.connectionID)
		_ = c.conn.Close() // best-effort cleanup
	})
}
