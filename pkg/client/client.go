// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package client is the Go SDK for chatrelay: it manages the WebSocket
// connection, tracks room subscriptions, and routes server events to
// registered callbacks.
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// ErrNotConnected indicates an operation that requires a live connection.
var ErrNotConnected = errors.New("not connected")

// Config configures a Client.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8090/ws".
	URL string

	// Token is the connection JWT, passed as the token query parameter.
	// Leave empty against servers running with auth disabled.
	Token string

	// HandshakeTimeout bounds the dial. Zero means no timeout beyond the
	// caller's context.
	HandshakeTimeout time.Duration
}

// Client is a chatrelay WebSocket client. Safe for concurrent use.
type Client struct {
	cfg        Config
	dispatcher dispatcher
	writeCh    chan envelope

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	rooms     map[string]JoinRoomRequest // chatID -> join request
}

// New constructs a client. Register callbacks before calling Connect.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		writeCh: make(chan envelope, 16),
		rooms:   make(map[string]JoinRoomRequest),
	}
}

// OnMessage registers the callback for new-message events.
func (c *Client) OnMessage(fn func(Message)) { c.dispatcher.onMessage = fn }

// OnNotification registers the callback for new-message-notification events
// on the personal channel.
func (c *Client) OnNotification(fn func(Message)) { c.dispatcher.onNotification = fn }

// OnUserJoined registers the callback for user-joined events.
func (c *Client) OnUserJoined(fn func(UserJoinedEvent)) { c.dispatcher.onUserJoined = fn }

// OnUserLeft registers the callback for user-left events.
func (c *Client) OnUserLeft(fn func(UserLeftEvent)) { c.dispatcher.onUserLeft = fn }

// OnOnlineUsers registers the callback for the online-users snapshot
// delivered after each join.
func (c *Client) OnOnlineUsers(fn func([]Participant)) { c.dispatcher.onOnlineUsers = fn }

// OnTyping registers the callback for user-typing events.
func (c *Client) OnTyping(fn func(TypingEvent)) { c.dispatcher.onTyping = fn }

// OnTypingStopped registers the callback for user-stopped-typing events.
func (c *Client) OnTypingStopped(fn func(TypingStoppedEvent)) { c.dispatcher.onTypingStopped = fn }

// OnConnectionChange registers the callback invoked when the connection is
// established or lost.
func (c *Client) OnConnectionChange(fn func(bool)) { c.dispatcher.onConnectionChange = fn }

// OnError registers the callback for asynchronous errors.
func (c *Client) OnError(fn func(error)) { c.dispatcher.onError = fn }

// Connect dials the server and starts the read and write loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	if c.cfg.URL == "" {
		return errors.New("empty URL")
	}

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	url := c.cfg.URL
	if c.cfg.Token != "" {
		url += "?token=" + c.cfg.Token
	}
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()

	c.dispatcher.fireConnectionChange(true)
	go c.readLoop(runCtx, conn)
	go c.writeLoop(runCtx, conn)
	return nil
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// JoinRoom subscribes to a room. Idempotent per chat id: joining a room the
// client is already subscribed to is a no-op.
func (c *Client) JoinRoom(ctx context.Context, req JoinRoomRequest) error {
	c.mu.Lock()
	if _, ok := c.rooms[req.ChatID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.rooms[req.ChatID] = req
	c.mu.Unlock()

	if err := c.send(ctx, envelope{Type: eventJoinChat, Data: req}); err != nil {
		c.mu.Lock()
		delete(c.rooms, req.ChatID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// LeaveRoom unsubscribes from a room. Leaving a room the client never joined
// is a no-op.
func (c *Client) LeaveRoom(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if _, ok := c.rooms[chatID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, chatID)
	c.mu.Unlock()

	return c.send(ctx, envelope{Type: eventLeaveChat, Data: leaveRoomRequest{ChatID: chatID}})
}

// Rooms returns the chat ids the client is currently subscribed to.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for chatID := range c.rooms {
		out = append(out, chatID)
	}
	return out
}

// SendMessage publishes a message to a room, optionally naming out-of-room
// recipients for personal-channel notifications. Delivery is best-effort; a
// failed send is reported through OnError, never retried.
func (c *Client) SendMessage(ctx context.Context, msg Message, recipientIDs ...string) error {
	return c.send(ctx, envelope{
		Type: eventSendMessage,
		Data: sendMessageRequest{Message: msg, RecipientIDs: recipientIDs},
	})
}

// StartTyping announces that the user is typing in a room.
func (c *Client) StartTyping(ctx context.Context, chatID, userID, userName string) error {
	return c.send(ctx, envelope{
		Type: eventTypingStart,
		Data: typingStartRequest{ChatID: chatID, UserID: userID, UserName: userName},
	})
}

// StopTyping clears the user's typing indicator in a room.
func (c *Client) StopTyping(ctx context.Context, chatID, userID string) error {
	return c.send(ctx, envelope{
		Type: eventTypingStop,
		Data: typingStopRequest{ChatID: chatID, UserID: userID},
	})
}

// Close tears down all room subscriptions and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	c.rooms = make(map[string]JoinRoomRequest)
	c.mu.Unlock()

	if wasConnected {
		c.dispatcher.fireConnectionChange(false)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (c *Client) send(ctx context.Context, env envelope) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case c.writeCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.markDisconnected()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !isExpectedDisconnect(ctx, err) {
				c.dispatcher.fireError(err)
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.dispatcher.fireError(err)
			continue
		}
		c.dispatcher.dispatch(env)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case env := <-c.writeCh:
			data, err := json.Marshal(env)
			if err != nil {
				c.dispatcher.fireError(err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.dispatcher.fireError(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// markDisconnected flips the connection state once the read loop exits.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.dispatcher.fireConnectionChange(false)
	}
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
