// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
	"github.com/tomtom215/chatrelay/internal/presence"
	"github.com/tomtom215/chatrelay/internal/relay"
	"github.com/tomtom215/chatrelay/internal/router"
	"github.com/tomtom215/chatrelay/internal/store"
)

// maxBodyBytes bounds relay request bodies.
const maxBodyBytes = 256 * 1024

// Handler serves the HTTP endpoints. store may be nil when persistence is
// disabled; history and mark-read then answer 404.
type Handler struct {
	router   *router.Router
	notifier *relay.Notifier
	store    store.MessageStore
	presence presence.Store
	history  int
	started  time.Time
}

// NewHandler creates the API handler.
func NewHandler(r *router.Router, n *relay.Notifier, s store.MessageStore, p presence.Store, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}
	return &Handler{
		router:   r,
		notifier: n,
		store:    s,
		presence: p,
		history:  historyLimit,
		started:  time.Now(),
	}
}

// SendMessage handles POST /relay/send-message: the trusted-backend path for
// injecting a message into a room. Persists (when a store is configured),
// echoes new-message to every room member, and relays personal-channel
// notifications to the listed recipients.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var payload chat.SendMessagePayload
	if !h.decodeBody(w, r, &payload) {
		return
	}
	if err := chat.ValidateMessage(&payload.ChatMessage); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	msg := payload.ChatMessage
	if msg.ID == "" {
		msg.ID = chat.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if h.store != nil {
		if err := h.store.Append(r.Context(), msg); err != nil {
			// Live delivery proceeds; history is degraded, not delivery.
			logging.Error().
				Err(err).
				Str("chat_id", msg.ChatID).
				Str("message_id", msg.ID).
				Msg("failed to persist relayed message")
		}
	}

	h.router.OnMessage(msg.ChatID, msg)

	if h.notifier != nil && len(payload.RecipientIDs) > 0 {
		h.notifier.Notify(r.Context(), msg, payload.RecipientIDs)
	}

	respondSuccess(w, http.StatusOK, map[string]string{"messageId": msg.ID})
}

// typingRequest is the POST /relay/typing body.
type typingRequest struct {
	ChatID   string `json:"chatId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// Typing handles POST /relay/typing: backend-driven typing indicators.
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.ChatID == "" || req.UserID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "chatId and userId are required")
		return
	}

	if req.IsTyping {
		h.router.OnTypingStart(req.ChatID, req.UserID, req.UserName)
	} else {
		h.router.OnTypingStop(req.ChatID, req.UserID)
	}
	respondSuccess(w, http.StatusOK, nil)
}

// MarkRead handles POST /relay/messages/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "message persistence is disabled")
		return
	}

	messageID := chi.URLParam(r, "id")
	err := h.store.MarkRead(r.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown message id")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("message_id", messageID).Msg("mark-read failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "mark-read failed")
		return
	}
	respondSuccess(w, http.StatusOK, nil)
}

// History handles GET /relay/history/{chatId}.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "message persistence is disabled")
		return
	}

	chatID := chi.URLParam(r, "chatId")
	messages, err := h.store.History(r.Context(), chatID, h.history)
	if err != nil {
		logging.Error().Err(err).Str("chat_id", chatID).Msg("history read failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "history read failed")
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"chatId":   chatID,
		"messages": messages,
	})
}

// Presence handles GET /api/v1/presence/{chatId}: who is in the room, from
// the presence mirror.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	members, err := h.presence.Members(r.Context(), chatID)
	if err != nil {
		logging.Error().Err(err).Str("chat_id", chatID).Msg("presence read failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "presence read failed")
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"chatId":  chatID,
		"userIds": members,
	})
}

// HealthLive handles GET /api/v1/health/live: process liveness only.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady handles GET /api/v1/health/ready: ready to route events.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":         "ready",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// decodeBody reads and decodes a JSON request body, answering 400 on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "malformed request body")
		return false
	}
	return true
}
