// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/chatrelay/internal/chat"
)

// MemoryStore is an in-process MessageStore. History does not survive a
// restart; used for tests and persistence-disabled deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	byRoom map[string][]chat.ChatMessage
	byID   map[string]struct {
		chatID string
		index  int
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRoom: make(map[string][]chat.ChatMessage),
		byID: make(map[string]struct {
			chatID string
			index  int
		}),
	}
}

// Append implements MessageStore.
func (s *MemoryStore) Append(_ context.Context, msg chat.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.byRoom[msg.ChatID]
	room = append(room, msg)
	s.byRoom[msg.ChatID] = room
	s.byID[msg.ID] = struct {
		chatID string
		index  int
	}{chatID: msg.ChatID, index: len(room) - 1}
	return nil
}

// History implements MessageStore.
func (s *MemoryStore) History(_ context.Context, chatID string, limit int) ([]chat.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.byRoom[chatID]
	out := make([]chat.ChatMessage, len(room))
	copy(out, room)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead implements MessageStore.
func (s *MemoryStore) MarkRead(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.byID[messageID]
	if !ok {
		return ErrNotFound
	}
	s.byRoom[loc.chatID][loc.index].IsRead = true
	return nil
}

// Close implements MessageStore.
func (s *MemoryStore) Close() error {
	return nil
}
