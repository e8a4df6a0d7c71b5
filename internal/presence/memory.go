// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a single-process presence mirror.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]struct{})}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[chatID]
	if !ok {
		room = make(map[string]struct{})
		s.rooms[chatID] = room
	}
	room[userID] = struct{}{}
	return nil
}

// Remove implements Store. Empty rooms are deleted.
func (s *MemoryStore) Remove(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[chatID]
	if !ok {
		return nil
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(s.rooms, chatID)
	}
	return nil
}

// Members implements Store.
func (s *MemoryStore) Members(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.rooms[chatID]
	out := make([]string, 0, len(room))
	for userID := range room {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
