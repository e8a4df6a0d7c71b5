// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/store"
)

// CachingStore decorates a MessageStore with an LRU history cache. Writes pass
// through to the inner store and invalidate the affected room, so readers
// never see history older than the entry TTL.
type CachingStore struct {
	inner store.MessageStore
	cache *HistoryLRU

	// roomKeys tracks which cache keys belong to each room, since a room is
	// cached once per requested limit.
	mu       sync.Mutex
	roomKeys map[string]map[string]struct{}
}

var _ store.MessageStore = (*CachingStore)(nil)

// NewCachingStore wraps inner with a history cache of the given capacity and
// TTL.
func NewCachingStore(inner store.MessageStore, capacity int, ttl time.Duration) *CachingStore {
	return &CachingStore{
		inner:    inner,
		cache:    NewHistoryLRU(capacity, ttl),
		roomKeys: make(map[string]map[string]struct{}),
	}
}

// Append writes through and invalidates the room's cached history.
func (s *CachingStore) Append(ctx context.Context, msg chat.ChatMessage) error {
	if err := s.inner.Append(ctx, msg); err != nil {
		return err
	}
	s.invalidateRoom(msg.ChatID)
	return nil
}

// History serves from the cache when possible, otherwise reads through.
func (s *CachingStore) History(ctx context.Context, chatID string, limit int) ([]chat.ChatMessage, error) {
	key := historyKey(chatID, limit)
	if messages, ok := s.cache.Get(key); ok {
		return copyMessages(messages), nil
	}

	messages, err := s.inner.History(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}

	s.cache.Add(key, copyMessages(messages))
	s.mu.Lock()
	keys, ok := s.roomKeys[chatID]
	if !ok {
		keys = make(map[string]struct{})
		s.roomKeys[chatID] = keys
	}
	keys[key] = struct{}{}
	s.mu.Unlock()

	return messages, nil
}

// MarkRead writes through. The message id does not carry its room, so the
// whole cache is invalidated rather than tracking an id-to-room index here.
func (s *CachingStore) MarkRead(ctx context.Context, messageID string) error {
	if err := s.inner.MarkRead(ctx, messageID); err != nil {
		return err
	}

	s.cache.Clear()
	s.mu.Lock()
	s.roomKeys = make(map[string]map[string]struct{})
	s.mu.Unlock()
	return nil
}

// Close closes the inner store.
func (s *CachingStore) Close() error {
	return s.inner.Close()
}

// Stats exposes the underlying cache counters for diagnostics.
func (s *CachingStore) Stats() (hits, misses int64, size int) {
	return s.cache.Stats()
}

func (s *CachingStore) invalidateRoom(chatID string) {
	s.mu.Lock()
	keys := s.roomKeys[chatID]
	delete(s.roomKeys, chatID)
	s.mu.Unlock()

	for key := range keys {
		s.cache.Remove(key)
	}
}

func historyKey(chatID string, limit int) string {
	return chatID + "|" + strconv.Itoa(limit)
}

// copyMessages guards cached slices against caller mutation.
func copyMessages(messages []chat.ChatMessage) []chat.ChatMessage {
	out := make([]chat.ChatMessage, len(messages))
	copy(out, messages)
	return out
}
