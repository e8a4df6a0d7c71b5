// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
)

// Key layout. The message key sorts by room then creation time, so a History
// read is one ordered prefix scan. The chat id is length-prefixed so a room id
// containing the separator (room "a" vs "a:b") can never widen another room's
// prefix scan. The id index maps a bare message id back to its message key for
// MarkRead.
const (
	msgKeyPrefix = "msg:"
	idKeyPrefix  = "id:"
)

// BadgerStore is a BadgerDB-backed MessageStore for single-node deployments
// that need history to survive restarts without an external database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger-backed store at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already-open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func msgKey(chatID string, createdAtNanos int64, id string) []byte {
	// Fixed-width nanos keep lexicographic order equal to chronological order.
	return []byte(fmt.Sprintf("%s%020d:%s", roomPrefix(chatID), createdAtNanos, id))
}

// roomPrefix returns the key prefix holding all of one room's messages.
func roomPrefix(chatID string) string {
	return fmt.Sprintf("%s%d:%s:", msgKeyPrefix, len(chatID), chatID)
}

func idKey(id string) []byte {
	return []byte(idKeyPrefix + id)
}

// Append implements MessageStore.
func (s *BadgerStore) Append(_ context.Context, msg chat.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := msgKey(msg.ChatID, msg.CreatedAt.UnixNano(), msg.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set message: %w", err)
		}
		if err := txn.Set(idKey(msg.ID), key); err != nil {
			return fmt.Errorf("set id index: %w", err)
		}
		return nil
	})
}

// History implements MessageStore.
func (s *BadgerStore) History(_ context.Context, chatID string, limit int) ([]chat.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	messages := make([]chat.ChatMessage, 0, limit)
	prefix := []byte(roomPrefix(chatID))

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   limit,
			Prefix:         prefix,
		})
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg chat.ChatMessage
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("unmarshal message: %w", err)
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead implements MessageStore.
func (s *BadgerStore) MarkRead(_ context.Context, messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		idxItem, err := txn.Get(idKey(messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get id index: %w", err)
		}

		var key []byte
		if err := idxItem.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}

		var msg chat.ChatMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}

		msg.IsRead = true
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Close implements MessageStore.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Msgf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Msgf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+format, args...)
}
