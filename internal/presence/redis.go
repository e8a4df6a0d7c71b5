// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceKey builds the Redis set key for a room, reusing the client-facing
// channel naming so operators can correlate keys with channels directly.
func presenceKey(chatID string) string {
	return "presence:chat-" + chatID
}

// memberTTL bounds how long a crashed instance's members linger in a room
// set. Live instances refresh on every Add.
const memberTTL = 24 * time.Hour

// RedisStore is a Redis-backed presence mirror shared across instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, chatID, userID string) error {
	key := presenceKey(chatID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, memberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add presence %s/%s: %w", chatID, userID, err)
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, chatID, userID string) error {
	if err := s.client.SRem(ctx, presenceKey(chatID), userID).Err(); err != nil {
		return fmt.Errorf("remove presence %s/%s: %w", chatID, userID, err)
	}
	return nil
}

// Members implements Store.
func (s *RedisStore) Members(ctx context.Context, chatID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, presenceKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence %s: %w", chatID, err)
	}
	sort.Strings(members)
	return members, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
