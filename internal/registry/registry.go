// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package registry tracks which connections belong to which room and exposes
// presence snapshots.
//
// Rooms are ephemeral: a room exists only while at least one connection is
// joined, and is reconstructed purely from join events. History lives in the
// external message store, never here. A user with multiple tabs holds one
// entry per connection; removing one does not affect the others.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/chatrelay/internal/chat"
	"github.com/tomtom215/chatrelay/internal/logging"
)

// mirrorTimeout bounds best-effort presence mirror writes.
const mirrorTimeout = 2 * time.Second

// Mirror receives membership changes for cross-instance presence reads.
// Satisfied by presence.Store. Mirror writes are best-effort and never
// affect fan-out decisions.
type Mirror interface {
	Add(ctx context.Context, chatID, userID string) error
	Remove(ctx context.Context, chatID, userID string) error
}

// Departure records one room a connection was removed from, with the
// participant entry it held there.
type Departure struct {
	ChatID      string
	Participant chat.ParticipantInfo
}

// Registry is the in-memory room membership table.
//
// State is local to a single process instance. Running multiple relay
// processes fragments room membership unless the pub/sub gateway variant is
// used; the optional Mirror only aids read-side presence in that setup.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]chat.ParticipantInfo // chatID -> connectionID -> participant
	byConn map[string]map[string]struct{}             // connectionID -> set of chatIDs
	mirror Mirror
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]chat.ParticipantInfo),
		byConn: make(map[string]map[string]struct{}),
	}
}

// NewWithMirror creates a registry that mirrors membership changes into the
// given presence store.
func NewWithMirror(m Mirror) *Registry {
	r := New()
	r.mirror = m
	return r
}

// Join adds a connection to a room and returns the presence snapshot of
// everyone already joined, computed before the joiner is added — the joiner
// never appears in its own snapshot.
//
// Idempotent: rejoining with the same connection id replaces the prior entry.
func (r *Registry) Join(chatID, connectionID string, participant chat.ParticipantInfo) []chat.ParticipantInfo {
	participant.ConnectionID = connectionID

	r.mu.Lock()
	members, ok := r.rooms[chatID]
	if !ok {
		members = make(map[string]chat.ParticipantInfo)
		r.rooms[chatID] = members
	}

	snapshot := snapshotLocked(members, connectionID)

	members[connectionID] = participant

	joined, ok := r.byConn[connectionID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[connectionID] = joined
	}
	joined[chatID] = struct{}{}
	r.mu.Unlock()

	r.mirrorAdd(chatID, participant.UserID)
	return snapshot
}

// Leave removes a connection from a room. Returns the participant entry that
// was removed and whether one existed. Unknown rooms and unknown connections
// are no-ops, not errors — the registry treats "room unknown" as "room empty".
// An emptied room is deleted, never leaked.
func (r *Registry) Leave(chatID, connectionID string) (chat.ParticipantInfo, bool) {
	r.mu.Lock()
	members, ok := r.rooms[chatID]
	if !ok {
		r.mu.Unlock()
		return chat.ParticipantInfo{}, false
	}

	participant, ok := members[connectionID]
	if !ok {
		r.mu.Unlock()
		return chat.ParticipantInfo{}, false
	}

	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, chatID)
	}

	if joined, ok := r.byConn[connectionID]; ok {
		delete(joined, chatID)
		if len(joined) == 0 {
			delete(r.byConn, connectionID)
		}
	}
	r.mu.Unlock()

	r.mirrorRemove(chatID, participant.UserID)
	return participant, true
}

// Snapshot returns the current members of a room. Pure read, no side effects.
// Unknown rooms yield an empty slice.
func (r *Registry) Snapshot(chatID string) []chat.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotLocked(r.rooms[chatID], "")
}

// Rooms lists every room the given connection is currently joined to. Used by
// gateways to clean up all memberships on disconnect — a connection can be in
// multiple rooms.
func (r *Registry) Rooms(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.byConn[connectionID]
	out := make([]string, 0, len(joined))
	for chatID := range joined {
		out = append(out, chatID)
	}
	sort.Strings(out)
	return out
}

// RemoveConnection removes the connection from every room it joined and
// returns the departures, one per room, for user-left broadcasting.
func (r *Registry) RemoveConnection(connectionID string) []Departure {
	var departures []Departure
	for _, chatID := range r.Rooms(connectionID) {
		if participant, ok := r.Leave(chatID, connectionID); ok {
			departures = append(departures, Departure{ChatID: chatID, Participant: participant})
		}
	}
	return departures
}

// Members returns the member connection ids of a room in deterministic order.
func (r *Registry) Members(chatID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[chatID]
	out := make([]string, 0, len(members))
	for connectionID := range members {
		out = append(out, connectionID)
	}
	sort.Strings(out)
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// snapshotLocked collects a room's members excluding the given connection id,
// sorted by connection id for deterministic delivery order.
func snapshotLocked(members map[string]chat.ParticipantInfo, excludeConnectionID string) []chat.ParticipantInfo {
	out := make([]chat.ParticipantInfo, 0, len(members))
	for connectionID, participant := range members {
		if connectionID == excludeConnectionID {
			continue
		}
		out = append(out, participant)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// mirrorAdd pushes a membership add to the presence mirror, best-effort.
func (r *Registry) mirrorAdd(chatID, userID string) {
	if r.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.Add(ctx, chatID, userID); err != nil {
			logging.Warn().Err(err).Str("chat_id", chatID).Msg("presence mirror add failed")
		}
	}()
}

// mirrorRemove pushes a membership removal to the presence mirror, best-effort.
func (r *Registry) mirrorRemove(chatID, userID string) {
	if r.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.Remove(ctx, chatID, userID); err != nil {
			logging.Warn().Err(err).Str("chat_id", chatID).Msg("presence mirror remove failed")
		}
	}()
}
