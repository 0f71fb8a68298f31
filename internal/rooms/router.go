// Package rooms keeps the room membership index and fans events out to members.
package rooms

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"realtime-service/internal/models"
)

const defaultShards = 32

// Member is one live connection that can be placed in rooms.
type Member interface {
	ID() string
	// Send queues an encoded frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member // room -> connID -> member
}

type memberShard struct {
	mu     sync.Mutex
	joined map[string]map[string]struct{} // connID -> rooms
}

// Router indexes room membership. Rooms exist only while they have members.
type Router struct {
	rooms   []*roomShard
	members []*memberShard
	logger  *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return NewRouterWithShards(defaultShards, logger)
}

func NewRouterWithShards(n int, logger *slog.Logger) *Router {
	if n < 1 {
		n = 1
	}
	r := &Router{
		rooms:   make([]*roomShard, n),
		members: make([]*memberShard, n),
		logger:  logger.With(slog.String("component", "rooms")),
	}
	for i := 0; i < n; i++ {
		r.rooms[i] = &roomShard{rooms: make(map[string]map[string]Member)}
		r.members[i] = &memberShard{joined: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Router) roomShard(room string) *roomShard {
	return r.rooms[xxhash.Sum64String(room)%uint64(len(r.rooms))]
}

func (r *Router) memberShard(connID string) *memberShard {
	return r.members[xxhash.Sum64String(connID)%uint64(len(r.members))]
}

// Join adds m to room. It returns false if m was already a member.
// Join, Leave and LeaveAll hold the connection's member shard across both
// index updates, always before the room shard.
func (r *Router) Join(m Member, room string) bool {
	ms := r.memberShard(m.ID())
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rs := r.roomShard(room)
	rs.mu.Lock()
	set, ok := rs.rooms[room]
	if !ok {
		set = make(map[string]Member)
		rs.rooms[room] = set
	}
	if _, exists := set[m.ID()]; exists {
		rs.mu.Unlock()
		return false
	}
	set[m.ID()] = m
	rs.mu.Unlock()

	joined, ok := ms.joined[m.ID()]
	if !ok {
		joined = make(map[string]struct{})
		ms.joined[m.ID()] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes connID from room. Leaving a room the connection is not in is a no-op.
func (r *Router) Leave(connID, room string) bool {
	ms := r.memberShard(connID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !r.removeFromRoom(connID, room) {
		return false
	}
	if joined, ok := ms.joined[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(ms.joined, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room it joined and returns those rooms.
func (r *Router) LeaveAll(connID string) []string {
	ms := r.memberShard(connID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	joined := ms.joined[connID]
	delete(ms.joined, connID)
	left := make([]string, 0, len(joined))
	for room := range joined {
		r.removeFromRoom(connID, room)
		left = append(left, room)
	}
	return left
}

func (r *Router) removeFromRoom(connID, room string) bool {
	rs := r.roomShard(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	set, ok := rs.rooms[room]
	if !ok {
		return false
	}
	if _, exists := set[connID]; !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(rs.rooms, room)
	}
	return true
}

// Broadcast delivers ev to every member of room except excludeConnID and
// returns the number of members that accepted it.
func (r *Router) Broadcast(room string, ev models.Event, excludeConnID string) int {
	frame, err := ev.Encode()
	if err != nil {
		r.logger.Error("encode event", slog.String("event", ev.Name), slog.Any("error", err))
		return 0
	}

	rs := r.roomShard(room)
	rs.mu.RLock()
	targets := make([]Member, 0, len(rs.rooms[room]))
	for id, m := range rs.rooms[room] {
		if id != excludeConnID {
			targets = append(targets, m)
		}
	}
	rs.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if m.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Size is the number of members in room.
func (r *Router) Size(room string) int {
	rs := r.roomShard(room)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rooms[room])
}

// RoomsOf lists the rooms connID is currently in, sorted.
func (r *Router) RoomsOf(connID string) []string {
	ms := r.memberShard(connID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]string, 0, len(ms.joined[connID]))
	for room := range ms.joined[connID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
