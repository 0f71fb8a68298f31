// Package presence tracks which users currently hold at least one open connection.
package presence

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type userShard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // userID -> connIDs
}

type connShard struct {
	mu    sync.Mutex
	owner map[string]string // connID -> userID
}

// Registry maps users to their open connections. Mutations for one user are
// serialized; different users only contend when they hash to the same shard.
type Registry struct {
	users  []*userShard
	conns  []*connShard
	online atomic.Int64
}

func NewRegistry() *Registry {
	return NewRegistryWithShards(defaultShards)
}

func NewRegistryWithShards(n int) *Registry {
	if n < 1 {
		n = 1
	}
	r := &Registry{
		users: make([]*userShard, n),
		conns: make([]*connShard, n),
	}
	for i := 0; i < n; i++ {
		r.users[i] = &userShard{conns: make(map[string]map[string]struct{})}
		r.conns[i] = &connShard{owner: make(map[string]string)}
	}
	return r
}

func (r *Registry) userShard(userID string) *userShard {
	return r.users[xxhash.Sum64String(userID)%uint64(len(r.users))]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[xxhash.Sum64String(connID)%uint64(len(r.conns))]
}

// Register adds connID to userID. When this is the user's first connection,
// onFirst runs while the user's entry is still locked, so a racing Unregister
// cannot announce offline before online has been announced.
// Registering the same connID twice is a no-op and returns false.
func (r *Registry) Register(userID, connID string, onFirst func()) (first bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	if _, exists := cs.owner[connID]; exists {
		cs.mu.Unlock()
		return false
	}
	cs.owner[connID] = userID
	cs.mu.Unlock()

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.conns[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		us.conns[userID] = set
	}
	set[connID] = struct{}{}
	if len(set) != 1 {
		return false
	}
	r.online.Add(1)
	if onFirst != nil {
		onFirst()
	}
	return true
}

// Unregister removes connID. last reports whether it was the owner's final
// connection, in which case onLast runs under the user's lock.
func (r *Registry) Unregister(connID string, onLast func(userID string)) (userID string, last bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	userID, ok := cs.owner[connID]
	delete(cs.owner, connID)
	cs.mu.Unlock()
	if !ok {
		return "", false
	}

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set := us.conns[userID]
	delete(set, connID)
	if len(set) > 0 {
		return userID, false
	}
	delete(us.conns, userID)
	r.online.Add(-1)
	if onLast != nil {
		onLast(userID)
	}
	return userID, true
}

func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.conns[userID]) > 0
}

// Connections returns how many open connections userID has.
func (r *Registry) Connections(userID string) int {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.conns[userID])
}

// OnlineUsers returns a sorted snapshot of online user ids.
func (r *Registry) OnlineUsers() []string {
	out := make([]string, 0, r.online.Load())
	for _, us := range r.users {
		us.mu.Lock()
		for id := range us.conns {
			out = append(out, id)
		}
		us.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// OnlineCount is the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}
