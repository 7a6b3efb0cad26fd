package push

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 16

// Registry maps a user id to that user's single live session on this instance.
// Entries are spread over shards so concurrent connects and routed sends for
// different users rarely contend on the same lock.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	return &r.shards[xxhash.Sum64String(userID)%registryShards]
}

// Put registers s for its user and returns the session it superseded, if any.
// Closing the superseded session is the caller's job.
func (r *Registry) Put(s *Session) *Session {
	sh := r.shard(s.UserID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old := sh.sessions[s.UserID()]
	sh.sessions[s.UserID()] = s
	if old == s {
		return nil
	}
	return old
}

// Get returns the session registered for userID.
func (r *Registry) Get(userID string) (*Session, bool) {
	sh := r.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[userID]
	return s, ok
}

// Remove deletes whatever session is registered for userID. Removing an absent
// user is a no-op.
func (r *Registry) Remove(userID string) {
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.sessions, userID)
}

// RemoveSession deletes the entry for s.UserID() only while it still points at s,
// so a superseded session can never evict its successor. Reports whether an
// entry was removed.
func (r *Registry) RemoveSession(s *Session) bool {
	sh := r.shard(s.UserID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.sessions[s.UserID()] != s {
		return false
	}
	delete(sh.sessions, s.UserID())
	return true
}

// Snapshot returns the registered sessions at a point in time.
func (r *Registry) Snapshot() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// ForEach calls fn for every session in a snapshot. fn may mutate the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.Snapshot() {
		fn(s)
	}
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
