package sessions

import (
	"sync"
	"time"
)

// entry pairs a session record with the advisory lock that serializes
// writers to it. The mutex is never
// replaced once created, so holding a *entry pointer across an Unlock is
// safe even if the Store's top-level map is concurrently reshaped.
type entry struct {
	mu      sync.Mutex
	session *Session
}

// Store holds every session keyed by Key and hands out exclusive handles
// to it, one at a time, per key, so at most one agent loop is ever in
// flight per session. It deliberately exposes no cross-session
// transaction; cross-session consistency is not a goal.
type Store struct {
	mu       sync.RWMutex
	sessions map[Key]*entry
}

func NewStore() *Store {
	return &Store{sessions: make(map[Key]*entry)}
}

func (s *Store) lookupOrCreate(key Key) *entry {
	s.mu.RLock()
	e, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[key]; ok {
		return e
	}
	sess := &Session{Key: key, AgentID: key.AgentID, CreatedAt: time.Now()}
	sess.touch()
	e = &entry{session: sess}
	s.sessions[key] = e
	return e
}

// Handle grants exclusive right to append turns to one session. It must
// be released on every exit path, including cancellation. Release is
// safe to call more than once and is normally deferred immediately after
// Acquire returns.
type Handle struct {
	e        *entry
	released bool
	mu       sync.Mutex
}

// Session returns the handle's underlying session record. Valid only
// while the handle is held.
func (h *Handle) Session() *Session { return h.e.session }

// Release returns the exclusive lock so the next waiter (or a future
// Acquire of the same key) can proceed. Safe to call multiple times.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.e.mu.Unlock()
}

// Acquire blocks until any prior holder of key has released it, then
// returns an exclusive Handle. There is no context-based cancellation on
// the wait itself: the lock discipline is unconditional exclusion, and
// the Agent Loop's own cancellation handling covers the case where a
// caller gives up while holding the lock, not while waiting for it.
func (s *Store) Acquire(key Key) *Handle {
	e := s.lookupOrCreate(key)
	e.mu.Lock()
	return &Handle{e: e}
}

// Touch refreshes a session's UpdatedAt without requiring the exclusive
// handle, used by the Router on every resolution. Resolution itself is
// not a write to the turn sequence, so it never contends with an
// in-flight round holding the session's handle.
func (s *Store) Touch(key Key) {
	e := s.lookupOrCreate(key)
	e.session.touch()
}

// Count returns the number of known sessions, used by the "status" RPC
// method: a metadata read that does not take any per-session lock.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
