package server

import "sync"

// Registry is the set of active sessions, in registration order.
// Structural changes are serialized by mu; broadcasts iterate over a copy
// returned by Snapshot so no network I/O ever happens under the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session
	issued   int
	naming   NamingPolicy
}

// NewRegistry creates an empty registry that names sessions with policy.
func NewRegistry(policy NamingPolicy) *Registry {
	if policy == "" {
		policy = NamingRegistrySize
	}
	return &Registry{naming: policy}
}

// NextName returns the display name for a session about to be added.
func (r *Registry) NextName() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.issued++
	if r.naming == NamingSequence {
		return displayName(r.issued)
	}
	return displayName(len(r.sessions) + 1)
}

// Add appends a session. It returns false for nil or already registered
// sessions.
func (r *Registry) Add(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(s) >= 0 {
		return false
	}
	r.sessions = append(r.sessions, s)
	return true
}

// Remove drops a session by identity and reports whether it was present.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(s)
	if i < 0 {
		return false
	}
	copy(r.sessions[i:], r.sessions[i+1:])
	r.sessions[len(r.sessions)-1] = nil
	r.sessions = r.sessions[:len(r.sessions)-1]
	return true
}

// Snapshot returns the current members in registration order. The slice is
// owned by the caller.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*Session, len(r.sessions))
	copy(snapshot, r.sessions)
	return snapshot
}

// Contains reports whether s is registered.
func (r *Registry) Contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(s) >= 0
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// indexOf must be called with mu held.
func (r *Registry) indexOf(s *Session) int {
	for i, member := range r.sessions {
		if member == s {
			return i
		}
	}
	return -1
}
