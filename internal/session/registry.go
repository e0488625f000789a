package session

import (
	"sync"
	"sync/atomic"
)

// Registry tracks every live session across loops. It is the only
// cross-loop structure sessions touch, so it takes a lock; sessions add
// themselves on Start and remove themselves in finish.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// NextID hands out session ids, starting at 1.
func (r *Registry) NextID() uint64 { return r.nextID.Add(1) }

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
}

// Get returns a live session by id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions at this instant.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll posts Close(reason) to every live session's loop and returns how
// many closes were scheduled.
func (r *Registry) CloseAll(reason CloseReason) int {
	n := 0
	for _, s := range r.Snapshot() {
		s := s
		if s.Post(func() { s.Close(reason) }) {
			n++
		}
	}
	return n
}
