package router

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/ws_gateway/internal/session"
)

// TopicIndex maps topics to their subscribed sessions.
//
// Thread-safety: copy-on-write snapshots
//   - Add/Remove: write lock, build a new slice, atomically swap it in
//   - Subscribers: lock-free load of an immutable snapshot (publish hot path)
//
// A reverse index (session id -> topics) makes closing a session O(its
// topics) instead of O(all topics).
type TopicIndex struct {
	mu          sync.RWMutex
	subscribers map[string]*atomic.Value // topic -> []*session.Session snapshot
	bySession   map[uint64]map[string]struct{}
}

// NewTopicIndex creates an empty index.
func NewTopicIndex() *TopicIndex {
	return &TopicIndex{
		subscribers: make(map[string]*atomic.Value),
		bySession:   make(map[uint64]map[string]struct{}),
	}
}

// Add subscribes s to topic. Returns false if it already was.
func (idx *TopicIndex) Add(topic string, s *session.Session) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.subscribers[topic]
	if val == nil {
		val = &atomic.Value{}
		idx.subscribers[topic] = val
	}

	current := load(val)
	for _, existing := range current {
		if existing == s {
			return false
		}
	}

	next := make([]*session.Session, len(current)+1)
	copy(next, current)
	next[len(current)] = s
	val.Store(next)

	topics := idx.bySession[s.ID()]
	if topics == nil {
		topics = make(map[string]struct{})
		idx.bySession[s.ID()] = topics
	}
	topics[topic] = struct{}{}
	return true
}

// Remove unsubscribes s from topic. Returns false if it was not subscribed.
func (idx *TopicIndex) Remove(topic string, s *session.Session) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := idx.removeLocked(topic, s)
	if topics := idx.bySession[s.ID()]; topics != nil {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(idx.bySession, s.ID())
		}
	}
	return removed
}

// RemoveSession drops every membership of s and returns the topics it left.
func (idx *TopicIndex) RemoveSession(s *session.Session) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	topics := idx.bySession[s.ID()]
	if len(topics) == 0 {
		return nil
	}

	left := make([]string, 0, len(topics))
	for topic := range topics {
		idx.removeLocked(topic, s)
		left = append(left, topic)
	}
	delete(idx.bySession, s.ID())
	sort.Strings(left)
	return left
}

func (idx *TopicIndex) removeLocked(topic string, s *session.Session) bool {
	val, exists := idx.subscribers[topic]
	if !exists {
		return false
	}
	current := load(val)

	for i, existing := range current {
		if existing != s {
			continue
		}
		if len(current) == 1 {
			delete(idx.subscribers, topic)
			return true
		}
		next := make([]*session.Session, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		val.Store(next)
		return true
	}
	return false
}

// Subscribers returns the current snapshot for topic. Callers must not
// modify the returned slice.
func (idx *TopicIndex) Subscribers(topic string) []*session.Session {
	idx.mu.RLock()
	val := idx.subscribers[topic]
	idx.mu.RUnlock()

	if val == nil {
		return nil
	}
	return load(val)
}

// TopicsOf returns the sorted topics session id is subscribed to.
func (idx *TopicIndex) TopicsOf(id uint64) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	topics := idx.bySession[id]
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Topics returns the number of topics with at least one subscriber.
func (idx *TopicIndex) Topics() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.subscribers)
}

func load(val *atomic.Value) []*session.Session {
	if v := val.Load(); v != nil {
		return v.([]*session.Session)
	}
	return nil
}
