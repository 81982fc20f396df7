package relay

import (
	"container/list"
	"sync"
	"time"
)

// seenSet remembers recently handled event ids so redelivered events are
// dropped. Entries expire after ttl; beyond max entries the oldest is
// evicted.
type seenSet struct {
	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List // of seenEntry, oldest at front
	ttl   time.Duration
	max   int
	now   func() time.Time
}

type seenEntry struct {
	key string
	at  time.Time
}

func newSeenSet(ttl time.Duration, size int) *seenSet {
	return &seenSet{
		seen:  make(map[string]*list.Element),
		order: list.New(),
		ttl:   ttl,
		max:   size,
		now:   time.Now,
	}
}

// checkAndMark reports whether key was seen within ttl, marking it if not.
func (s *seenSet) checkAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if _, ok := s.seen[key]; ok {
		return true
	}
	if s.order.Len() >= s.max {
		front := s.order.Front()
		s.order.Remove(front)
		delete(s.seen, front.Value.(seenEntry).key)
	}
	s.seen[key] = s.order.PushBack(seenEntry{key: key, at: now})
	return false
}

// expireLocked drops expired entries from the front. Must be called with mu held.
func (s *seenSet) expireLocked(now time.Time) {
	for e := s.order.Front(); e != nil; e = s.order.Front() {
		entry := e.Value.(seenEntry)
		if now.Sub(entry.at) < s.ttl {
			return
		}
		s.order.Remove(e)
		delete(s.seen, entry.key)
	}
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
