package poller

import "sync"

// seenSet is a bounded, insertion-ordered set of event ids. When an add
// pushes it over capacity the oldest half is dropped.
type seenSet struct {
	capacity int
	mu       sync.Mutex
	entries  map[string]*seenEntry
	head     *seenEntry // newest
	tail     *seenEntry // oldest
}

type seenEntry struct {
	id   string
	prev *seenEntry
	next *seenEntry
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 100
	}
	return &seenSet{
		capacity: capacity,
		entries:  make(map[string]*seenEntry),
	}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return false
	}
	e := &seenEntry{id: id}
	s.entries[id] = e
	s.addToFront(e)

	if len(s.entries) > s.capacity {
		keep := s.capacity / 2
		for len(s.entries) > keep {
			s.evictTail()
		}
	}
	return true
}

func (s *seenSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *seenSet) addToFront(e *seenEntry) {
	e.next = s.head
	e.prev = nil
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *seenSet) remove(e *seenEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
}

func (s *seenSet) evictTail() {
	if s.tail == nil {
		return
	}
	delete(s.entries, s.tail.id)
	s.remove(s.tail)
}
