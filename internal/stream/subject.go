package stream

import "sync"

// Subject holds the latest value and replays it to new subscribers.
type Subject[T any] struct {
	mu     sync.Mutex
	value  T
	has    bool
	nextID int
	subs   map[int]*mailbox[T]
}

// NewSubject returns a Subject that already holds initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{value: initial, has: true, subs: make(map[int]*mailbox[T])}
}

// NewEmptySubject returns a Subject that emits nothing until the first Publish.
func NewEmptySubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[int]*mailbox[T])}
}

// Publish stores v and offers it to every subscriber.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.has = true
	for _, m := range s.subs {
		m.offer(event[T]{val: v})
	}
}

// Fail offers err to every subscriber. The held value is kept.
func (s *Subject[T]) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.subs {
		m.offer(event[T]{err: err})
	}
}

// Value returns the latest value and whether one has been published.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Subscribe registers callbacks; the current value, if any, is delivered first.
func (s *Subject[T]) Subscribe(next func(T), fail func(error)) Cancel {
	m := newMailbox(next, fail)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = m
	if s.has {
		m.offer(event[T]{val: s.value})
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		m.close()
	}
}
