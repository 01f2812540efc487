// Package stream provides the live-value primitives the agent is built on.
//
// A [Source] delivers values and errors to subscribers until the returned
// cancel func is called. Every subscription owns one delivery goroutine fed by
// a conflating mailbox: consecutive values collapse to the most recent one,
// errors are always delivered, and callbacks never run while a producer holds
// a lock. A callback may therefore call back into the producer that fed it.
package stream

import "sync"

// Cancel stops a subscription. It is safe to call more than once.
type Cancel func()

// Source is a live value that can be observed.
type Source[T any] interface {
	Subscribe(next func(T), fail func(error)) Cancel
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc[T any] func(next func(T), fail func(error)) Cancel

// Subscribe calls f.
func (f SourceFunc[T]) Subscribe(next func(T), fail func(error)) Cancel {
	return f(next, fail)
}

type event[T any] struct {
	val T
	err error
}

// mailbox is the per-subscription delivery queue.
type mailbox[T any] struct {
	mu      sync.Mutex
	pending []event[T]
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newMailbox[T any](next func(T), fail func(error)) *mailbox[T] {
	m := &mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.deliver(next, fail)
	return m
}

func (m *mailbox[T]) offer(e event[T]) {
	m.mu.Lock()
	n := len(m.pending)
	if e.err == nil && n > 0 && m.pending[n-1].err == nil {
		m.pending[n-1] = e
	} else {
		m.pending = append(m.pending, e)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox[T]) deliver(next func(T), fail func(error)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			e := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}

			if e.err != nil {
				if fail != nil {
					fail(e.err)
				}
				continue
			}
			if next != nil {
				next(e.val)
			}
		}
	}
}
