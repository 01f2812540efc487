package stream

import (
	"errors"
	"fmt"
	"sync"
)

// InputError reports a failure on one input of a combinator.
type InputError struct {
	Index int
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %d: %v", e.Index, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// Map derives a source whose values are f applied to src's values.
func Map[A, B any](src Source[A], f func(A) B) Source[B] {
	return SourceFunc[B](func(next func(B), fail func(error)) Cancel {
		return src.Subscribe(func(a A) {
			if next != nil {
				next(f(a))
			}
		}, fail)
	})
}

// MapError derives a source whose errors are rewritten by f.
func MapError[T any](src Source[T], f func(error) error) Source[T] {
	return SourceFunc[T](func(next func(T), fail func(error)) Cancel {
		return src.Subscribe(next, func(err error) {
			if fail != nil {
				fail(f(err))
			}
		})
	})
}

// Labeled prefixes every error from src with label.
func Labeled[T any](src Source[T], label string) Source[T] {
	return MapError(src, func(err error) error {
		return fmt.Errorf("%s: %w", label, err)
	})
}

// combineState caches the latest value of each of the four inputs.
type combineState[A, B, C, D any] struct {
	mu     sync.Mutex
	a      A
	b      B
	c      C
	d      D
	has    [4]bool
	faults [4]error
}

func (s *combineState[A, B, C, D]) ready() bool {
	return s.has[0] && s.has[1] && s.has[2] && s.has[3]
}

func (s *combineState[A, B, C, D]) fault() error {
	var errs []error
	for _, err := range s.faults {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CombineLatest4 recomputes combine from the most recent value of every input
// whenever any input emits, once all four have emitted at least once.
//
// An input error is recorded as an outstanding fault and forwarded as an
// *InputError (joined with any other outstanding faults). The fault clears
// when that input emits again. While other faults remain, each recomputed
// value is followed by the joined outstanding faults, so the last event a
// subscriber sees always reflects the current fault state.
func CombineLatest4[A, B, C, D, R any](
	a Source[A], b Source[B], c Source[C], d Source[D],
	combine func(A, B, C, D) R,
) Source[R] {
	return SourceFunc[R](func(next func(R), fail func(error)) Cancel {
		out := newMailbox(next, fail)
		st := &combineState[A, B, C, D]{}

		update := func(i int, set func()) {
			st.mu.Lock()
			defer st.mu.Unlock()
			set()
			st.has[i] = true
			st.faults[i] = nil
			if !st.ready() {
				return
			}
			out.offer(event[R]{val: combine(st.a, st.b, st.c, st.d)})
			if err := st.fault(); err != nil {
				out.offer(event[R]{err: err})
			}
		}
		failed := func(i int) func(error) {
			return func(err error) {
				st.mu.Lock()
				defer st.mu.Unlock()
				st.faults[i] = &InputError{Index: i, Err: err}
				out.offer(event[R]{err: st.fault()})
			}
		}

		cancels := []Cancel{
			a.Subscribe(func(v A) { update(0, func() { st.a = v }) }, failed(0)),
			b.Subscribe(func(v B) { update(1, func() { st.b = v }) }, failed(1)),
			c.Subscribe(func(v C) { update(2, func() { st.c = v }) }, failed(2)),
			d.Subscribe(func(v D) { update(3, func() { st.d = v }) }, failed(3)),
		}

		return func() {
			for _, cancel := range cancels {
				cancel()
			}
			out.close()
		}
	})
}
