// Package streamtest records stream deliveries for assertions in tests.
package streamtest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// Wait is how long WaitFor polls before failing.
const Wait = 2 * time.Second

// Recorder collects the values and errors delivered to one subscription.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
	errs   []error
	cancel stream.Cancel
}

// Record subscribes to src and cancels the subscription when t ends.
func Record[T any](t testing.TB, src stream.Source[T]) *Recorder[T] {
	t.Helper()
	r := &Recorder[T]{}
	r.cancel = src.Subscribe(r.next, r.fail)
	t.Cleanup(r.cancel)
	return r
}

func (r *Recorder[T]) next(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *Recorder[T]) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Values returns a copy of every delivered value.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// Errors returns a copy of every delivered error.
func (r *Recorder[T]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Last returns the most recent value.
func (r *Recorder[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.values) == 0 {
		return zero, false
	}
	return r.values[len(r.values)-1], true
}

// LastErr returns the most recent error, or nil.
func (r *Recorder[T]) LastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

// Cancel stops the subscription early.
func (r *Recorder[T]) Cancel() { r.cancel() }

// WaitFor blocks until the latest value satisfies ok.
func (r *Recorder[T]) WaitFor(t testing.TB, ok func(T) bool, msgAndArgs ...any) T {
	t.Helper()
	var got T
	require.Eventually(t, func() bool {
		v, has := r.Last()
		if !has || !ok(v) {
			return false
		}
		got = v
		return true
	}, Wait, 5*time.Millisecond, msgAndArgs...)
	return got
}

// WaitForErr blocks until at least one error was delivered and returns the latest.
func (r *Recorder[T]) WaitForErr(t testing.TB, msgAndArgs ...any) error {
	t.Helper()
	require.Eventually(t, func() bool { return r.LastErr() != nil }, Wait, 5*time.Millisecond, msgAndArgs...)
	return r.LastErr()
}
