// Package reconciler derives the live list of posts the current viewer has not
// yet acknowledged from the bulletin and event collections, the seen-ledger and
// the signed-in user.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// ErrNotReady is reported until the first unseen list has been computed.
var ErrNotReady = errors.New("new content not computed yet")

// Input source labels, in combine order.
var sourceLabels = [4]string{"bulletins", "events", "seen", "user"}

// Inputs are the four live values the unseen list depends on.
type Inputs struct {
	Bulletins stream.Source[[]domain.Bulletin]
	Events    stream.Source[[]domain.Event]
	Seen      stream.Source[domain.SeenSet]
	User      stream.Source[*domain.AppUser]
}

// Reconciler owns one shared subscription to its inputs and republishes the
// unseen list and its length to any number of subscribers.
type Reconciler struct {
	in      Inputs
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	posts *stream.Subject[[]domain.Post]
	count *stream.Subject[int]

	// pubMu orders publications from the input subscription and the expiry
	// timer.
	pubMu  sync.Mutex
	mu     sync.Mutex
	last   []domain.Post
	fault  error
	ready  bool
	cancel stream.Cancel
	expiry clockwork.Timer
	gen    uint64
}

// New creates a reconciler. Call Start to begin observing the inputs.
func New(in Inputs, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		in:      in,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		posts:   stream.NewEmptySubject[[]domain.Post](),
		count:   stream.NewEmptySubject[int](),
	}
}

// Compute returns a source that recomputes the unseen list whenever any input
// changes. Each subscriber gets its own subscription to the inputs.
func Compute(in Inputs, clock clockwork.Clock) stream.Source[[]domain.Post] {
	return stream.CombineLatest4(
		stream.Labeled(in.Bulletins, sourceLabels[0]),
		stream.Labeled(in.Events, sourceLabels[1]),
		stream.Labeled(in.Seen, sourceLabels[2]),
		stream.Labeled(in.User, sourceLabels[3]),
		func(bulletins []domain.Bulletin, events []domain.Event, seen domain.SeenSet, user *domain.AppUser) []domain.Post {
			return domain.NewPosts(bulletins, events, seen, user, clock.Now().UTC())
		},
	)
}

// Start subscribes to the inputs. It is a no-op when already started.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	in := Inputs{
		Bulletins: counted(r.in.Bulletins, sourceLabels[0], r.metrics),
		Events:    counted(r.in.Events, sourceLabels[1], r.metrics),
		Seen:      counted(r.in.Seen, sourceLabels[2], r.metrics),
		User:      counted(r.in.User, sourceLabels[3], r.metrics),
	}
	r.cancel = Compute(in, r.clock).Subscribe(r.onPosts, r.onFault)
	r.logger.Info("reconciler started")
}

// Stop cancels the input subscriptions.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	r.gen++
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.logger.Info("reconciler stopped")
	}
}

func (r *Reconciler) onPosts(posts []domain.Post) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	r.fault = nil
	r.ready = true
	r.mu.Unlock()
	r.publish(posts)
}

// publish makes posts current and arms a timer for the earliest end date
// among them. Callers hold r.pubMu.
func (r *Reconciler) publish(posts []domain.Post) {
	r.mu.Lock()
	r.last = posts
	r.gen++
	gen := r.gen
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	now := r.clock.Now().UTC()
	if next, ok := nextExpiry(posts, now); ok {
		r.expiry = r.clock.AfterFunc(next.Sub(now), func() { r.expire(gen) })
	}
	r.mu.Unlock()

	r.metrics.UnseenPosts.Set(float64(len(posts)))
	r.posts.Publish(posts)
	r.count.Publish(len(posts))
}

// expire drops bulletins that ended since the list was computed. A list
// superseded after the timer was armed is left alone.
func (r *Reconciler) expire(gen uint64) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	current := r.last
	fault := r.fault
	now := r.clock.Now().UTC()
	r.mu.Unlock()

	kept := make([]domain.Post, 0, len(current))
	for _, p := range current {
		if p.Bulletin != nil && p.Bulletin.Expired(now) {
			continue
		}
		kept = append(kept, p)
	}
	r.logger.Debug("expired bulletins dropped from new content", "count", len(current)-len(kept))
	r.publish(kept)
	if fault != nil {
		r.posts.Fail(fault)
		r.count.Fail(fault)
	}
}

// nextExpiry returns the earliest bulletin end date after now.
func nextExpiry(posts []domain.Post, now time.Time) (time.Time, bool) {
	var next time.Time
	for _, p := range posts {
		if p.Bulletin == nil {
			continue
		}
		end, ok := domain.ParseEndDate(p.Bulletin.EndDate)
		if !ok || !end.After(now) {
			continue
		}
		if next.IsZero() || end.Before(next) {
			next = end
		}
	}
	return next, !next.IsZero()
}

// onFault records the outstanding input faults. The last good list stays
// current; a fault clears when the failing input emits again.
func (r *Reconciler) onFault(err error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	r.fault = err
	r.mu.Unlock()

	r.logger.Warn("new-content subscription error", "error", err)
	r.posts.Fail(err)
	r.count.Fail(err)
}

// counted increments the subscription error metric for every error of src.
func counted[T any](src stream.Source[T], label string, metrics *observability.Metrics) stream.Source[T] {
	return stream.MapError(src, func(err error) error {
		metrics.SubscriptionErrors.WithLabelValues(label).Inc()
		return err
	})
}

// Posts is the live unseen list, newest first.
func (r *Reconciler) Posts() stream.Source[[]domain.Post] { return r.posts }

// Count is the live badge count: the length of the unseen list.
func (r *Reconciler) Count() stream.Source[int] { return r.count }

// Snapshot returns the latest unseen list together with the outstanding input
// fault, if any. Before the first computation the list is nil and the error
// reports that the reconciler is not ready.
func (r *Reconciler) Snapshot() ([]domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		if r.fault != nil {
			return nil, r.fault
		}
		return nil, ErrNotReady
	}
	return r.last, r.fault
}

// CheckReadiness returns nil once the unseen list has been computed.
func (r *Reconciler) CheckReadiness(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return ErrNotReady
	}
	return nil
}
