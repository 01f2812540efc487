package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/adapter/memstore"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/ledger"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/reconciler"
	"github.com/couchcryptid/storm-bulletins/internal/store"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
	"github.com/couchcryptid/storm-bulletins/internal/stream/streamtest"
)

var today = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type memStorage struct{ values map[string]string }

func (m *memStorage) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStorage) Set(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

type fixture struct {
	backend   *memstore.Store
	clock     *clockwork.FakeClock
	bulletins *store.BulletinRepo
	events    *store.EventRepo
	ledger    *ledger.Ledger
	user      *stream.Subject[*domain.AppUser]
	metrics   *observability.Metrics
	rec       *reconciler.Reconciler
}

func newFixture(t *testing.T, viewer *domain.AppUser) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(today)
	backend := memstore.New(clock)
	metrics := observability.NewMetricsForTesting()
	l := ledger.New(&memStorage{values: map[string]string{}}, observability.DiscardLogger(), metrics)
	require.NoError(t, l.Initialize(context.Background()))
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	f := &fixture{
		backend:   backend,
		clock:     clock,
		bulletins: store.NewBulletinRepo(backend),
		events:    store.NewEventRepo(backend),
		ledger:    l,
		user:      stream.NewSubject(viewer),
		metrics:   metrics,
	}
	f.rec = reconciler.New(reconciler.Inputs{
		Bulletins: f.bulletins.Live(),
		Events:    f.events.Live(),
		Seen:      l.Source(),
		User:      f.user,
	}, clock, observability.DiscardLogger(), metrics)
	f.rec.Start()
	t.Cleanup(f.rec.Stop)
	return f
}

func (f *fixture) bulletin(t *testing.T, b domain.Bulletin) domain.Bulletin {
	t.Helper()
	if b.EndDate == "" {
		b.EndDate = "2026-12-31"
	}
	created, err := f.bulletins.Create(context.Background(), b)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	return created
}

func (f *fixture) event(t *testing.T, e domain.Event) domain.Event {
	t.Helper()
	created, err := f.events.Create(context.Background(), e)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	return created
}

func postIDs(posts []domain.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID())
	}
	return out
}

func hasLen(n int) func([]domain.Post) bool {
	return func(p []domain.Post) bool { return len(p) == n }
}

func TestReconciler_NotReadyBeforeInputs(t *testing.T) {
	never := stream.NewEmptySubject[*domain.AppUser]()
	rec := reconciler.New(reconciler.Inputs{
		Bulletins: stream.NewSubject([]domain.Bulletin{}),
		Events:    stream.NewSubject([]domain.Event{}),
		Seen:      stream.NewSubject(domain.NewSeenSet()),
		User:      never,
	}, clockwork.NewFakeClockAt(today), observability.DiscardLogger(), observability.NewMetricsForTesting())
	rec.Start()
	t.Cleanup(rec.Stop)

	_, err := rec.Snapshot()
	assert.ErrorIs(t, err, reconciler.ErrNotReady)
	assert.ErrorIs(t, rec.CheckReadiness(context.Background()), reconciler.ErrNotReady)

	never.Publish(nil)
	require.Eventually(t, func() bool { return rec.CheckReadiness(context.Background()) == nil }, streamtest.Wait, 5*time.Millisecond)
	posts, err := rec.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestReconciler_NewestFirstAndCount(t *testing.T) {
	f := newFixture(t, nil)
	posts := streamtest.Record(t, f.rec.Posts())
	count := streamtest.Record(t, f.rec.Count())

	b1 := f.bulletin(t, domain.Bulletin{Title: "Pluie"})
	e2 := f.event(t, domain.Event{Title: "Forum"})
	b3 := f.bulletin(t, domain.Bulletin{Title: "Vent"})

	got := posts.WaitFor(t, hasLen(3))
	assert.Equal(t, []string{b3.ID, e2.ID, b1.ID}, postIDs(got))
	count.WaitFor(t, func(n int) bool { return n == 3 })

	require.Eventually(t, func() bool {
		return observability.ReadValue(f.metrics.UnseenPosts) == 3
	}, streamtest.Wait, 5*time.Millisecond)
}

func TestReconciler_MarkSeenRemovesPost(t *testing.T) {
	f := newFixture(t, nil)
	posts := streamtest.Record(t, f.rec.Posts())

	b1 := f.bulletin(t, domain.Bulletin{Title: "Pluie"})
	e1 := f.event(t, domain.Event{Title: "Forum"})
	posts.WaitFor(t, hasLen(2))

	f.ledger.MarkSeen(b1.ID)

	got := posts.WaitFor(t, hasLen(1))
	assert.Equal(t, e1.ID, got[0].ID())
}

func TestReconciler_CallbackMayMarkSeen(t *testing.T) {
	f := newFixture(t, nil)

	// Acknowledge everything as soon as it shows up, from inside the callback.
	cancel := f.rec.Posts().Subscribe(func(posts []domain.Post) {
		for _, p := range posts {
			f.ledger.MarkSeen(p.ID())
		}
	}, nil)
	t.Cleanup(cancel)
	count := streamtest.Record(t, f.rec.Count())

	e := f.event(t, domain.Event{Title: "Forum"})

	require.Eventually(t, func() bool { return f.ledger.Seen().Has(e.ID) }, streamtest.Wait, 5*time.Millisecond)
	count.WaitFor(t, func(n int) bool { return n == 0 })
}

func TestReconciler_DropsBulletinWhenItExpires(t *testing.T) {
	f := newFixture(t, nil)
	posts := streamtest.Record(t, f.rec.Posts())
	count := streamtest.Record(t, f.rec.Count())

	f.bulletin(t, domain.Bulletin{Title: "Orage", EndDate: "2026-10-19T12:00:00Z"})
	lasting := f.bulletin(t, domain.Bulletin{Title: "Crue"})
	posts.WaitFor(t, hasLen(2))

	ctx, cancel := context.WithTimeout(context.Background(), streamtest.Wait)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1), "expiry timer armed")

	// No input changes; only time passes.
	f.clock.Advance(6 * time.Hour)

	got := posts.WaitFor(t, hasLen(1))
	assert.Equal(t, lasting.ID, got[0].ID())
	count.WaitFor(t, func(n int) bool { return n == 1 })

	snapshot, err := f.rec.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{lasting.ID}, postIDs(snapshot))
}

func TestReconciler_InstitutionTargeting(t *testing.T) {
	i1 := &domain.AppUser{UID: "I1", IsInstitution: true}
	i2 := &domain.AppUser{UID: "I2", IsInstitution: true}

	f := newFixture(t, i1)
	posts := streamtest.Record(t, f.rec.Posts())

	general := f.bulletin(t, domain.Bulletin{Title: "Général"})
	targeted := f.bulletin(t, domain.Bulletin{Title: "Pour I1", TargetInstitutionID: "I1"})

	got := posts.WaitFor(t, hasLen(2))
	assert.Equal(t, []string{targeted.ID, general.ID}, postIDs(got))

	f.user.Publish(i2)
	got = posts.WaitFor(t, hasLen(1))
	assert.Equal(t, general.ID, got[0].ID())

	f.user.Publish(nil)
	got = posts.WaitFor(t, hasLen(1))
	assert.Equal(t, general.ID, got[0].ID(), "anonymous viewers never see targeted bulletins")
}

func TestReconciler_ExpiredBulletinsNeverNew(t *testing.T) {
	f := newFixture(t, nil)
	posts := streamtest.Record(t, f.rec.Posts())

	f.bulletin(t, domain.Bulletin{Title: "Hier", EndDate: "2026-10-18"})
	active := f.bulletin(t, domain.Bulletin{Title: "Demain", EndDate: "2026-10-20"})
	f.event(t, domain.Event{Title: "Forum"})

	got := posts.WaitFor(t, hasLen(2))
	assert.Contains(t, postIDs(got), active.ID)
}

func TestReconciler_FaultKeepsLastGoodList(t *testing.T) {
	f := newFixture(t, nil)
	posts := streamtest.Record(t, f.rec.Posts())

	b1 := f.bulletin(t, domain.Bulletin{Title: "Pluie"})
	posts.WaitFor(t, hasLen(1))

	f.backend.FailSubscription(store.Events, errors.New("permission denied"))

	err := posts.WaitForErr(t)
	assert.Contains(t, err.Error(), "events: permission denied")

	var inErr *stream.InputError
	require.ErrorAs(t, err, &inErr)
	assert.Equal(t, 1, inErr.Index)

	require.Eventually(t, func() bool {
		_, err := f.rec.Snapshot()
		return err != nil
	}, streamtest.Wait, 5*time.Millisecond)
	last, snapErr := f.rec.Snapshot()
	assert.Error(t, snapErr)
	assert.Equal(t, []string{b1.ID}, postIDs(last), "last good list is kept")
	assert.InDelta(t, 1.0, observability.ReadValue(f.metrics.SubscriptionErrors.WithLabelValues("events")), 0.0001)

	// The failing input recovers on its next emission.
	e := f.event(t, domain.Event{Title: "Forum"})
	require.Eventually(t, func() bool {
		got, err := f.rec.Snapshot()
		return err == nil && len(got) == 2 && got[0].ID() == e.ID
	}, streamtest.Wait, 5*time.Millisecond)
}

func TestCompute_IndependentSubscriptions(t *testing.T) {
	in := reconciler.Inputs{
		Bulletins: stream.NewSubject([]domain.Bulletin{{ID: "b1", EndDate: "2026-12-31", CreatedAt: today}}),
		Events:    stream.NewSubject([]domain.Event{}),
		Seen:      stream.NewSubject(domain.NewSeenSet()),
		User:      stream.NewSubject[*domain.AppUser](nil),
	}
	src := reconciler.Compute(in, clockwork.NewFakeClockAt(today))

	a := streamtest.Record(t, src)
	b := streamtest.Record(t, src)

	a.WaitFor(t, hasLen(1))
	b.WaitFor(t, hasLen(1))
}
