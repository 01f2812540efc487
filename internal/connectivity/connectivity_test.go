package connectivity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-bulletins/internal/connectivity"
	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

// --- mocks ---

type recordingUpdater struct {
	mu     sync.Mutex
	events []bool
}

func (r *recordingUpdater) Update(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, online)
}

func (r *recordingUpdater) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func newMonitor() (*connectivity.Monitor, *clockwork.FakeClock, *observability.Metrics) {
	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	return connectivity.NewMonitor(clock, observability.DiscardLogger(), metrics), clock, metrics
}

// --- tests ---

func TestMonitor_StartsOnlineWithoutBanner(t *testing.T) {
	m, _, metrics := newMonitor()
	s := m.Status()
	assert.True(t, s.Online)
	assert.Equal(t, connectivity.BannerNone, s.Banner)
	assert.NoError(t, m.Check(context.Background()))
	assert.InDelta(t, 1.0, observability.ReadValue(metrics.NetworkOnline), 0.0001)
}

func TestMonitor_OfflineBannerPersists(t *testing.T) {
	m, clock, metrics := newMonitor()

	m.Update(false)
	clock.Advance(time.Hour)

	s := m.Status()
	assert.False(t, s.Online)
	assert.Equal(t, connectivity.BannerOffline, s.Banner)
	assert.ErrorIs(t, m.Check(context.Background()), domain.ErrNetworkUnavailable)
	assert.InDelta(t, 0.0, observability.ReadValue(metrics.NetworkOnline), 0.0001)
}

func TestMonitor_ReconnectedBannerClearsAfterTTL(t *testing.T) {
	m, clock, _ := newMonitor()

	m.Update(false)
	m.Update(true)
	assert.Equal(t, connectivity.BannerReconnected, m.Status().Banner)

	clock.Advance(connectivity.ReconnectedBannerTTL - time.Millisecond)
	assert.Equal(t, connectivity.BannerReconnected, m.Status().Banner)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		return m.Status().Banner == connectivity.BannerNone
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.Status().Online)
}

func TestMonitor_DropDuringReconnectedKeepsOffline(t *testing.T) {
	m, clock, _ := newMonitor()

	m.Update(false)
	m.Update(true)
	m.Update(false)
	clock.Advance(connectivity.ReconnectedBannerTTL * 2)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, connectivity.BannerOffline, m.Status().Banner)
}

func TestMonitor_DismissAndDuplicateEvents(t *testing.T) {
	m, _, _ := newMonitor()

	m.Update(true)
	assert.Equal(t, connectivity.BannerNone, m.Status().Banner, "no reconnected banner without an outage")

	m.Update(false)
	m.Dismiss()
	s := m.Status()
	assert.False(t, s.Online)
	assert.Equal(t, connectivity.BannerNone, s.Banner)

	m.Update(false)
	assert.Equal(t, connectivity.BannerNone, m.Status().Banner, "repeated offline events do not reopen the banner")
}

func TestProber_ReportsStatus(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	updater := &recordingUpdater{}
	p := connectivity.NewProber(srv.URL, time.Second, clock, updater, observability.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(updater.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	healthy.Store(false)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(updater.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []bool{true, false}, updater.snapshot())
}

func TestProber_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	updater := &recordingUpdater{}
	p := connectivity.NewProber(url, time.Second, clockwork.NewFakeClock(), updater, observability.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	require.Eventually(t, func() bool { return len(updater.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []bool{false}, updater.snapshot())
}
