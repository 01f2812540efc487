// Package connectivity tracks device network status and the banner shown to
// the user when it changes.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
	"github.com/couchcryptid/storm-bulletins/internal/stream"
)

// ReconnectedBannerTTL is how long the "reconnected" banner stays up.
const ReconnectedBannerTTL = 3 * time.Second

// Banner is the connectivity notice currently displayed.
type Banner string

const (
	BannerNone        Banner = ""
	BannerOffline     Banner = "offline"
	BannerReconnected Banner = "reconnected"
)

// Status is the observable connectivity state.
type Status struct {
	Online bool      `json:"online"`
	Banner Banner    `json:"banner,omitempty"`
	Since  time.Time `json:"since"`
}

// Monitor folds network-status events into a Status. The device is assumed
// online until told otherwise.
type Monitor struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	status Status
	clear  clockwork.Timer
	live   *stream.Subject[Status]
}

func NewMonitor(clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	initial := Status{Online: true, Since: clock.Now().UTC()}
	metrics.NetworkOnline.Set(1)
	return &Monitor{
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		status:  initial,
		live:    stream.NewSubject(initial),
	}
}

// Update records a network-status event. Repeated events with the same
// status are ignored.
func (m *Monitor) Update(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.status.Online {
		return
	}
	m.stopClear()
	now := m.clock.Now().UTC()

	if !online {
		m.metrics.NetworkOnline.Set(0)
		m.logger.Warn("network unavailable")
		m.set(Status{Online: false, Banner: BannerOffline, Since: now})
		return
	}

	m.metrics.NetworkOnline.Set(1)
	m.logger.Info("network restored", "offline_for", now.Sub(m.status.Since).String())
	m.set(Status{Online: true, Banner: BannerReconnected, Since: now})
	m.clear = m.clock.AfterFunc(ReconnectedBannerTTL, m.expireReconnected)
}

func (m *Monitor) expireReconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Online && m.status.Banner == BannerReconnected {
		s := m.status
		s.Banner = BannerNone
		m.set(s)
	}
}

// Dismiss hides the current banner.
func (m *Monitor) Dismiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Banner == BannerNone {
		return
	}
	m.stopClear()
	s := m.status
	s.Banner = BannerNone
	m.set(s)
}

// Status returns the current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Source emits the state on subscribe and on every change.
func (m *Monitor) Source() stream.Source[Status] { return m.live }

// Check returns domain.ErrNetworkUnavailable while the device is offline.
func (m *Monitor) Check(_ context.Context) error {
	s := m.Status()
	if !s.Online {
		return fmt.Errorf("%w since %s", domain.ErrNetworkUnavailable, s.Since.Format(time.RFC3339))
	}
	return nil
}

func (m *Monitor) set(s Status) {
	m.status = s
	m.live.Publish(s)
}

func (m *Monitor) stopClear() {
	if m.clear != nil {
		m.clear.Stop()
		m.clear = nil
	}
}
