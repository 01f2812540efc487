package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "storm_bulletins"

// Metrics holds the Prometheus counters, histograms, and gauges for the agent.
type Metrics struct {
	// New-content reconciliation.
	UnseenPosts        prometheus.Gauge
	SubscriptionErrors *prometheus.CounterVec // labels: source={bulletins,events,seen,user}

	// Seen-ledger and device-local storage.
	SeenPersistErrors prometheus.Counter
	StorageErrors     *prometheus.CounterVec // labels: key

	// Publishing and notification dispatch.
	PostsPublished       *prometheus.CounterVec // labels: type={bulletin,event}
	Notifications        *prometheus.CounterVec // labels: outcome={success,error}
	NotificationDuration prometheus.Histogram

	// Push inbox.
	PushesConsumed       prometheus.Counter
	PushesDelivered      prometheus.Counter
	PushDecodeErrors     prometheus.Counter
	PushInboxRunning     prometheus.Gauge
	PushBatchSize        prometheus.Histogram
	PushBatchDuration    prometheus.Histogram
	PushTopicsSubscribed prometheus.Gauge

	// Expiry sweep.
	BulletinsSwept prometheus.Counter

	// Identity provider and user lookups.
	AuthRequests    *prometheus.CounterVec   // labels: method, outcome={success,error}
	AuthAPIDuration *prometheus.HistogramVec // labels: method
	UserCache       *prometheus.CounterVec   // labels: result={hit,miss}

	// Connectivity.
	NetworkOnline prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		UnseenPosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unseen_posts",
			Help:      "Number of posts the current viewer has not acknowledged.",
		}),
		SubscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Errors delivered by live subscriptions, by source.",
		}, []string{"source"}),
		SeenPersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seen_persist_errors_total",
			Help:      "Failed writes of the seen-post ledger.",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed device-local storage calls, by key.",
		}, []string{"key"}),
		PostsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_published_total",
			Help:      "Posts written to the document store, by type.",
		}, []string{"type"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push notification dispatches by outcome.",
		}, []string{"outcome"}),
		NotificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_dispatch_duration_seconds",
			Help:      "Duration of a notification dispatch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PushesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_consumed_total",
			Help:      "Push messages read from the notification topic.",
		}),
		PushesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_delivered_total",
			Help:      "Push messages delivered for a subscribed topic.",
		}),
		PushDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_decode_errors_total",
			Help:      "Push messages that could not be decoded.",
		}),
		PushInboxRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_inbox_running",
			Help:      "1 when the push inbox is consuming, 0 when shut down.",
		}),
		PushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_batch_size",
			Help:      "Number of push messages per batch read from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		PushBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_batch_duration_seconds",
			Help:      "Duration of a complete push batch read-deliver-commit cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		PushTopicsSubscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_topics_subscribed",
			Help:      "Number of push topics this device is subscribed to.",
		}),
		BulletinsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulletins_swept_total",
			Help:      "Expired bulletins deleted by the sweep.",
		}),
		AuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_requests_total",
			Help:      "Identity provider requests by method and outcome.",
		}, []string{"method", "outcome"}),
		AuthAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_api_duration_seconds",
			Help:      "Identity provider request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		UserCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_cache_total",
			Help:      "User profile cache lookups by result.",
		}, []string{"result"}),
		NetworkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 when the device reports connectivity, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.UnseenPosts,
		m.SubscriptionErrors,
		m.SeenPersistErrors,
		m.StorageErrors,
		m.PostsPublished,
		m.Notifications,
		m.NotificationDuration,
		m.PushesConsumed,
		m.PushesDelivered,
		m.PushDecodeErrors,
		m.PushInboxRunning,
		m.PushBatchSize,
		m.PushBatchDuration,
		m.PushTopicsSubscribed,
		m.BulletinsSwept,
		m.AuthRequests,
		m.AuthAPIDuration,
		m.UserCache,
		m.NetworkOnline,
	}
}

// NewMetrics creates and registers all agent metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

// ReadValue returns the current value of a counter or gauge. It is meant for
// tests and debug endpoints.
func ReadValue(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	}
	return 0
}
