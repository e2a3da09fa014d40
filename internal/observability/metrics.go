package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	LiveSessions    prometheus.Gauge
	QueuedLogouts   prometheus.Gauge
	ReconcileTicks  prometheus.Counter
	LogoutEvents    *prometheus.CounterVec
	DirectoryErrors prometheus.Counter
	TickDuration    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		LiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Live sessions seen in the latest directory snapshot.",
		}),
		QueuedLogouts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_logouts",
			Help:      "Logout tasks currently in flight.",
		}),
		ReconcileTicks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Reconciler ticks completed, including skipped ones.",
		}),
		LogoutEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_events_total",
			Help:      "Logout lifecycle events by type.",
		}, []string{"event"}),
		DirectoryErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_errors_total",
			Help:      "Failed session directory enumerations.",
		}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_tick_duration_ms",
			Help:      "Duration of one reconciler tick in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

// ObserveLogoutEvent increments the event counter; safe on a nil receiver
// so callers can run without metrics wired.
func (m *Metrics) ObserveLogoutEvent(event string) {
	if m == nil {
		return
	}
	m.LogoutEvents.WithLabelValues(event).Inc()
}

// ObserveTick records one completed tick and its duration.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileTicks.Inc()
	m.TickDuration.Observe(float64(d.Milliseconds()))
}

// SetGauges updates the live-session and queued-logout gauges.
func (m *Metrics) SetGauges(live, queued int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(live))
	m.QueuedLogouts.Set(float64(queued))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
