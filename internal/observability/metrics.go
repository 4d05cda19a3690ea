// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for streamrelay.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access on the relay hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	connectionsTotal int64
	messages         int64
	authFailures     int64
	rateLimited      int64

	// Prometheus gauges.
	promSocketsOpen       prometheus.Gauge
	promActiveConnections prometheus.Gauge

	// Prometheus counters for scraping.
	promConnectionsTotal prometheus.Counter
	promMessages         prometheus.Counter
	promAuthFailures     prometheus.Counter
	promRateLimited      prometheus.Counter
	promOwnersDisabled   prometheus.Counter
	promFederationErrors prometheus.Counter
	promMeteringDropped  prometheus.Counter

	// Fan-out distribution per published message. A histogram keeps
	// room/channel cardinality out of the label space.
	promFanout prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promSocketsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamrelay",
			Name:      "sockets_open",
			Help:      "WebSocket connections currently open, authenticated or not.",
		}),
		promActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamrelay",
			Name:      "connections_active",
			Help:      "Authenticated subscriber connections currently open.",
		}),
		promConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "connections_total",
			Help:      "Total subscriber connections authenticated since start.",
		}),
		promMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "messages_total",
			Help:      "Total messages published through the relay.",
		}),
		promAuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "auth_failures_total",
			Help:      "Total failed credential checks.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "rate_limited_total",
			Help:      "Total attempts rejected by the auth failure limiter.",
		}),
		promOwnersDisabled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "owners_disabled_total",
			Help:      "Total owners switched off for crossing a plan limit.",
		}),
		promFederationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "federation_errors_total",
			Help:      "Total failed cross-region usage reads.",
		}),
		promMeteringDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      "metering_dropped_total",
			Help:      "Total metering tasks dropped due to queue overflow.",
		}),
		promFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamrelay",
			Name:      "message_fanout",
			Help:      "Distribution of subscriber counts per published message.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	return m
}

// IncSocketsOpen increments the open-socket gauge.
func (m *Metrics) IncSocketsOpen() { m.promSocketsOpen.Inc() }

// DecSocketsOpen decrements the open-socket gauge.
func (m *Metrics) DecSocketsOpen() { m.promSocketsOpen.Dec() }

// IncActiveConnections increments the authenticated connection gauge.
func (m *Metrics) IncActiveConnections() { m.promActiveConnections.Inc() }

// DecActiveConnections decrements the authenticated connection gauge.
func (m *Metrics) DecActiveConnections() { m.promActiveConnections.Dec() }

// IncConnectionsTotal increments the lifetime connection counter.
func (m *Metrics) IncConnectionsTotal() {
	atomic.AddInt64(&m.connectionsTotal, 1)
	m.promConnectionsTotal.Inc()
}

// IncMessages increments the published message counter.
func (m *Metrics) IncMessages() {
	atomic.AddInt64(&m.messages, 1)
	m.promMessages.Inc()
}

// IncAuthFailures increments the failed credential counter.
func (m *Metrics) IncAuthFailures() {
	atomic.AddInt64(&m.authFailures, 1)
	m.promAuthFailures.Inc()
}

// IncRateLimited increments the throttled attempt counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncOwnersDisabled increments the disabled-owner counter.
func (m *Metrics) IncOwnersDisabled() { m.promOwnersDisabled.Inc() }

// IncFederationErrors increments the peer read failure counter.
func (m *Metrics) IncFederationErrors() { m.promFederationErrors.Inc() }

// IncMeteringDropped increments the dropped metering task counter.
func (m *Metrics) IncMeteringDropped() { m.promMeteringDropped.Inc() }

// ObserveFanout records how many subscribers one message reached.
func (m *Metrics) ObserveFanout(n int) { m.promFanout.Observe(float64(n)) }

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	ConnectionsTotal int64
	Messages         int64
	AuthFailures     int64
	RateLimited      int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionsTotal: atomic.LoadInt64(&m.connectionsTotal),
		Messages:         atomic.LoadInt64(&m.messages),
		AuthFailures:     atomic.LoadInt64(&m.authFailures),
		RateLimited:      atomic.LoadInt64(&m.rateLimited),
	}
}
