package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promSocketsOpen)
		assert.NotNil(t, m.promMessages)
		assert.NotNil(t, m.promFanout)
	})
}

func TestMetricsGauges(t *testing.T) {
	t.Run("socket gauge tracks open and close", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncSocketsOpen()
		m.IncSocketsOpen()
		m.DecSocketsOpen()

		assert.Equal(t, 1.0, testutil.ToFloat64(m.promSocketsOpen))
	})

	t.Run("active connection gauge tracks subscribe and drop", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncActiveConnections()
		m.IncActiveConnections()
		m.IncActiveConnections()
		m.DecActiveConnections()

		assert.Equal(t, 2.0, testutil.ToFloat64(m.promActiveConnections))
	})
}

func TestMetricsIncConnectionsTotal(t *testing.T) {
	t.Run("increments lifetime connection counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncConnectionsTotal()
		m.IncConnectionsTotal()
		m.IncConnectionsTotal()

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.ConnectionsTotal)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.promConnectionsTotal))
	})
}

func TestMetricsIncMessages(t *testing.T) {
	t.Run("increments message counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncMessages()
		m.IncMessages()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Messages)
	})
}

func TestMetricsIncAuthFailures(t *testing.T) {
	t.Run("increments auth failure counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncAuthFailures()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.AuthFailures)
	})
}

func TestMetricsIncRateLimited(t *testing.T) {
	t.Run("increments throttled attempt counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncRateLimited()
		m.IncRateLimited()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.RateLimited)
	})
}

func TestMetricsProgressCounters(t *testing.T) {
	t.Run("owner, federation, and metering counters register", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncOwnersDisabled()
		m.IncFederationErrors()
		m.IncFederationErrors()
		m.IncMeteringDropped()

		assert.Equal(t, 1.0, testutil.ToFloat64(m.promOwnersDisabled))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.promFederationErrors))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.promMeteringDropped))
	})
}

func TestMetricsObserveFanout(t *testing.T) {
	t.Run("records each published message once", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.ObserveFanout(0)
		m.ObserveFanout(3)
		m.ObserveFanout(120)

		count := testutil.CollectAndCount(reg, "streamrelay_message_fanout")
		assert.Equal(t, 1, count)
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncConnectionsTotal()
		m.IncConnectionsTotal()
		m.IncMessages()
		m.IncAuthFailures()
		m.IncRateLimited()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.ConnectionsTotal)
		assert.Equal(t, int64(1), snap.Messages)
		assert.Equal(t, int64(1), snap.AuthFailures)
		assert.Equal(t, int64(1), snap.RateLimited)
	})
}
