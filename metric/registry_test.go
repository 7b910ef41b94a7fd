package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndCollect(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facebridge_test_events_total",
		Help: "Test counter",
	})
	require.NoError(t, registry.RegisterCounter("device", "events_total", counter))
	counter.Add(3)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "facebridge_test_events_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(3), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "registered counter should be gatherable")
}

func TestRegistry_DuplicateKeyRejected(t *testing.T) {
	registry := NewRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_a_total", Help: "a"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_b_total", Help: "b"})

	require.NoError(t, registry.RegisterCounter("svc", "dup", c1))
	assert.Error(t, registry.RegisterCounter("svc", "dup", c2))
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "g"})
	require.NoError(t, registry.RegisterGauge("svc", "temp", gauge))

	assert.True(t, registry.Unregister("svc", "temp"))
	assert.False(t, registry.Unregister("svc", "temp"))

	// Re-registration works after unregister.
	require.NoError(t, registry.RegisterGauge("svc", "temp", gauge))
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "handler_hits_total", Help: "h"})
	require.NoError(t, registry.RegisterCounter("svc", "hits", counter))
	counter.Inc()

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "handler_hits_total 1")
}
