package authority

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/facebridge/metric"
)

// Metrics holds Prometheus metrics for the outbound client.
type Metrics struct {
	connected        prometheus.Gauge
	reconnects       prometheus.Counter
	requestsSent     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	commandsReceived *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "facebridge",
			Subsystem: "authority",
			Name:      "connected",
			Help:      "Whether the outbound connection is up (0 or 1)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "authority",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnection attempts",
		}),
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "authority",
			Name:      "requests_sent_total",
			Help:      "Outbound requests by command",
		}, []string{"cmd"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "facebridge",
			Subsystem: "authority",
			Name:      "request_duration_seconds",
			Help:      "Request/response round-trip duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}, []string{"cmd"}),
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "authority",
			Name:      "commands_received_total",
			Help:      "Authority-initiated commands by name",
		}, []string{"cmd"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "authority",
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
	}

	registry.RegisterGauge("authority", "connected", m.connected)
	registry.RegisterCounter("authority", "reconnect_attempts", m.reconnects)
	registry.RegisterCounterVec("authority", "requests_sent", m.requestsSent)
	registry.RegisterHistogramVec("authority", "request_duration", m.requestDuration)
	registry.RegisterCounterVec("authority", "commands_received", m.commandsReceived)
	registry.RegisterCounterVec("authority", "errors_total", m.errorsTotal)

	return m
}

func (m *Metrics) trackError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType).Inc()
}
