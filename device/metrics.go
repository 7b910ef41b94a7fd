package device

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/facebridge/metric"
)

// Metrics holds Prometheus metrics for the inbound server.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	commandsTotal     *prometheus.CounterVec
	authFailures      prometheus.Counter
	errorsTotal       *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "facebridge",
			Subsystem: "device",
			Name:      "connections_active",
			Help:      "Number of active terminal connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "device",
			Name:      "connections_total",
			Help:      "Total terminal connections accepted",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "device",
			Name:      "commands_total",
			Help:      "Commands handled by name and result",
		}, []string{"cmd", "result"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "device",
			Name:      "auth_failures_total",
			Help:      "Total rejected credential handshakes",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "device",
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
	}

	registry.RegisterGauge("device", "connections_active", m.connectionsActive)
	registry.RegisterCounter("device", "connections_total", m.connectionsTotal)
	registry.RegisterCounterVec("device", "commands_total", m.commandsTotal)
	registry.RegisterCounter("device", "auth_failures", m.authFailures)
	registry.RegisterCounterVec("device", "errors_total", m.errorsTotal)

	return m
}

func (m *Metrics) trackCommand(cmd string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.commandsTotal.WithLabelValues(cmd, result).Inc()
}

func (m *Metrics) trackError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType).Inc()
}
