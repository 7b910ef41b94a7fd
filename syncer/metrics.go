package syncer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/facebridge/metric"
)

// Metrics holds Prometheus metrics for the sync pipeline.
type Metrics struct {
	recordsForwarded prometheus.Counter
	forwardFailures  prometheus.Counter
	polls            prometheus.Counter
	queueDrops       prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		recordsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "syncer",
			Name:      "records_forwarded_total",
			Help:      "Attendance records delivered and marked synced",
		}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "syncer",
			Name:      "forward_failures_total",
			Help:      "Forward attempts that failed or were rejected",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "syncer",
			Name:      "polls_total",
			Help:      "Unsynced-record poll cycles",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "facebridge",
			Subsystem: "syncer",
			Name:      "queue_drops_total",
			Help:      "Enqueue attempts dropped because the queue was full",
		}),
	}

	registry.RegisterCounter("syncer", "records_forwarded", m.recordsForwarded)
	registry.RegisterCounter("syncer", "forward_failures", m.forwardFailures)
	registry.RegisterCounter("syncer", "polls", m.polls)
	registry.RegisterCounter("syncer", "queue_drops", m.queueDrops)

	return m
}
