package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stinger_audit_events_total",
			Help: "Total number of audit events accepted by the trail",
		},
		[]string{"type"},
	)

	auditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stinger_audit_dropped_total",
			Help: "Total number of audit events dropped under backpressure",
		},
	)

	auditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stinger_audit_queue_depth",
			Help: "Current number of audit events waiting for the writer",
		},
	)

	auditSinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stinger_audit_sink_writes_total",
			Help: "Total number of sink write calls, by outcome",
		},
		[]string{"outcome"},
	)
)
