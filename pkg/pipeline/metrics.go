package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stinger_checks_total",
			Help: "Total number of pipeline checks by kind and folded action",
		},
		[]string{"kind", "action"},
	)

	checkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stinger_check_duration_seconds",
			Help:    "End-to-end pipeline check latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	guardrailDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stinger_guardrail_duration_seconds",
			Help:    "Per-guardrail analyze latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	guardrailErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stinger_guardrail_errors_total",
			Help: "Total number of guardrail failures by kind and applied error policy",
		},
		[]string{"kind", "policy"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stinger_rate_limit_hits_total",
			Help: "Total number of checks refused by the rate limiter",
		},
		[]string{"scope"},
	)
)
