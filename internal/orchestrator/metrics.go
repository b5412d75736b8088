package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "routes_total",
			Help:      "Total routed chat requests",
		},
		[]string{"strategy", "status"}, // "success", "error", "canceled"
	)

	routeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "route_duration_seconds",
			Help:      "End-to-end duration of routed requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"strategy"},
	)

	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "agent_fallbacks_total",
			Help:      "Agent pipeline fallbacks to the standard strategy",
		},
		[]string{"reason"},
	)

	agentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "agent_executions_total",
			Help:      "Agent executions by type and outcome",
		},
		[]string{"agent_type", "status"},
	)

	intentConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "switchyard",
			Name:      "intent_confidence",
			Help:      "Confidence of intent classifications",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	statusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchyard",
			Name:      "status_events_total",
			Help:      "Status transitions reported to observers",
		},
		[]string{"stage"},
	)
)
