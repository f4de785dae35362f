package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StatusChecksTotal counts status fetches by result (success/failure).
	StatusChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_status_checks_total",
			Help: "Total number of VM status checks issued by the gate.",
		},
		[]string{"result"},
	)

	// StatusCheckSeconds observes status fetch latency.
	StatusCheckSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmgate_status_check_seconds",
			Help:    "Latency of VM status checks.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TransitionsTotal counts gate state machine transitions by event.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_transitions_total",
			Help: "Total number of gate transition events.",
		},
		[]string{"event"},
	)

	// GateBlocked reports whether the gate is currently blocking (1) or
	// passing traffic through (0).
	GateBlocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmgate_gate_blocked",
			Help: "Whether the gate is blocking the application (1=blocked).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		StatusChecksTotal,
		StatusCheckSeconds,
		TransitionsTotal,
		GateBlocked,
	)
}
