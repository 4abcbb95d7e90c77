package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpened tracks Session.Init attempts by terminal result.
	SessionsOpened = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Total number of sessions that reached the running state or aborted trying to.",
		},
		[]string{"result"}, // running, handshake_failed, connection_invalid, init_failed
	)

	// SessionsActive is the number of sessions currently in the running state.
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions currently running.",
		},
	)

	// SessionsClosed tracks Session.Close calls.
	SessionsClosed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of sessions closed.",
		},
	)

	// InitGateResults counts the init-gate tokens the InitExtension receives
	// from the remote peer. A local Continue that times out is not counted.
	InitGateResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "init_gate",
			Name:      "results_total",
			Help:      "Outcome of the init-gate mini-protocol per session.",
		},
		[]string{"result"}, // valid, invalid
	)

	// HandshakeStageDuration tracks how long each Session.open stage takes.
	HandshakeStageDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each Session lifecycle stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"stage"}, // extension_init, init_gate, handshake
	)
)
