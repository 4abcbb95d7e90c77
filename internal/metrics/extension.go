package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExtensionMessages tracks every frame an Extension sends or receives.
	ExtensionMessages = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "messages_total",
			Help:      "Total extension messages by direction and result.",
		},
		[]string{"extension", "direction", "result"}, // direction: send,receive; result: ok,error,timeout,oneway,dropped
	)

	// PendingCalls is the number of PendingCall entries currently outstanding.
	PendingCalls = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "pending_calls",
			Help:      "Number of in-flight non-oneway sends awaiting a response.",
		},
		[]string{"extension"},
	)

	// SendLatency tracks round-trip time for non-oneway sends that resolved.
	SendLatency = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "send_latency_seconds",
			Help:      "Round-trip latency of non-oneway Extension.Send calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"extension"},
	)
)
