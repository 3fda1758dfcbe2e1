package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "frames_sent_total",
			Help:      "Frames written to the bridge.",
		},
		[]string{"transport", "type"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "frames_received_total",
			Help:      "Frames read from the bridge.",
		},
		[]string{"transport", "type"},
	)
	unhandledFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "unhandled_frames_total",
			Help:      "Inbound frames with no handler and no pending reply.",
		},
		[]string{"transport", "type"},
	)
	replyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "reply_outcomes_total",
			Help:      "Resolved reply waits by outcome.",
		},
		[]string{"transport", "outcome"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		},
		[]string{"transport"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		},
		[]string{"transport", "to"},
	)
	reconnectDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgebus",
			Subsystem: "bridge",
			Name:      "reconnect_delay_seconds",
			Help:      "Delay before each scheduled reconnect attempt.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)

// Reply outcomes.
const (
	OutcomeReply   = "reply"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeClosed  = "closed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesSent,
			framesReceived,
			unhandledFrames,
			replyOutcomes,
			reconnectAttempts,
			stateTransitions,
			reconnectDelay,
		)
	})
}

func RecordFrameSent(transport, frameType string) {
	RegisterMetrics()
	framesSent.WithLabelValues(transport, frameType).Inc()
}

func RecordFrameReceived(transport, frameType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(transport, frameType).Inc()
}

func RecordUnhandled(transport, frameType string) {
	RegisterMetrics()
	unhandledFrames.WithLabelValues(transport, frameType).Inc()
}

func RecordReplyOutcome(transport, outcome string) {
	RegisterMetrics()
	replyOutcomes.WithLabelValues(transport, outcome).Inc()
}

func RecordReconnect(transport string, delaySeconds float64) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(transport).Inc()
	reconnectDelay.WithLabelValues(transport).Observe(delaySeconds)
}

func RecordStateTransition(transport, to string) {
	RegisterMetrics()
	stateTransitions.WithLabelValues(transport, to).Inc()
}
