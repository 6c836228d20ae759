package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation log
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_messages_appended_total",
			Help: "Messages inserted into the conversation log",
		},
		[]string{"source"}, // "local", "remote" or "history"
	)

	MessagesDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_messages_duplicate_total",
			Help: "Messages dropped because the room already held them",
		},
		[]string{"source"},
	)

	// Session
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_frames_received_total",
			Help: "Inbound frames by classified kind",
		},
		[]string{"kind"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_frames_dropped_total",
			Help: "Inbound frames dropped",
		},
		[]string{"reason"}, // "malformed" or "unhandled"
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_requests_total",
			Help: "One-shot requests by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairchat_request_duration_seconds",
			Help:    "One-shot request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"event"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairchat_reconnect_attempts_total",
			Help: "Reconnect dials after a lost connection",
		},
	)

	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairchat_session_state",
			Help: "Current session state (0 disconnected .. 6 closed)",
		},
	)

	// Presence
	OnlinePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairchat_online_peers",
			Help: "Peers in the current presence view",
		},
	)
)
