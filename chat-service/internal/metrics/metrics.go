// Package metrics provides Prometheus metrics for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
)

var (
	// ActiveConnections tracks open websocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Number of currently open live-class websocket connections",
		},
	)

	// RoomJoins counts join-room requests by outcome.
	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_room_joins_total",
			Help: "Total number of join-room requests",
		},
		[]string{"result"},
	)

	// MessagesSent counts send-message requests by outcome.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of send-message requests",
		},
		[]string{"result"},
	)

	// ModerationActions counts moderation requests by action and outcome.
	ModerationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_moderation_actions_total",
			Help: "Total number of moderation requests",
		},
		[]string{"action", "result"},
	)

	// TranscriptsArchived counts transcripts written to object storage.
	TranscriptsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_transcripts_archived_total",
			Help: "Total number of cleared transcripts archived",
		},
	)

	// HandleDuration tracks how long each client event takes to handle.
	HandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_event_handle_duration_seconds",
			Help:    "Duration of live-class event handling",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"event"},
	)
)

func result(err error) string {
	if err != nil {
		return ResultRejected
	}
	return ResultOK
}

// RecordJoin records a join-room outcome.
func RecordJoin(err error) {
	RoomJoins.WithLabelValues(result(err)).Inc()
}

// RecordMessage records a send-message outcome.
func RecordMessage(err error) {
	MessagesSent.WithLabelValues(result(err)).Inc()
}

// RecordModeration records a moderation outcome.
func RecordModeration(action string, err error) {
	ModerationActions.WithLabelValues(action, result(err)).Inc()
}

// ObserveHandle records handling time of one event.
func ObserveHandle(event string, seconds float64) {
	HandleDuration.WithLabelValues(event).Observe(seconds)
}
