package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bytechat_messages_total",
			Help: "Total messages accepted and relayed",
		},
	)

	JoinsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bytechat_joins_rejected_total",
			Help: "Join attempts rejected by admission control",
		},
		[]string{"reason"}, // "room_full" or "duplicate_name"
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bytechat_storage_errors_total",
			Help: "Message persistence failures (messages still broadcast)",
		},
	)

	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bytechat_dropped_frames_total",
			Help: "Outbound frames dropped because a peer outbox was full",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bytechat_active_rooms",
			Help: "Rooms with at least one participant",
		},
	)

	ActiveParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bytechat_active_participants",
			Help: "Currently connected, admitted participants",
		},
	)

	DatabaseSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bytechat_database_size_bytes",
			Help: "Size of the message database file in bytes",
		},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bytechat_uptime_seconds",
			Help: "Relay process uptime in seconds",
		},
	)
)
