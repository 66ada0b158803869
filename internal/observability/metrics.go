package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnectionsTotal is the gauge of open WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldroom_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// OnlineSessions is the gauge of authenticated sessions with a fresh heartbeat.
	OnlineSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldroom_online_sessions",
		Help: "Authenticated sessions with a recent heartbeat",
	})

	// WebSocketEventsTotal counts inbound commands by event name.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessageThroughput counts accepted messages by kind (room, private, support).
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_message_throughput_total",
		Help: "Total number of messages processed",
	}, []string{"message_type"})

	// HistoryTruncations counts appends that evicted history.
	HistoryTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldroom_history_truncations_total",
		Help: "Room appends that evicted the oldest message",
	})

	// CommandDuration records coordinator handler latency.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coldroom_command_duration_seconds",
		Help:    "Time spent handling one command on the coordinator loop",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	}, []string{"event_type"})

	// CommandErrors counts rejected commands by event and error code.
	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_command_errors_total",
		Help: "Commands rejected with an error",
	}, []string{"event_type", "code"})

	// HandlerPanics counts recovered handler panics.
	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldroom_handler_panics_total",
		Help: "Command handler panics recovered by the coordinator",
	})

	// RestrictionsImposed counts mutes and bans.
	RestrictionsImposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_restrictions_imposed_total",
		Help: "Restrictions imposed by kind",
	}, []string{"kind"})

	// SnapshotWrites counts snapshot attempts by backend and result.
	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_snapshot_writes_total",
		Help: "Snapshot writes by backend and result",
	}, []string{"backend", "result"})

	// SnapshotDuration records encode plus write time.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coldroom_snapshot_duration_seconds",
		Help:    "Time to encode and persist one snapshot",
		Buckets: prometheus.DefBuckets,
	})

	// SnapshotBytes is the size of the last persisted snapshot.
	SnapshotBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldroom_snapshot_bytes",
		Help: "Size of the last persisted snapshot",
	})

	// PresenceMirrorErrors counts failed or dropped presence mirror updates.
	PresenceMirrorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldroom_presence_mirror_errors_total",
		Help: "Presence mirror updates that failed or were dropped",
	}, []string{"reason"})

	// JanitorRetired counts identities retired for inactivity.
	JanitorRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldroom_janitor_retired_total",
		Help: "Identities retired for inactivity",
	})
)
