package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room coordinator.
//
// Naming convention: namespace_subsystem_name
// - namespace: room_coordinator (application-level grouping)
// - subsystem: websocket, room, data, lock, storage (feature-level grouping)
// - name: specific metric (sessions_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: current state (sessions, rooms, breaker state)
// - Counter: cumulative events (frames dispatched, rollbacks, drops)
// - Histogram: latency distributions (dispatch time, storage ops)

var (
	// ActiveSessions tracks the current number of live WebSocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "room_coordinator",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of live WebSocket sessions",
	})

	// ActiveRooms tracks the current number of resident rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "room_coordinator",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of resident rooms",
	})

	// RoomSessions tracks the number of sessions attached to each room.
	RoomSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "room_coordinator",
		Subsystem: "room",
		Name:      "sessions_count",
		Help:      "Number of sessions attached to each room",
	}, []string{"room"})

	// FramesTotal counts inbound frames by method and dispatch outcome.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Inbound frames by method and dispatch outcome",
	}, []string{"method", "status"})

	// DispatchDuration tracks time spent dispatching one inbound frame.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "room_coordinator",
		Subsystem: "websocket",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching one inbound frame",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"method"})

	// DroppedSends counts outbound frames dropped because a session's send
	// buffer was full or its transport already failed.
	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "websocket",
		Name:      "dropped_sends_total",
		Help:      "Outbound frames dropped due to slow or dead sessions",
	})

	// Rollbacks counts stale data-model writes answered with a corrective frame.
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "data",
		Name:      "rollbacks_total",
		Help:      "Stale data-model writes answered with a rollback frame",
	})

	// DeadHandRemoves counts map removals synthesized by disconnect cleanup.
	DeadHandRemoves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "data",
		Name:      "dead_hand_removes_total",
		Help:      "Map removals synthesized when an owning session departed",
	})

	// LockGrants counts lockResponse emissions, client-driven or synthesized.
	LockGrants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "lock",
		Name:      "grants_total",
		Help:      "Lock grants emitted by the lock state machine",
	})

	// StorageOperations counts storage round trips by backend, operation and outcome.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Storage operations by backend, operation and outcome",
	}, []string{"backend", "operation", "status"})

	// StorageOperationDuration tracks storage round-trip latency.
	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "room_coordinator",
		Subsystem: "storage",
		Name:      "operation_seconds",
		Help:      "Storage operation latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"backend", "operation"})

	// CircuitBreakerState reports the breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "room_coordinator",
		Subsystem: "storage",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_coordinator",
		Subsystem: "storage",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected because the circuit breaker was open",
	}, []string{"name"})
)

// IncSession records a session attach.
func IncSession(room string) {
	ActiveSessions.Inc()
	RoomSessions.WithLabelValues(room).Inc()
}

// DecSession records a session departure.
func DecSession(room string) {
	ActiveSessions.Dec()
	RoomSessions.WithLabelValues(room).Dec()
}

// RoomOpened records a room coming resident.
func RoomOpened() {
	ActiveRooms.Inc()
}

// RoomClosed records a room teardown and drops its per-room series.
func RoomClosed(room string) {
	ActiveRooms.Dec()
	RoomSessions.DeleteLabelValues(room)
}

// RecordFrame records the dispatch outcome for one inbound frame.
func RecordFrame(method, status string) {
	FramesTotal.WithLabelValues(method, status).Inc()
}

// RecordStorageOperation records one storage round trip.
func RecordStorageOperation(backend, operation string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperations.WithLabelValues(backend, operation, status).Inc()
	StorageOperationDuration.WithLabelValues(backend, operation).Observe(seconds)
}
