package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionGauges(t *testing.T) {
	before := testutil.ToFloat64(ActiveSessions)

	IncSession("room-metrics-1")
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(RoomSessions.WithLabelValues("room-metrics-1")))

	DecSession("room-metrics-1")
	assert.Equal(t, before, testutil.ToFloat64(ActiveSessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(RoomSessions.WithLabelValues("room-metrics-1")))
}

func TestRoomLifecycleDropsSeries(t *testing.T) {
	before := testutil.ToFloat64(ActiveRooms)

	RoomOpened()
	IncSession("room-metrics-2")
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveRooms))

	RoomClosed("room-metrics-2")
	assert.Equal(t, before, testutil.ToFloat64(ActiveRooms))
	// The per-room series is deleted; a fresh lookup starts at zero.
	assert.Equal(t, 0.0, testutil.ToFloat64(RoomSessions.WithLabelValues("room-metrics-2")))
}

func TestRecordFrame(t *testing.T) {
	RecordFrame("dataUpdate", "ok")
	val := testutil.ToFloat64(FramesTotal.WithLabelValues("dataUpdate", "ok"))
	assert.GreaterOrEqual(t, val, 1.0)
}

func TestRecordStorageOperation(t *testing.T) {
	RecordStorageOperation("redis", "get", 0.002, nil)
	assert.GreaterOrEqual(t, testutil.ToFloat64(StorageOperations.WithLabelValues("redis", "get", "success")), 1.0)

	RecordStorageOperation("redis", "put", 0.002, assert.AnError)
	assert.GreaterOrEqual(t, testutil.ToFloat64(StorageOperations.WithLabelValues("redis", "put", "error")), 1.0)
}

func TestBreakerCollectors(t *testing.T) {
	CircuitBreakerState.WithLabelValues("storage").Set(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("storage")))

	CircuitBreakerFailures.WithLabelValues("storage").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(CircuitBreakerFailures.WithLabelValues("storage")), 1.0)
}
