package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lunarscape/roomd/internal/v1/wire"
)

// written is one frame a mock connection saw on its write side.
type written struct {
	messageType int
	data        []byte
}

// mockConn is a scriptable wsConn. Inbound frames are injected through a
// channel the read pump blocks on; outbound frames land in a buffered
// channel tests drain with nextWrite.
type mockConn struct {
	inbound   chan written
	writes    chan written
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan written, 64),
		writes:  make(chan written, 1024),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.messageType, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.writes <- written{messageType: messageType, data: append([]byte(nil), data...)}
	return nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) SetWriteDeadline(time.Time) error { return nil }

// inject queues one inbound frame for the read pump.
func (c *mockConn) inject(messageType int, data []byte) {
	c.inbound <- written{messageType: messageType, data: data}
}

// nextWrite returns the next outbound frame, failing the test on timeout.
func (c *mockConn) nextWrite(t *testing.T) written {
	t.Helper()
	select {
	case w := <-c.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return written{}
	}
}

// nextBinary returns the next outbound binary frame and its decoded method.
func (c *mockConn) nextBinary(t *testing.T) (wire.Method, []byte) {
	t.Helper()
	w := c.nextWrite(t)
	require.Equal(t, websocket.BinaryMessage, w.messageType)
	m, err := wire.DecodeMethod(w.data)
	require.NoError(t, err)
	return m, w.data
}

// memKV is an in-memory storage.KV that counts reads per key, for asserting
// the single-flight property.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	gets map[string]int

	// gate, when non-nil, blocks every Get until released. Used to hold an
	// initialization in flight while more attachers arrive.
	gate chan struct{}
}

func newMemKV() *memKV {
	return &memKV{
		data: make(map[string][]byte),
		gets: make(map[string]int),
	}
}

func (kv *memKV) Get(_ context.Context, key string) ([]byte, error) {
	kv.mu.Lock()
	gate := kv.gate
	kv.gets[key]++
	kv.mu.Unlock()
	if gate != nil {
		<-gate
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.data[key], nil
}

func (kv *memKV) Put(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = append([]byte(nil), value...)
	return nil
}

func (kv *memKV) getCount(key string) int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.gets[key]
}

func (kv *memKV) value(key string) []byte {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.data[key]
}

// failKV fails every read, for exercising the attach failure path.
type failKV struct{}

func (failKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage unavailable")
}

func (failKV) Put(context.Context, string, []byte) error {
	return errors.New("storage unavailable")
}

// testClient is one attached session driven through a mock connection.
type testClient struct {
	conn *mockConn
	sess *Session
	done chan struct{}
}

// connect attaches a new session and starts its read pump, then drains the
// three snapshot frames unless the caller wants to inspect them.
func connect(t *testing.T, room *Room, playerID string) *testClient {
	t.Helper()
	conn := newMockConn()
	sess, err := room.attach(context.Background(), conn, playerID)
	require.NoError(t, err)

	tc := &testClient{conn: conn, sess: sess, done: make(chan struct{})}
	go func() {
		defer close(tc.done)
		sess.readPump()
	}()
	return tc
}

// drainSnapshots consumes the attach sequence's three frames, asserting
// their order, and returns them.
func (tc *testClient) drainSnapshots(t *testing.T) (dataSnap, docSnap, initFrame []byte) {
	t.Helper()
	m, dataSnap := tc.conn.nextBinary(t)
	require.Equal(t, wire.MethodDataImport, m, "first snapshot must be the data import")
	m, docSnap = tc.conn.nextBinary(t)
	require.Equal(t, wire.MethodDocUpdate, m, "second snapshot must be the document state")
	m, initFrame = tc.conn.nextBinary(t)
	require.Equal(t, wire.MethodInitPlayers, m, "third snapshot must be the player list")
	return dataSnap, docSnap, initFrame
}

// send injects one binary frame and returns once the room dispatched it.
// Dispatch runs on the read pump goroutine, so a chat echo is used as a
// barrier when ordering matters; plain sends just queue.
func (tc *testClient) send(frame []byte) {
	tc.conn.inject(websocket.BinaryMessage, frame)
}

// disconnect closes the transport and waits for the read pump to finish its
// cleanup.
func (tc *testClient) disconnect(t *testing.T) {
	t.Helper()
	_ = tc.conn.Close()
	select {
	case <-tc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump did not exit")
	}
}

// newTestRoom builds a room over kv with no GC callback, torn down with the
// test.
func newTestRoom(t *testing.T, kv *memKV) *Room {
	t.Helper()
	room := newRoom(context.Background(), "r1", kv, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = room.shutdown(ctx)
	})
	return room
}

func encodeUpdate(t *testing.T, arrayID, indexID string, fields wire.FieldMap) []byte {
	t.Helper()
	b, err := wire.EncodeDataUpdate(wire.DataUpdateFrame{ArrayID: arrayID, IndexID: indexID, Fields: fields})
	require.NoError(t, err)
	return b
}

func encodeLockFrame(t *testing.T, m wire.Method, name, playerID string) []byte {
	t.Helper()
	b, err := wire.EncodeLock(m, wire.LockFrame{Name: name, PlayerID: playerID})
	require.NoError(t, err)
	return b
}

func encodeChat(t *testing.T, text string) []byte {
	t.Helper()
	b, err := wire.EncodeFrame(wire.MethodChat, text)
	require.NoError(t, err)
	return b
}

func fieldsAt(ts uint64, name string, value any) wire.FieldMap {
	return wire.FieldMap{name: wire.Timestamped{TS: ts, Value: value}}
}
