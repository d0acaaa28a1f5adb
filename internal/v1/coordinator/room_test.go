package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarscape/roomd/internal/v1/wire"
)

const roomPrefix = "room:r1:"

// barrier makes dispatch ordering deterministic across connections: a chat
// frame reflects to its sender, so once the echo is read every frame the
// client sent earlier has been dispatched.
func (tc *testClient) barrier(t *testing.T) {
	t.Helper()
	tc.send(encodeChat(t, "barrier"))
	m, _ := tc.conn.nextBinary(t)
	require.Equal(t, wire.MethodChat, m)
}

func TestAttach_SnapshotsArriveInOrder(t *testing.T) {
	room := newTestRoom(t, newMemKV())

	a := connect(t, room, "a")
	_, _, initFrame := a.drainSnapshots(t)

	ids, err := wire.DecodeInitPlayers(initFrame)
	require.NoError(t, err)
	assert.Empty(t, ids, "first session sees no peers")
}

func TestAttach_SnapshotBeforeLiveUpdates(t *testing.T) {
	room := newTestRoom(t, newMemKV())

	a := connect(t, room, "a")
	a.drainSnapshots(t)
	a.send(encodeUpdate(t, "worldApps", "x1", fieldsAt(1, "pos", "3")))
	a.barrier(t)

	b := connect(t, room, "b")
	dataSnap, _, initFrame := b.drainSnapshots(t)

	// B's import already contains A's update; it never sees the update as a
	// bare frame it would have to apply to an empty replica.
	arrays, err := wire.DecodeDataImport(dataSnap)
	require.NoError(t, err)
	require.Contains(t, arrays["worldApps"], "x1")
	assert.Equal(t, uint64(1), arrays["worldApps"]["x1"]["pos"].TS)

	ids, err := wire.DecodeInitPlayers(initFrame)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestAttach_JoinProxiedToPeersOnly(t *testing.T) {
	room := newTestRoom(t, newMemKV())

	a := connect(t, room, "a")
	a.drainSnapshots(t)

	b := connect(t, room, "b")
	b.drainSnapshots(t)

	m, frame := a.conn.nextBinary(t)
	require.Equal(t, wire.MethodJoin, m)
	id, err := wire.DecodePresence(wire.MethodJoin, frame)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestAttach_AnonymousSessionSendsNoJoin(t *testing.T) {
	room := newTestRoom(t, newMemKV())

	a := connect(t, room, "a")
	a.drainSnapshots(t)

	anon := connect(t, room, "")
	anon.drainSnapshots(t)

	// The next thing A sees must be the chat echo, not a join.
	anon.barrier(t)
	m, _ := a.conn.nextBinary(t)
	assert.Equal(t, wire.MethodChat, m)
}

func TestDispatch_ChatReflectsToAllIncludingOrigin(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	a.send(encodeChat(t, "hello"))

	m, _ := a.conn.nextBinary(t)
	assert.Equal(t, wire.MethodChat, m, "irc traffic reflects to the originator")
	m, _ = b.conn.nextBinary(t)
	assert.Equal(t, wire.MethodChat, m)
}

func TestDispatch_AudioProxiesToPeersOnly(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	audio, err := wire.EncodeFrame(wire.MethodAudio, []byte{0x01, 0x02})
	require.NoError(t, err)
	a.send(audio)

	m, _ := b.conn.nextBinary(t)
	assert.Equal(t, wire.MethodAudio, m)
	// A sees only its own chat echo next: audio never reflects.
	a.barrier(t)
}

func TestDispatch_UnknownMethodSilentlyDropped(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	unknown, err := wire.EncodeFrame(wire.Method(99), "payload")
	require.NoError(t, err)
	a.send(unknown)
	a.barrier(t)

	m, _ := b.conn.nextBinary(t)
	assert.Equal(t, wire.MethodChat, m, "peers see only the barrier, never the unknown frame")
}

func TestDispatch_TextFrameRejectedToSenderOnly(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)

	a.conn.inject(websocket.TextMessage, []byte("not binary"))

	w := a.conn.nextWrite(t)
	assert.Equal(t, websocket.TextMessage, w.messageType)
	assert.JSONEq(t, `{"error": "binary frames only"}`, string(w.data))

	// The session survives the violation.
	a.barrier(t)
}

func TestDispatch_RollbackGoesToOriginatorOnly(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	a.send(encodeUpdate(t, "worldApps", "x1", fieldsAt(5, "pos", "1")))
	m, _ := b.conn.nextBinary(t)
	require.Equal(t, wire.MethodDataUpdate, m)

	// Stale write: rejected, corrective frame to A alone.
	a.send(encodeUpdate(t, "worldApps", "x1", fieldsAt(3, "pos", "9")))

	m, rollback := a.conn.nextBinary(t)
	require.Equal(t, wire.MethodDataUpdate, m)
	f, err := wire.DecodeDataUpdate(rollback)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.Fields["pos"].TS, "rollback carries the authoritative cell")

	// B sees only the barrier next: the rollback never reached it.
	a.barrier(t)
	m, _ = b.conn.nextBinary(t)
	assert.Equal(t, wire.MethodChat, m)
}

func TestDisconnect_DeadHandRemovesOwnedMap(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)

	// Creating a map claims it for the creator.
	a.send(encodeUpdate(t, "worldApps", "x1", fieldsAt(1, "pos", "3")))
	a.barrier(t)

	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	a.disconnect(t)

	m, frame := b.conn.nextBinary(t)
	require.Equal(t, wire.MethodDataRemove, m)
	f, err := wire.DecodeDataRemove(frame)
	require.NoError(t, err)
	assert.Equal(t, "worldApps", f.ArrayID)
	assert.Equal(t, "x1", f.IndexID)
	assert.Greater(t, f.TS, uint64(1), "synthesized remove must win over the map's fields")

	m, frame = b.conn.nextBinary(t)
	require.Equal(t, wire.MethodLeave, m)
	id, err := wire.DecodePresence(wire.MethodLeave, frame)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestDisconnect_ArrayScopeDeadHandRemovesEveryMap(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	// B populates the array, then A claims the whole of it.
	b.send(encodeUpdate(t, "worldApps", "x1", fieldsAt(1, "pos", "1")))
	b.send(encodeUpdate(t, "worldApps", "x2", fieldsAt(1, "pos", "2")))
	b.barrier(t)

	claim, err := wire.EncodeHand(wire.MethodDataClaim, wire.HandFrame{Key: "worldApps", PlayerID: "a", TS: 1})
	require.NoError(t, err)
	a.send(claim)
	a.barrier(t)

	// B saw the claim and the barrier echo before the disconnect.
	m, _ := b.conn.nextBinary(t)
	require.Equal(t, wire.MethodDataClaim, m)
	m, _ = b.conn.nextBinary(t)
	require.Equal(t, wire.MethodChat, m)

	a.disconnect(t)

	var removed []string
	for {
		m, frame := b.conn.nextBinary(t)
		if m == wire.MethodLeave {
			break
		}
		require.Equal(t, wire.MethodDataRemove, m)
		f, err := wire.DecodeDataRemove(frame)
		require.NoError(t, err)
		removed = append(removed, f.IndexID)
	}
	assert.ElementsMatch(t, []string{"x1", "x2"}, removed)
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	a.disconnect(t)
	room.handleDisconnect(a.sess) // double fire must be harmless

	m, _ := b.conn.nextBinary(t)
	require.Equal(t, wire.MethodLeave, m)

	// Only the barrier follows: no second leave was broadcast.
	b.barrier(t)
}

func TestDeadHand_ExclusiveAcrossSessions(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	claimA, err := wire.EncodeHand(wire.MethodDataClaim, wire.HandFrame{Key: "worldApps", PlayerID: "a", TS: 1})
	require.NoError(t, err)
	a.send(claimA)
	m, _ := b.conn.nextBinary(t)
	require.Equal(t, wire.MethodDataClaim, m)

	claimB, err := wire.EncodeHand(wire.MethodDataClaim, wire.HandFrame{Key: "worldApps", PlayerID: "b", TS: 2})
	require.NoError(t, err)
	b.send(claimB)
	b.barrier(t)

	room.mu.Lock()
	_, aOwns := a.sess.deadHands["worldApps"]
	_, bOwns := b.sess.deadHands["worldApps"]
	room.mu.Unlock()
	assert.False(t, aOwns, "ownership moved to b")
	assert.True(t, bOwns)
}

func TestLocks_HandoffOnRelease(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	a.send(encodeLockFrame(t, wire.MethodLockRequest, "L", "a"))
	m, frame := a.conn.nextBinary(t)
	require.Equal(t, wire.MethodLockResponse, m)
	lf, err := wire.DecodeLock(m, frame)
	require.NoError(t, err)
	assert.Equal(t, "a", lf.PlayerID)
	m, _ = b.conn.nextBinary(t) // grants reflect to every session
	require.Equal(t, wire.MethodLockResponse, m)

	// B queues; no response until the handoff.
	b.send(encodeLockFrame(t, wire.MethodLockRequest, "L", "b"))
	b.barrier(t)

	a.send(encodeLockFrame(t, wire.MethodLockRelease, "L", "a"))
	m, frame = b.conn.nextBinary(t)
	require.Equal(t, wire.MethodLockResponse, m)
	lf, err = wire.DecodeLock(m, frame)
	require.NoError(t, err)
	assert.Equal(t, "b", lf.PlayerID)
}

func TestLocks_HandoffOnDisconnect(t *testing.T) {
	room := newTestRoom(t, newMemKV())
	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)
	a.conn.nextBinary(t) // b's join

	a.send(encodeLockFrame(t, wire.MethodLockRequest, "L", "a"))
	m, _ := b.conn.nextBinary(t) // a's grant
	require.Equal(t, wire.MethodLockResponse, m)
	b.send(encodeLockFrame(t, wire.MethodLockRequest, "L", "b"))
	b.barrier(t)

	a.disconnect(t)

	// B is promoted without sending another request.
	m, frame := b.conn.nextBinary(t)
	require.Equal(t, wire.MethodLockResponse, m)
	lf, err := wire.DecodeLock(m, frame)
	require.NoError(t, err)
	assert.Equal(t, "b", lf.PlayerID)

	m, _ = b.conn.nextBinary(t)
	assert.Equal(t, wire.MethodLeave, m)
}

func TestSingleFlight_SequentialAttachesShareOneLoad(t *testing.T) {
	kv := newMemKV()
	room := newTestRoom(t, kv)

	a := connect(t, room, "a")
	a.drainSnapshots(t)
	b := connect(t, room, "b")
	b.drainSnapshots(t)

	assert.Equal(t, 1, kv.getCount(roomPrefix+"worldApps"))
	assert.Equal(t, 1, kv.getCount(roomPrefix+"crdt"))
}

func TestSingleFlight_ConcurrentAttachesShareOneLoad(t *testing.T) {
	kv := newMemKV()
	kv.gate = make(chan struct{})
	room := newTestRoom(t, kv)

	const attachers = 4
	var wg sync.WaitGroup
	clients := make([]*testClient, attachers)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newMockConn()
			sess, err := room.attach(context.Background(), conn, "")
			require.NoError(t, err)
			done := make(chan struct{})
			clients[i] = &testClient{conn: conn, sess: sess, done: done}
			go func() {
				defer close(done)
				sess.readPump()
			}()
		}(i)
	}

	// Let every attacher reach the flight, then release storage.
	time.Sleep(50 * time.Millisecond)
	close(kv.gate)
	wg.Wait()

	assert.Equal(t, 1, kv.getCount(roomPrefix+"worldApps"))
	assert.Equal(t, 1, kv.getCount(roomPrefix+"crdt"))
	for _, tc := range clients {
		tc.drainSnapshots(t)
	}
}

func TestSingleFlight_FailedInitIsRetriedAndSurfaced(t *testing.T) {
	failing := newRoom(context.Background(), "r1", failKV{}, nil)
	conn := newMockConn()
	_, err := failing.attach(context.Background(), conn, "a")
	require.Error(t, err)

	// The failure is surfaced on the wire: error frame, then close 1011.
	w := conn.nextWrite(t)
	assert.Equal(t, websocket.TextMessage, w.messageType)
	assert.Contains(t, string(w.data), "error")
	w = conn.nextWrite(t)
	assert.Equal(t, websocket.CloseMessage, w.messageType)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, failing.shutdown(ctx))

	// A later attach against healthy storage succeeds: the failed flight
	// was not cached.
	kv := newMemKV()
	room := newTestRoom(t, kv)
	a := connect(t, room, "a")
	a.drainSnapshots(t)
}

func TestPersistence_MapOfMapsAndIndexWritten(t *testing.T) {
	kv := newMemKV()
	room := newTestRoom(t, kv)
	a := connect(t, room, "a")
	a.drainSnapshots(t)

	a.send(encodeUpdate(t, "worldApps", "x1", fieldsAt(1, "pos", "3")))
	a.barrier(t)
	a.disconnect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, room.shutdown(ctx))

	// The dead hand removed x1, so the flushed index is empty again.
	index, err := wire.UnmarshalStringList(kv.value(roomPrefix + "worldApps"))
	require.NoError(t, err)
	assert.Empty(t, index, "owner departed, map removed from the index")

	// The map's own key was written while it lived.
	fm, err := wire.UnmarshalFieldMap(kv.value(roomPrefix + "x1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fm["pos"].TS)
}

func TestPersistence_DocumentSurvivesRoomTeardown(t *testing.T) {
	kv := newMemKV()
	room := newTestRoom(t, kv)
	a := connect(t, room, "a")
	a.drainSnapshots(t)

	docFrame, err := wire.EncodeDocUpdate([]byte("U1"))
	require.NoError(t, err)
	a.send(docFrame)
	a.barrier(t)
	a.disconnect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, room.shutdown(ctx))

	// A fresh room over the same storage replays U1 into B's snapshot.
	room2 := newRoom(context.Background(), "r1", kv, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = room2.shutdown(ctx)
	})
	b := connect(t, room2, "b")
	_, docSnap, _ := b.drainSnapshots(t)

	state, err := wire.DecodeDocUpdate(docSnap)
	require.NoError(t, err)
	units, err := wire.UnmarshalBinList(state)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, []byte("U1"), units[0])
}
