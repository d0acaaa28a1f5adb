package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/datamodel"
	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/metrics"
	"github.com/lunarscape/roomd/internal/v1/storage"
	"github.com/lunarscape/roomd/internal/v1/wire"
)

// Room is one multiplayer session: the set of live connections plus the
// shared data-model, document and lock clients.
//
// All dispatch for a room runs under one mutex, so no two handlers for the
// same room execute in parallel. That serial discipline is what the
// map-of-maps CRDT and the lock state machine assume; cross-room work is
// independent.
type Room struct {
	name string

	mu       sync.Mutex // serializes dispatch, session list and cleanup
	sessions []*Session

	flightMu sync.Mutex
	state    *roomState
	flight   *stateFlight

	kv      storage.KV
	persist *persistWorker
	onEmpty func(roomName string)

	pumps  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newRoom(ctx context.Context, name string, store storage.KV, onEmpty func(string)) *Room {
	r := &Room{
		name:    name,
		kv:      storage.ForRoom(store, name),
		onEmpty: onEmpty,
	}
	r.ctx, r.cancel = context.WithCancel(logging.WithRoom(ctx, name))
	r.persist = newPersistWorker(r.ctx, r.kv, name)
	return r
}

// Name returns the room's identity.
func (r *Room) Name() string {
	return r.name
}

// attach runs the join sequence for one accepted connection, in strict
// order: room state (single-flight), the three snapshot frames, the hand
// observer, session-list membership, the join broadcast. The caller starts
// the read pump only after attach returns, so frames the client sent early
// sit in the transport until the snapshots are on the wire.
//
// On error the session's write pump has already been told to report the
// failure and close with 1011; the caller just returns.
func (r *Room) attach(ctx context.Context, conn wsConn, playerID string) (*Session, error) {
	s := &Session{
		conn:      conn,
		send:      make(chan outbound, sendBufferSize),
		room:      r,
		playerID:  playerID,
		ctx:       logging.WithRoom(logging.WithPlayer(ctx, playerID), r.name),
		deadHands: make(map[string]wire.HandKey),
	}
	r.pumps.Add(1)
	go s.writePump()

	st, err := r.roomState(s.ctx)
	if err != nil {
		r.failAttach(s, err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dataSnap, err := st.data.Snapshot()
	if err == nil {
		var docSnap, initFrame []byte
		if docSnap, err = st.doc.Snapshot(); err == nil {
			initFrame, err = wire.EncodeInitPlayers(r.presentPlayersLocked())
		}
		if err == nil {
			s.trySend(websocket.BinaryMessage, dataSnap)
			s.trySend(websocket.BinaryMessage, docSnap)
			s.trySend(websocket.BinaryMessage, initFrame)
		}
	}
	if err != nil {
		r.failAttach(s, err)
		return nil, err
	}

	if playerID != "" {
		s.dropHand = st.data.OnHand(s.observeHand)
	}

	r.sessions = append(r.sessions, s)

	if playerID != "" {
		join, err := wire.EncodePresence(wire.MethodJoin, playerID)
		if err != nil {
			logging.Error(s.ctx, "encode join", zap.Error(err))
		} else {
			r.proxyMessageToPeers(s, join)
			// The local replica sees the membership change too.
			if _, err := st.data.Handle(playerID, wire.MethodJoin, join); err != nil {
				logging.Error(s.ctx, "apply join", zap.Error(err))
			}
		}
	}

	metrics.IncSession(r.name)
	logging.Info(s.ctx, "session attached", zap.Int("sessions", len(r.sessions)))
	return s, nil
}

// failAttach surfaces a setup failure on an already-upgraded transport: an
// error frame, then close code 1011.
func (r *Room) failAttach(s *Session, err error) {
	logging.Error(s.ctx, "attach failed", zap.Error(err))
	s.trySend(websocket.TextMessage, wire.ErrorFrame(err.Error()))
	s.trySend(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room setup failed"))
	s.quit.Store(true)
	close(s.send)
}

// presentPlayersLocked lists the playerIds of attached sessions, excluding
// anonymous ones. Caller holds r.mu.
func (r *Room) presentPlayersLocked() []string {
	ids := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.playerID != "" {
			ids = append(ids, s.playerID)
		}
	}
	return ids
}

// observeHand maintains the session's dead-hand table from the data client's
// ownership events. Runs with r.mu held, inside the mutation that emitted
// the event; only this session's playerId is of interest.
func (s *Session) observeHand(ev datamodel.HandEvent) {
	if ev.PlayerID != s.playerID {
		return
	}
	for _, key := range ev.Keys {
		k, err := wire.ParseHandKey(key)
		if err != nil {
			logging.Warn(s.ctx, "malformed hand key", zap.String("key", key), zap.Error(err))
			continue
		}
		if ev.Kind == datamodel.DeadHand {
			s.deadHands[key] = k
		} else {
			delete(s.deadHands, key)
		}
	}
}

// dispatch routes one inbound binary frame by method class. Classes are not
// exclusive; every matching class runs. Unrecognized methods are dropped.
func (r *Room) dispatch(s *Session, frame []byte) {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	method := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(s.ctx, "panic in dispatch",
				zap.String("method", method), zap.Any("panic", rec))
			s.sendError(fmt.Sprintf("internal error handling %s", method))
			metrics.RecordFrame(method, "panic")
		}
	}()

	m, err := wire.DecodeMethod(frame)
	if err != nil {
		s.sendError(err.Error())
		metrics.RecordFrame(method, "malformed")
		return
	}
	method = m.String()

	st := r.currentState()
	if st == nil {
		// Dispatch only runs for attached sessions, which implies state.
		s.sendError("room not initialized")
		return
	}

	matched := false

	if st.data.HandlesMethod(m) {
		matched = true
		res, err := st.data.Handle(s.playerID, m, frame)
		if res.Rollback != nil {
			metrics.Rollbacks.Inc()
			r.respondToSelf(s, res.Rollback)
		}
		if res.Forward {
			r.proxyMessageToPeers(s, frame)
		}
		if err != nil {
			s.sendError(err.Error())
		}
	}

	if st.doc.HandlesMethod(m) {
		matched = true
		update, err := wire.DecodeDocUpdate(frame)
		if err != nil {
			s.sendError(err.Error())
		} else {
			if err := st.doc.ApplyUpdate(update); err != nil {
				logging.Error(s.ctx, "apply document update", zap.Error(err))
			}
			r.proxyMessageToPeers(s, frame)
		}
	}

	if st.locks.HandlesMethod(m) {
		matched = true
		if err := st.locks.Handle(m, frame); err != nil {
			s.sendError(err.Error())
		}
	}

	if wire.ChatMethods.Has(m) {
		matched = true
		r.reflectMessageToPeers(frame)
	}

	if wire.AudioMethods.Has(m) || wire.VideoMethods.Has(m) {
		matched = true
		r.proxyMessageToPeers(s, frame)
	}

	status := "ok"
	if !matched {
		status = "ignored"
	}
	metrics.RecordFrame(method, status)
	metrics.DispatchDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// --- Broadcast primitives. All require r.mu held. ---

// respondToSelf sends one binary frame to the originator only.
func (r *Room) respondToSelf(s *Session, data []byte) {
	s.trySend(websocket.BinaryMessage, data)
}

// proxyMessageToPeers sends to every session except the originator.
func (r *Room) proxyMessageToPeers(origin *Session, data []byte) {
	for _, s := range r.sessions {
		if s == origin || s.quit.Load() {
			continue
		}
		s.trySend(websocket.BinaryMessage, data)
	}
}

// reflectMessageToPeers sends to every session, originator included.
func (r *Room) reflectMessageToPeers(data []byte) {
	for _, s := range r.sessions {
		if s.quit.Load() {
			continue
		}
		s.trySend(websocket.BinaryMessage, data)
	}
}

// handleDisconnect is the single terminal handler for a session, serving
// close and error alike. Idempotent: quit is set once, then the session
// leaves the list, then dead-hand cleanup runs, then lock cleanup, then the
// leave broadcast.
func (r *Room) handleDisconnect(s *Session) {
	s.closeOnce.Do(func() {
		r.mu.Lock()
		s.quit.Store(true)

		if s.dropHand != nil {
			s.dropHand()
			s.dropHand = nil
		}

		removed := false
		for i, p := range r.sessions {
			if p == s {
				r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
				removed = true
				break
			}
		}

		if st := r.currentState(); st != nil {
			r.cleanupDeadHands(s, st)
			st.locks.ReleaseSession(s.playerID)
			if s.playerID != "" {
				leave, err := wire.EncodePresence(wire.MethodLeave, s.playerID)
				if err != nil {
					logging.Error(s.ctx, "encode leave", zap.Error(err))
				} else {
					r.proxyMessageToPeers(s, leave)
					if _, err := st.data.Handle(s.playerID, wire.MethodLeave, leave); err != nil {
						logging.Error(s.ctx, "apply leave", zap.Error(err))
					}
				}
			}
		}

		empty := len(r.sessions) == 0
		r.mu.Unlock()

		// Nobody broadcasts to a removed session, so closing the channel
		// here cannot race a send.
		close(s.send)

		if removed {
			metrics.DecSession(r.name)
			logging.Info(s.ctx, "session detached")
		}
		if empty && r.onEmpty != nil {
			r.onEmpty(r.name)
		}
	})
}

// cleanupDeadHands synthesizes the removes a departing owner leaves behind
// and proxies them to peers, so every replica converges through the normal
// update path. Caller holds r.mu.
func (r *Room) cleanupDeadHands(s *Session, st *roomState) {
	if len(s.deadHands) == 0 {
		return
	}
	keys := make([]string, 0, len(s.deadHands))
	for key := range s.deadHands {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		frames, err := st.data.CleanupHand(s.deadHands[key])
		if err != nil {
			logging.Error(s.ctx, "dead-hand cleanup", zap.String("key", key), zap.Error(err))
		}
		for _, frame := range frames {
			metrics.DeadHandRemoves.Inc()
			r.proxyMessageToPeers(s, frame)
		}
	}
	s.deadHands = make(map[string]wire.HandKey)
}

// sessionCount reports how many sessions are attached.
func (r *Room) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// shutdown closes every session's transport, waits for the write pumps to
// drain (bounded by ctx), then flushes and stops the persist worker.
func (r *Room) shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := append([]*Session(nil), r.sessions...)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.pumps.Wait()
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.persist.close()
	r.cancel()
	return err
}
