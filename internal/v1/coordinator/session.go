// Package coordinator implements the per-room session coordinator: the hub
// that owns rooms, the room that serializes dispatch for its sessions, and
// the session that pumps one WebSocket connection.
//
// Each session runs two goroutines. The read pump decodes inbound frames and
// hands them to the room's dispatcher; the write pump drains a buffered send
// channel so a slow client never blocks the room. The read pump does not
// start until the attach sequence has delivered the three snapshot frames,
// which is what guarantees a joiner sees its initial state before any live
// update.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/metrics"
	"github.com/lunarscape/roomd/internal/v1/wire"
)

const (
	// sendBufferSize bounds the outbound queue per session. When it fills,
	// frames are dropped rather than blocking the room.
	sendBufferSize = 256

	writeWait = 10 * time.Second
)

// wsConn is the WebSocket surface a session needs. Satisfied by
// *websocket.Conn in production and by mocks in tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// outbound is one queued frame. The message type matters: data traffic is
// binary, error reports are text, and the attach failure path enqueues a
// close frame.
type outbound struct {
	messageType int
	data        []byte
}

// Session is one client's live connection within a room.
type Session struct {
	conn     wsConn
	send     chan outbound
	room     *Room
	playerID string // may be empty: such sessions route traffic but never own state
	ctx      context.Context

	quit      atomic.Bool
	closeOnce sync.Once

	// deadHands records the state this player exclusively owns, keyed by
	// composite key. Mutated only under the room mutex, by the hand observer
	// during dispatch and by disconnect cleanup.
	deadHands map[string]wire.HandKey
	dropHand  func()
}

// PlayerID returns the session's player identity, possibly empty.
func (s *Session) PlayerID() string {
	return s.playerID
}

// readPump processes inbound frames until the connection closes or errors.
// Both paths funnel into the same idempotent disconnect handler.
func (s *Session) readPump() {
	defer func() {
		s.room.handleDisconnect(s)
		_ = s.conn.Close()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			// Protocol violation; report to the sender, keep the session.
			s.sendError("binary frames only")
			continue
		}
		s.room.dispatch(s, data)
	}
}

// writePump drains the send channel onto the wire. It owns all writes to the
// connection; a write failure ends the pump and the read side notices via
// the closed connection.
func (s *Session) writePump() {
	defer func() {
		_ = s.conn.Close()
		s.room.pumps.Done()
	}()

	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(msg.messageType, msg.data); err != nil {
			logging.Warn(s.ctx, "session write failed", zap.Error(err))
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// trySend queues one frame without blocking. Frames to a quit session or a
// full buffer are dropped; a send failure must never abort a broadcast loop.
func (s *Session) trySend(messageType int, data []byte) {
	if s.quit.Load() {
		return
	}
	select {
	case s.send <- outbound{messageType: messageType, data: data}:
	default:
		metrics.DroppedSends.Inc()
		logging.Warn(s.ctx, "session send buffer full, dropping frame")
	}
}

// sendError reports a failure to this session as a JSON text frame.
func (s *Session) sendError(msg string) {
	s.trySend(websocket.TextMessage, wire.ErrorFrame(msg))
}
