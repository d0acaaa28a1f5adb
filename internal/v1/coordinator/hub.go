package coordinator

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/metrics"
	"github.com/lunarscape/roomd/internal/v1/storage"
)

// maxRoomNameBytes bounds room identifiers. Longer names 404 before upgrade.
const maxRoomNameBytes = 128

// DefaultGCGrace is how long an empty room stays resident awaiting a
// reconnect before it is torn down.
const DefaultGCGrace = 30 * time.Second

// Hub is the registry of resident rooms. It creates rooms on first
// connection, routes later connections to them, and tears down rooms that
// have sat empty past the grace period. Rooms handle their own internal
// synchronization; the hub mutex only guards the registry.
type Hub struct {
	rooms               map[string]*Room
	mu                  sync.Mutex
	pendingRoomCleanups map[string]*time.Timer
	gcGrace             time.Duration

	store          storage.KV
	allowedOrigins []string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds a hub over the given storage backend. allowedOrigins is the
// browser-origin allowlist for WebSocket upgrades; empty origins (non-browser
// clients) are always accepted.
func NewHub(store storage.KV, allowedOrigins []string, gcGrace time.Duration) *Hub {
	if gcGrace <= 0 {
		gcGrace = DefaultGCGrace
	}
	h := &Hub{
		rooms:               make(map[string]*Room),
		pendingRoomCleanups: make(map[string]*time.Timer),
		gcGrace:             gcGrace,
		store:               store,
		allowedOrigins:      allowedOrigins,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// CreateRoom handles POST /api/room: allocate a fresh unguessable room
// identifier and return it as plain text. The room itself is created lazily
// on first connection.
func (h *Hub) CreateRoom(c *gin.Context) {
	c.String(http.StatusOK, uuid.NewString())
}

// ServeWs handles GET /api/room/:name/websocket: validate the room name,
// upgrade the transport, and attach the connection as a session. The read
// pump runs on this goroutine until the connection ends.
func (h *Hub) ServeWs(c *gin.Context) {
	name := c.Param("name")
	if !validRoomName(name) {
		c.Status(http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	playerID := c.Query("playerId") // may be absent; such sessions only route
	room := h.getOrCreateRoom(name)

	s, err := room.attach(c.Request.Context(), conn, playerID)
	if err != nil {
		// attach already reported the failure and scheduled the 1011 close.
		return
	}
	s.readPump()
}

// getOrCreateRoom returns the resident room for name, creating it if needed
// and cancelling any pending teardown so a reconnect keeps the room's state.
func (h *Hub) getOrCreateRoom(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[name]; ok {
		if timer, pending := h.pendingRoomCleanups[name]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, name)
			logging.Info(h.ctx, "cancelled pending room teardown", zap.String("room", name))
		}
		return room
	}

	logging.Info(h.ctx, "creating room", zap.String("room", name))
	room := newRoom(h.ctx, name, h.store, h.removeRoom)
	h.rooms[name] = room
	metrics.RoomOpened()
	return room
}

// removeRoom schedules teardown of an empty room after the grace period.
// The delay absorbs client refreshes: a reconnect within the window cancels
// the timer and keeps the in-memory state.
func (h *Hub) removeRoom(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[name]; ok {
		existing.Stop()
	}

	h.pendingRoomCleanups[name] = time.AfterFunc(h.gcGrace, func() {
		h.mu.Lock()
		room, ok := h.rooms[name]
		if !ok || room.sessionCount() > 0 {
			delete(h.pendingRoomCleanups, name)
			h.mu.Unlock()
			return
		}
		delete(h.rooms, name)
		delete(h.pendingRoomCleanups, name)
		h.mu.Unlock()

		// Flush outside the registry lock; the worker may have queued writes.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := room.shutdown(ctx); err != nil {
			logging.Error(h.ctx, "room teardown timed out", zap.String("room", name), zap.Error(err))
		}
		metrics.RoomClosed(name)
		logging.Info(h.ctx, "removed empty room after grace period", zap.String("room", name))
	})
}

// Shutdown closes every room: sessions are disconnected, write pumps
// drained, and persist queues flushed. Bounded by ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for name, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, name)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for name, room := range h.rooms {
		rooms = append(rooms, room)
		delete(h.rooms, name)
	}
	h.mu.Unlock()

	var firstErr error
	for _, room := range rooms {
		if err := room.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.RoomClosed(room.Name())
	}
	h.cancel()
	return firstErr
}

// checkOrigin applies the browser-origin allowlist on upgrade. Requests
// without an Origin header (non-browser clients) are accepted.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// validRoomName accepts printable UTF-8 names of at most 128 bytes.
func validRoomName(name string) bool {
	if name == "" || len(name) > maxRoomNameBytes || !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
