// Package locks implements the room's distributed mutex service. Each named
// lock is either free or held by one playerId, with a FIFO queue of waiters.
// Grants are announced as lockResponse frames through an emitter the room
// wires to its broadcast path, so every peer observes the global outcome.
//
// The Client is confined to its room's serial dispatch and carries no
// locking of its own.
package locks

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/metrics"
	"github.com/lunarscape/roomd/internal/v1/wire"
)

// Emitter receives the lockResponse frames the state machine produces.
type Emitter func(f wire.LockFrame)

type lockState struct {
	holder  string
	waiters []string // FIFO, one entry per playerId
}

// Client is one room's lock service.
type Client struct {
	locks map[string]*lockState
	emit  Emitter
	ctx   context.Context
}

// New builds an empty lock service. Emitted grants go through emit.
func New(ctx context.Context, emit Emitter) *Client {
	return &Client{
		locks: make(map[string]*lockState),
		emit:  emit,
		ctx:   ctx,
	}
}

// HandlesMethod reports whether m belongs to the lock traffic class.
func (c *Client) HandlesMethod(m wire.Method) bool {
	return wire.LockMethods.Has(m)
}

// Handle applies one inbound lock-class frame.
func (c *Client) Handle(m wire.Method, frame []byte) error {
	f, err := wire.DecodeLock(m, frame)
	if err != nil {
		return err
	}
	switch m {
	case wire.MethodLockRequest:
		c.request(f.Name, f.PlayerID)
	case wire.MethodLockRelease:
		c.release(f.Name, f.PlayerID)
	default:
		// lockResponse is server-to-client only.
		logging.Warn(c.ctx, "ignoring unexpected lock method from client",
			zap.String("method", m.String()),
			zap.String("lock", f.Name),
		)
	}
	return nil
}

func (c *Client) request(name, playerID string) {
	if playerID == "" {
		// Anonymous sessions never hold locks.
		logging.Warn(c.ctx, "lock request without player id ignored", zap.String("lock", name))
		return
	}
	l, ok := c.locks[name]
	if !ok {
		l = &lockState{}
		c.locks[name] = l
	}
	switch {
	case l.holder == "":
		l.holder = playerID
		c.grant(name, playerID)
	case l.holder == playerID:
		// Idempotent re-request by the holder.
		c.grant(name, playerID)
	default:
		for _, w := range l.waiters {
			if w == playerID {
				return
			}
		}
		l.waiters = append(l.waiters, playerID)
	}
}

func (c *Client) release(name, playerID string) {
	l, ok := c.locks[name]
	if !ok || l.holder == "" {
		logging.Warn(c.ctx, "release of unheld lock ignored",
			zap.String("lock", name),
			zap.String("player_id", playerID),
		)
		return
	}
	if l.holder != playerID {
		logging.Warn(c.ctx, "release by non-holder ignored",
			zap.String("lock", name),
			zap.String("player_id", playerID),
			zap.String("holder", l.holder),
		)
		return
	}
	c.promote(name, l)
}

// promote hands the lock to the head of the waiter queue, or frees it.
func (c *Client) promote(name string, l *lockState) {
	if len(l.waiters) == 0 {
		delete(c.locks, name)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.holder = next
	c.grant(name, next)
}

func (c *Client) grant(name, playerID string) {
	metrics.LockGrants.Inc()
	if c.emit != nil {
		c.emit(wire.LockFrame{Name: name, PlayerID: playerID})
	}
}

// ReleaseSession synthesizes a release for every lock held by playerID and
// purges the player from every waiter queue, driving the state machine
// through its normal transitions so waiters are promoted and notified.
// Called by the room when the player's session terminates.
func (c *Client) ReleaseSession(playerID string) {
	if playerID == "" {
		return
	}
	names := make([]string, 0, len(c.locks))
	for name := range c.locks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := c.locks[name]
		kept := l.waiters[:0]
		for _, w := range l.waiters {
			if w != playerID {
				kept = append(kept, w)
			}
		}
		l.waiters = kept
		if l.holder == playerID {
			c.promote(name, l)
		}
	}
}

// Holder reports the current holder of a lock, if any.
func (c *Client) Holder(name string) (string, bool) {
	l, ok := c.locks[name]
	if !ok || l.holder == "" {
		return "", false
	}
	return l.holder, true
}

// Waiters lists the queued playerIds for a lock, in grant order.
func (c *Client) Waiters(name string) []string {
	l, ok := c.locks[name]
	if !ok {
		return nil
	}
	return append([]string(nil), l.waiters...)
}
