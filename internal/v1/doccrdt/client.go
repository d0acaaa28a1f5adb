// Package doccrdt implements the room's second, opaque CRDT replica. The
// server never interprets document updates: state is the ordered sequence of
// update blobs clients have sent, and merging is the clients' business. The
// room persists the whole state-as-update after every mutation so a torn-down
// room replays into the same document.
package doccrdt

import (
	"fmt"

	"github.com/lunarscape/roomd/internal/v1/wire"
)

// Client is one room's document-CRDT replica. Like the data-model client it
// is confined to the room's serial dispatch and carries no locking.
type Client struct {
	units [][]byte

	observers map[int]func(stateAsUpdate []byte)
	nextObs   int
}

// New builds a replica from the last persisted snapshot. A nil snapshot
// (fresh room) yields empty state. A snapshot that does not parse as the
// compound bin-list form is kept as a single opaque unit rather than
// rejected; old rooms must stay readable.
func New(snapshot []byte) *Client {
	c := &Client{observers: make(map[int]func([]byte))}
	if snapshot == nil {
		return c
	}
	units, err := wire.UnmarshalBinList(snapshot)
	if err != nil {
		c.units = [][]byte{append([]byte(nil), snapshot...)}
		return c
	}
	c.units = units
	return c
}

// HandlesMethod reports whether m belongs to the document traffic class.
func (c *Client) HandlesMethod(m wire.Method) bool {
	return wire.DocMethods.Has(m)
}

// OnUpdate registers an observer called with the full state-as-update after
// every applied mutation, and returns its deregistration hook. The room uses
// this to persist the document.
func (c *Client) OnUpdate(fn func(stateAsUpdate []byte)) func() {
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

// ApplyUpdate appends one client update to the replica and notifies
// observers with the resulting state-as-update.
func (c *Client) ApplyUpdate(update []byte) error {
	c.units = append(c.units, append([]byte(nil), update...))
	if len(c.observers) == 0 {
		return nil
	}
	state, err := c.StateAsUpdate()
	if err != nil {
		return err
	}
	for _, fn := range c.observers {
		fn(state)
	}
	return nil
}

// StateAsUpdate renders the full replica as one opaque update blob, the form
// persisted under the "crdt" key. Empty state encodes to an empty bin list.
func (c *Client) StateAsUpdate() ([]byte, error) {
	b, err := wire.MarshalBinList(c.units)
	if err != nil {
		return nil, fmt.Errorf("encode document state: %w", err)
	}
	return b, nil
}

// Snapshot renders the initial docUpdate frame sent to a joining session.
func (c *Client) Snapshot() ([]byte, error) {
	state, err := c.StateAsUpdate()
	if err != nil {
		return nil, err
	}
	return wire.EncodeDocUpdate(state)
}

// Len reports how many updates the replica has absorbed.
func (c *Client) Len() int {
	return len(c.units)
}
