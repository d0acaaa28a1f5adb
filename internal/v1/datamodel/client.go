// Package datamodel implements the map-of-maps CRDT replica a room holds:
// named arrays of maps whose fields are last-writer-wins on a logical
// timestamp, plus the ownership ("hand") bookkeeping that lets the room tear
// down a departing player's state.
//
// A Client is confined to its room's serial dispatch; it carries no locking
// of its own. Mutations never touch storage directly: every applied change
// is reported to the persist callback as an ordered list of key/value puts.
package datamodel

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/utils/set"

	"github.com/lunarscape/roomd/internal/v1/wire"
)

// HandKind distinguishes ownership events.
type HandKind int

const (
	// DeadHand announces that a player now owns the referenced keys: the
	// named state dies with them.
	DeadHand HandKind = iota
	// LiveHand announces that the referenced keys no longer have an owner.
	LiveHand
)

// HandEvent is emitted on every ownership transition.
type HandEvent struct {
	Kind     HandKind
	Keys     []string
	PlayerID string
}

// Claim records the current owner of a composite key.
type Claim struct {
	PlayerID string
	TS       uint64
}

// Put is one pending storage write produced by a mutation.
type Put struct {
	Key   string
	Value []byte
}

// Result tells the dispatcher what to send after a frame was applied.
// Forward asks for the original frame bytes to be proxied to peers; Rollback,
// when non-nil, is a corrective frame for the originating session only.
type Result struct {
	Forward  bool
	Rollback []byte
}

// KV is the read surface the replica is loaded from.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Client is one room's data-model replica.
type Client struct {
	schema  []string
	arrays  map[string]map[string]wire.FieldMap
	claims  map[string]Claim
	players set.Set[string]
	data    map[string]wire.FieldMap

	persist   func([]Put)
	observers map[int]func(HandEvent)
	nextObs   int
}

// Load builds a replica from storage. One read per schema array key, one per
// referenced arrayIndexId; an index entry whose map was never written is
// repaired to an empty map. Claims are not persisted: they describe live
// sessions, so a fresh replica always starts unowned.
func Load(ctx context.Context, kv KV, schema []string, persist func([]Put)) (*Client, error) {
	c := &Client{
		schema:    schema,
		arrays:    make(map[string]map[string]wire.FieldMap, len(schema)),
		claims:    make(map[string]Claim),
		players:   set.New[string](),
		data:      make(map[string]wire.FieldMap),
		persist:   persist,
		observers: make(map[int]func(HandEvent)),
	}
	for _, arrayID := range schema {
		maps := make(map[string]wire.FieldMap)
		b, err := kv.Get(ctx, arrayID)
		if err != nil {
			return nil, fmt.Errorf("load array %q: %w", arrayID, err)
		}
		if b != nil {
			indexIDs, err := wire.UnmarshalStringList(b)
			if err != nil {
				return nil, fmt.Errorf("decode array %q index: %w", arrayID, err)
			}
			for _, indexID := range indexIDs {
				mb, err := kv.Get(ctx, indexID)
				if err != nil {
					return nil, fmt.Errorf("load map %q: %w", indexID, err)
				}
				if mb == nil {
					maps[indexID] = wire.FieldMap{}
					continue
				}
				fm, err := wire.UnmarshalFieldMap(mb)
				if err != nil {
					return nil, fmt.Errorf("decode map %q: %w", indexID, err)
				}
				maps[indexID] = fm
			}
		}
		c.arrays[arrayID] = maps
	}
	return c, nil
}

// HandlesMethod reports whether m belongs to the data traffic class.
func (c *Client) HandlesMethod(m wire.Method) bool {
	return wire.DataMethods.Has(m)
}

// OnHand registers an ownership observer and returns its deregistration
// hook. Observers run synchronously inside the mutation that triggered them.
func (c *Client) OnHand(fn func(HandEvent)) func() {
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

func (c *Client) emitHand(kind HandKind, keys []string, playerID string) {
	ev := HandEvent{Kind: kind, Keys: keys, PlayerID: playerID}
	for _, fn := range c.observers {
		fn(ev)
	}
}

// Handle applies one inbound data-class frame. origin is the playerId of the
// originating session (may be empty). A returned error is reported to the
// sender as an error frame; the Result is honored regardless, so a frame
// that was applied before a late failure still reaches peers.
func (c *Client) Handle(origin string, m wire.Method, frame []byte) (Result, error) {
	switch m {
	case wire.MethodDataUpdate:
		f, err := wire.DecodeDataUpdate(frame)
		if err != nil {
			return Result{}, err
		}
		return c.applyUpdate(origin, f)
	case wire.MethodDataRemove:
		f, err := wire.DecodeDataRemove(frame)
		if err != nil {
			return Result{}, err
		}
		return c.applyRemove(f)
	case wire.MethodDataClaim:
		f, err := wire.DecodeHand(m, frame)
		if err != nil {
			return Result{}, err
		}
		return c.applyClaim(f)
	case wire.MethodDataRelease:
		f, err := wire.DecodeHand(m, frame)
		if err != nil {
			return Result{}, err
		}
		return c.applyRelease(f)
	case wire.MethodSetPlayerData:
		f, err := wire.DecodeSetPlayerData(frame)
		if err != nil {
			return Result{}, err
		}
		return c.applyPlayerData(f)
	case wire.MethodJoin, wire.MethodLeave:
		playerID, err := wire.DecodePresence(m, frame)
		if err != nil {
			return Result{}, err
		}
		return c.applyPresence(m, playerID), nil
	default:
		// dataImport is server-to-client bootstrap only.
		return Result{}, nil
	}
}

func (c *Client) applyUpdate(origin string, f wire.DataUpdateFrame) (Result, error) {
	maps, ok := c.arrays[f.ArrayID]
	if !ok {
		return Result{}, fmt.Errorf("unknown array %q", f.ArrayID)
	}

	fields, existed := maps[f.IndexID]
	if !existed {
		fields = make(wire.FieldMap, len(f.Fields))
		maps[f.IndexID] = fields
	}

	applied := 0
	rejected := wire.FieldMap{}
	for name, in := range f.Fields {
		cur, ok := fields[name]
		if !ok || in.TS > cur.TS {
			fields[name] = in
			applied++
		} else {
			rejected[name] = cur
		}
	}

	var res Result
	if len(rejected) > 0 {
		rb, err := wire.EncodeDataUpdate(wire.DataUpdateFrame{
			ArrayID: f.ArrayID,
			IndexID: f.IndexID,
			Fields:  rejected,
		})
		if err != nil {
			return Result{}, fmt.Errorf("encode rollback: %w", err)
		}
		res.Rollback = rb
	}
	if applied > 0 || !existed {
		res.Forward = true
		if !existed && origin != "" {
			// Creating a map claims it for the creator: the state dies with
			// its owning session unless explicitly released.
			c.claim(wire.MapKey(f.ArrayID, f.IndexID), origin, maxFieldTS(fields))
		}
		if err := c.persistMap(f.ArrayID, f.IndexID, !existed); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Client) applyRemove(f wire.DataRemoveFrame) (Result, error) {
	maps, ok := c.arrays[f.ArrayID]
	if !ok {
		return Result{}, fmt.Errorf("unknown array %q", f.ArrayID)
	}
	fields, ok := maps[f.IndexID]
	if !ok {
		// Removing a missing map is a no-op.
		return Result{}, nil
	}

	if f.TS < maxFieldTS(fields) {
		// Stale remove: answer with the authoritative map contents.
		rb, err := wire.EncodeDataUpdate(wire.DataUpdateFrame{
			ArrayID: f.ArrayID,
			IndexID: f.IndexID,
			Fields:  fields,
		})
		if err != nil {
			return Result{}, fmt.Errorf("encode rollback: %w", err)
		}
		return Result{Rollback: rb}, nil
	}

	delete(maps, f.IndexID)
	c.release(wire.MapKey(f.ArrayID, f.IndexID))
	if err := c.persistIndex(f.ArrayID); err != nil {
		return Result{Forward: true}, err
	}
	return Result{Forward: true}, nil
}

func (c *Client) applyClaim(f wire.HandFrame) (Result, error) {
	key, err := wire.ParseHandKey(f.Key)
	if err != nil {
		return Result{}, err
	}
	if _, ok := c.arrays[key.ArrayID]; !ok {
		return Result{}, fmt.Errorf("unknown array %q", key.ArrayID)
	}
	if f.PlayerID == "" {
		// Anonymous sessions participate in routing but never own state.
		return Result{}, nil
	}

	cur, held := c.claims[f.Key]
	if held && f.TS <= cur.TS {
		rb, encErr := wire.EncodeHand(wire.MethodDataClaim, wire.HandFrame{
			Key: f.Key, PlayerID: cur.PlayerID, TS: cur.TS,
		})
		if encErr != nil {
			return Result{}, fmt.Errorf("encode rollback: %w", encErr)
		}
		return Result{Rollback: rb}, nil
	}
	c.claim(f.Key, f.PlayerID, f.TS)
	return Result{Forward: true}, nil
}

func (c *Client) applyRelease(f wire.HandFrame) (Result, error) {
	if _, err := wire.ParseHandKey(f.Key); err != nil {
		return Result{}, err
	}
	cur, held := c.claims[f.Key]
	if !held {
		return Result{}, nil
	}
	if cur.PlayerID != f.PlayerID {
		// Only the owner may release; tell the sender who holds it.
		rb, err := wire.EncodeHand(wire.MethodDataClaim, wire.HandFrame{
			Key: f.Key, PlayerID: cur.PlayerID, TS: cur.TS,
		})
		if err != nil {
			return Result{}, fmt.Errorf("encode rollback: %w", err)
		}
		return Result{Rollback: rb}, nil
	}
	if f.TS < cur.TS {
		return Result{}, nil
	}
	c.release(f.Key)
	return Result{Forward: true}, nil
}

func (c *Client) applyPlayerData(f wire.SetPlayerDataFrame) (Result, error) {
	if f.PlayerID == "" {
		return Result{}, nil
	}
	fields, ok := c.data[f.PlayerID]
	if !ok {
		fields = make(wire.FieldMap, len(f.Fields))
		c.data[f.PlayerID] = fields
	}
	applied := 0
	for name, in := range f.Fields {
		cur, ok := fields[name]
		if !ok || in.TS > cur.TS {
			fields[name] = in
			applied++
		}
	}
	// Player records are transient; nothing to persist.
	return Result{Forward: applied > 0 || !ok}, nil
}

func (c *Client) applyPresence(m wire.Method, playerID string) Result {
	if playerID == "" {
		return Result{}
	}
	if m == wire.MethodJoin {
		c.players.Insert(playerID)
	} else {
		c.players.Delete(playerID)
		delete(c.data, playerID)
	}
	return Result{Forward: true}
}

// claim installs or transfers ownership of key, emitting liveHand for the
// previous owner before deadHand for the new one so a key never appears in
// two ownership tables at once.
func (c *Client) claim(key, playerID string, ts uint64) {
	cur, held := c.claims[key]
	if held && cur.PlayerID == playerID {
		c.claims[key] = Claim{PlayerID: playerID, TS: ts}
		return
	}
	if held {
		c.emitHand(LiveHand, []string{key}, cur.PlayerID)
	}
	c.claims[key] = Claim{PlayerID: playerID, TS: ts}
	c.emitHand(DeadHand, []string{key}, playerID)
}

// release drops any claim on key, emitting liveHand for its owner.
func (c *Client) release(key string) {
	cur, held := c.claims[key]
	if !held {
		return
	}
	delete(c.claims, key)
	c.emitHand(LiveHand, []string{key}, cur.PlayerID)
}

// CleanupHand synthesizes the removes a departing owner leaves behind and
// applies them to this replica. The returned frames must be proxied to peers
// so their replicas converge through the normal update path. Array-scope
// keys remove every map currently in the array; map-scope keys remove just
// the one, if it still exists.
func (c *Client) CleanupHand(k wire.HandKey) ([][]byte, error) {
	maps, ok := c.arrays[k.ArrayID]
	if !ok {
		return nil, nil
	}

	var indexIDs []string
	if k.IndexID != "" {
		if _, ok := maps[k.IndexID]; ok {
			indexIDs = []string{k.IndexID}
		}
	} else {
		for indexID := range maps {
			indexIDs = append(indexIDs, indexID)
		}
		sort.Strings(indexIDs)
	}

	var frames [][]byte
	var firstErr error
	for _, indexID := range indexIDs {
		ts := maxFieldTS(maps[indexID]) + 1
		frame, err := wire.EncodeDataRemove(wire.DataRemoveFrame{
			ArrayID: k.ArrayID,
			IndexID: indexID,
			TS:      ts,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(maps, indexID)
		c.release(wire.MapKey(k.ArrayID, indexID))
		frames = append(frames, frame)
	}
	if len(indexIDs) > 0 {
		if err := c.persistIndex(k.ArrayID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// The departed owner's own claim goes too, whatever its scope.
	c.release(k.String())
	return frames, firstErr
}

// Snapshot renders the whole replica as the single import frame sent to a
// joining session.
func (c *Client) Snapshot() ([]byte, error) {
	return wire.EncodeDataImport(c.arrays)
}

// Players lists the playerIds currently marked present, sorted.
func (c *Client) Players() []string {
	return c.players.SortedList()
}

// Fields exposes one map's current contents.
func (c *Client) Fields(arrayID, indexID string) (wire.FieldMap, bool) {
	maps, ok := c.arrays[arrayID]
	if !ok {
		return nil, false
	}
	fm, ok := maps[indexID]
	return fm, ok
}

// Owner reports the current claim on a composite key.
func (c *Client) Owner(key string) (Claim, bool) {
	cl, ok := c.claims[key]
	return cl, ok
}

// PlayerData exposes one player's transient record.
func (c *Client) PlayerData(playerID string) (wire.FieldMap, bool) {
	fm, ok := c.data[playerID]
	return fm, ok
}

func (c *Client) persistMap(arrayID, indexID string, indexChanged bool) error {
	fields := c.arrays[arrayID][indexID]
	value, err := wire.MarshalFieldMap(fields)
	if err != nil {
		return fmt.Errorf("encode map %q: %w", indexID, err)
	}
	puts := []Put{{Key: indexID, Value: value}}
	if indexChanged {
		index, err := c.marshalIndex(arrayID)
		if err != nil {
			return err
		}
		puts = append(puts, Put{Key: arrayID, Value: index})
	}
	if c.persist != nil {
		c.persist(puts)
	}
	return nil
}

func (c *Client) persistIndex(arrayID string) error {
	index, err := c.marshalIndex(arrayID)
	if err != nil {
		return err
	}
	if c.persist != nil {
		c.persist([]Put{{Key: arrayID, Value: index}})
	}
	return nil
}

func (c *Client) marshalIndex(arrayID string) ([]byte, error) {
	maps := c.arrays[arrayID]
	indexIDs := make([]string, 0, len(maps))
	for indexID := range maps {
		indexIDs = append(indexIDs, indexID)
	}
	sort.Strings(indexIDs)
	b, err := wire.MarshalStringList(indexIDs)
	if err != nil {
		return nil, fmt.Errorf("encode array %q index: %w", arrayID, err)
	}
	return b, nil
}

func maxFieldTS(fm wire.FieldMap) uint64 {
	var ts uint64
	for _, cell := range fm {
		if cell.TS > ts {
			ts = cell.TS
		}
	}
	return ts
}
