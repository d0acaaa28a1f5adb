// Package wire implements the binary frame protocol spoken over room
// WebSockets. Every steady-state frame is a two-element msgpack array,
// [method, args], where method is an integer routing tag and args is an
// ordered list whose shape depends on the method. Payloads the coordinator
// never inspects (chat, media, document updates) stay opaque; this package
// only decodes the slots the server acts on.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Timestamped is one last-writer-wins cell: a logical timestamp paired with
// an opaque value.
type Timestamped struct {
	TS    uint64
	Value any
}

// FieldMap is the wire and storage form of a data-model map: field name to
// timestamped value. On the wire each cell is a two-element array
// [timestamp, value].
type FieldMap map[string]Timestamped

// DataUpdateFrame carries field writes for one map of a named array.
type DataUpdateFrame struct {
	ArrayID string
	IndexID string
	Fields  FieldMap
}

// DataRemoveFrame removes one map from a named array.
type DataRemoveFrame struct {
	ArrayID string
	IndexID string
	TS      uint64
}

// HandFrame claims or releases ownership of a composite key.
type HandFrame struct {
	Key      string
	PlayerID string
	TS       uint64
}

// LockFrame is a lock request, response, or release for a named mutex.
type LockFrame struct {
	Name     string
	PlayerID string
}

// SetPlayerDataFrame carries per-player LWW fields.
type SetPlayerDataFrame struct {
	PlayerID string
	Fields   FieldMap
}

// HandKey is the parsed form of a composite ownership key. The textual
// grammar is "<arrayId>" for array scope or "<arrayId>.<arrayIndexId>" for a
// single map; array ids never contain a dot.
type HandKey struct {
	ArrayID string
	IndexID string // empty for array scope
}

// ParseHandKey validates and splits a composite ownership key.
func ParseHandKey(key string) (HandKey, error) {
	arrayID, indexID, scoped := strings.Cut(key, ".")
	if arrayID == "" {
		return HandKey{}, fmt.Errorf("hand key %q: empty array id", key)
	}
	if scoped && indexID == "" {
		return HandKey{}, fmt.Errorf("hand key %q: empty array index id", key)
	}
	return HandKey{ArrayID: arrayID, IndexID: indexID}, nil
}

// MapKey builds the composite key for a single map.
func MapKey(arrayID, indexID string) string {
	return arrayID + "." + indexID
}

func (k HandKey) String() string {
	if k.IndexID == "" {
		return k.ArrayID
	}
	return MapKey(k.ArrayID, k.IndexID)
}

// ErrorFrame renders a server-side failure as the JSON text frame clients
// expect: {"error": "..."}.
func ErrorFrame(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// --- Decoding ---

func decodeHeader(dec *msgpack.Decoder) (Method, int, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, 0, fmt.Errorf("frame envelope: %w", err)
	}
	if n != 2 {
		return 0, 0, fmt.Errorf("frame envelope: want [method, args], got %d elements", n)
	}
	tag, err := dec.DecodeInt64()
	if err != nil {
		return 0, 0, fmt.Errorf("method tag: %w", err)
	}
	argc, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, 0, fmt.Errorf("args: %w", err)
	}
	if argc < 0 {
		return 0, 0, fmt.Errorf("args: want array, got nil")
	}
	return Method(tag), argc, nil
}

func frameDecoder(p []byte, want Method, minArgs int) (*msgpack.Decoder, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(p))
	m, argc, err := decodeHeader(dec)
	if err != nil {
		return nil, err
	}
	if m != want {
		return nil, fmt.Errorf("%s: unexpected method %s", want, m)
	}
	if argc < minArgs {
		return nil, fmt.Errorf("%s: want %d args, got %d", want, minArgs, argc)
	}
	return dec, nil
}

// DecodeMethod validates the frame envelope and returns the routing tag.
func DecodeMethod(p []byte) (Method, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(p))
	m, _, err := decodeHeader(dec)
	return m, err
}

func decodeFieldMap(dec *msgpack.Decoder) (FieldMap, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("field map: %w", err)
	}
	fm := make(FieldMap, max(n, 0))
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("field name: %w", err)
		}
		pair, err := dec.DecodeArrayLen()
		if err != nil || pair != 2 {
			return nil, fmt.Errorf("field %q: want [timestamp, value] cell", name)
		}
		ts, err := dec.DecodeUint64()
		if err != nil {
			return nil, fmt.Errorf("field %q timestamp: %w", name, err)
		}
		v, err := dec.DecodeInterface()
		if err != nil {
			return nil, fmt.Errorf("field %q value: %w", name, err)
		}
		fm[name] = Timestamped{TS: ts, Value: v}
	}
	return fm, nil
}

// DecodeDataUpdate decodes [arrayId, arrayIndexId, fields].
func DecodeDataUpdate(p []byte) (DataUpdateFrame, error) {
	var f DataUpdateFrame
	dec, err := frameDecoder(p, MethodDataUpdate, 3)
	if err != nil {
		return f, err
	}
	if f.ArrayID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("array id: %w", err)
	}
	if f.IndexID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("array index id: %w", err)
	}
	if f.Fields, err = decodeFieldMap(dec); err != nil {
		return f, err
	}
	return f, nil
}

// DecodeDataRemove decodes [arrayId, arrayIndexId, timestamp].
func DecodeDataRemove(p []byte) (DataRemoveFrame, error) {
	var f DataRemoveFrame
	dec, err := frameDecoder(p, MethodDataRemove, 3)
	if err != nil {
		return f, err
	}
	if f.ArrayID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("array id: %w", err)
	}
	if f.IndexID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("array index id: %w", err)
	}
	if f.TS, err = dec.DecodeUint64(); err != nil {
		return f, fmt.Errorf("timestamp: %w", err)
	}
	return f, nil
}

// DecodeHand decodes a claim or release frame: [key, playerId, timestamp].
func DecodeHand(m Method, p []byte) (HandFrame, error) {
	var f HandFrame
	dec, err := frameDecoder(p, m, 3)
	if err != nil {
		return f, err
	}
	if f.Key, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("hand key: %w", err)
	}
	if f.PlayerID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("player id: %w", err)
	}
	if f.TS, err = dec.DecodeUint64(); err != nil {
		return f, fmt.Errorf("timestamp: %w", err)
	}
	return f, nil
}

// DecodeLock decodes a lock frame: [lockName, playerId].
func DecodeLock(m Method, p []byte) (LockFrame, error) {
	var f LockFrame
	dec, err := frameDecoder(p, m, 2)
	if err != nil {
		return f, err
	}
	if f.Name, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("lock name: %w", err)
	}
	if f.PlayerID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("player id: %w", err)
	}
	return f, nil
}

// DecodeDocUpdate decodes [update] and returns the opaque update bytes.
func DecodeDocUpdate(p []byte) ([]byte, error) {
	dec, err := frameDecoder(p, MethodDocUpdate, 1)
	if err != nil {
		return nil, err
	}
	u, err := dec.DecodeBytes()
	if err != nil {
		return nil, fmt.Errorf("document update: %w", err)
	}
	return u, nil
}

// DecodePresence decodes a join or leave frame: [playerId].
func DecodePresence(m Method, p []byte) (string, error) {
	dec, err := frameDecoder(p, m, 1)
	if err != nil {
		return "", err
	}
	id, err := dec.DecodeString()
	if err != nil {
		return "", fmt.Errorf("player id: %w", err)
	}
	return id, nil
}

// DecodeSetPlayerData decodes [playerId, fields].
func DecodeSetPlayerData(p []byte) (SetPlayerDataFrame, error) {
	var f SetPlayerDataFrame
	dec, err := frameDecoder(p, MethodSetPlayerData, 2)
	if err != nil {
		return f, err
	}
	if f.PlayerID, err = dec.DecodeString(); err != nil {
		return f, fmt.Errorf("player id: %w", err)
	}
	if f.Fields, err = decodeFieldMap(dec); err != nil {
		return f, err
	}
	return f, nil
}

// DecodeInitPlayers decodes [[playerId, ...]].
func DecodeInitPlayers(p []byte) ([]string, error) {
	dec, err := frameDecoder(p, MethodInitPlayers, 1)
	if err != nil {
		return nil, err
	}
	n, err := dec.DecodeArrayLen()
	if err != nil || n < 0 {
		return nil, fmt.Errorf("player list: want array")
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("player id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DecodeDataImport decodes the full-state snapshot frame:
// [{arrayId: {arrayIndexId: fields}}].
func DecodeDataImport(p []byte) (map[string]map[string]FieldMap, error) {
	dec, err := frameDecoder(p, MethodDataImport, 1)
	if err != nil {
		return nil, err
	}
	na, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("import arrays: %w", err)
	}
	arrays := make(map[string]map[string]FieldMap, max(na, 0))
	for i := 0; i < na; i++ {
		arrayID, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("import array id: %w", err)
		}
		nm, err := dec.DecodeMapLen()
		if err != nil {
			return nil, fmt.Errorf("import array %q: %w", arrayID, err)
		}
		maps := make(map[string]FieldMap, max(nm, 0))
		for j := 0; j < nm; j++ {
			indexID, err := dec.DecodeString()
			if err != nil {
				return nil, fmt.Errorf("import array index id: %w", err)
			}
			fm, err := decodeFieldMap(dec)
			if err != nil {
				return nil, err
			}
			maps[indexID] = fm
		}
		arrays[arrayID] = maps
	}
	return arrays, nil
}

// --- Encoding ---

func encodeHeader(enc *msgpack.Encoder, m Method, argc int) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(m)); err != nil {
		return err
	}
	return enc.EncodeArrayLen(argc)
}

func encodeFieldMap(enc *msgpack.Encoder, fm FieldMap) error {
	names := make([]string, 0, len(fm))
	for name := range fm {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := enc.EncodeMapLen(len(fm)); err != nil {
		return err
	}
	for _, name := range names {
		if err := enc.EncodeString(name); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeUint(fm[name].TS); err != nil {
			return err
		}
		if err := enc.Encode(fm[name].Value); err != nil {
			return err
		}
	}
	return nil
}

// EncodeDataUpdate builds [MethodDataUpdate, [arrayId, arrayIndexId, fields]].
func EncodeDataUpdate(f DataUpdateFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, MethodDataUpdate, 3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.ArrayID); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.IndexID); err != nil {
		return nil, err
	}
	if err := encodeFieldMap(enc, f.Fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeDataRemove builds [MethodDataRemove, [arrayId, arrayIndexId, ts]].
func EncodeDataRemove(f DataRemoveFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, MethodDataRemove, 3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.ArrayID); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.IndexID); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(f.TS); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeHand builds a claim or release frame: [m, [key, playerId, ts]].
func EncodeHand(m Method, f HandFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, m, 3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.Key); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.PlayerID); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(f.TS); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeLock builds a lock frame: [m, [lockName, playerId]].
func EncodeLock(m Method, f LockFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, m, 2); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.Name); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.PlayerID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeDocUpdate builds [MethodDocUpdate, [update]].
func EncodeDocUpdate(update []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, MethodDocUpdate, 1); err != nil {
		return nil, err
	}
	if err := enc.EncodeBytes(update); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePresence builds a join or leave frame: [m, [playerId]].
func EncodePresence(m Method, playerID string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, m, 1); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(playerID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeSetPlayerData builds [MethodSetPlayerData, [playerId, fields]].
func EncodeSetPlayerData(f SetPlayerDataFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, MethodSetPlayerData, 2); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.PlayerID); err != nil {
		return nil, err
	}
	if err := encodeFieldMap(enc, f.Fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeInitPlayers builds [MethodInitPlayers, [[playerId, ...]]].
func EncodeInitPlayers(ids []string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, MethodInitPlayers, 1); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(ids)); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := enc.EncodeString(id); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeDataImport builds the full-state snapshot frame sent to a joining
// session. Keys are encoded in sorted order so snapshots are deterministic.
func EncodeDataImport(arrays map[string]map[string]FieldMap) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, MethodDataImport, 1); err != nil {
		return nil, err
	}
	arrayIDs := make([]string, 0, len(arrays))
	for id := range arrays {
		arrayIDs = append(arrayIDs, id)
	}
	sort.Strings(arrayIDs)
	if err := enc.EncodeMapLen(len(arrays)); err != nil {
		return nil, err
	}
	for _, arrayID := range arrayIDs {
		if err := enc.EncodeString(arrayID); err != nil {
			return nil, err
		}
		maps := arrays[arrayID]
		indexIDs := make([]string, 0, len(maps))
		for id := range maps {
			indexIDs = append(indexIDs, id)
		}
		sort.Strings(indexIDs)
		if err := enc.EncodeMapLen(len(maps)); err != nil {
			return nil, err
		}
		for _, indexID := range indexIDs {
			if err := enc.EncodeString(indexID); err != nil {
				return nil, err
			}
			if err := encodeFieldMap(enc, maps[indexID]); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// EncodeFrame builds an arbitrary frame from loosely typed args. Chat, log
// and media traffic is opaque to the server, so anything msgpack can encode
// is a legal payload.
func EncodeFrame(m Method, args ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, m, len(args)); err != nil {
		return nil, err
	}
	for _, a := range args {
		if err := enc.Encode(a); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// --- Storage forms ---

// MarshalFieldMap renders a map's fields in the persisted form, identical to
// the fields slot of a dataUpdate frame.
func MarshalFieldMap(fm FieldMap) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeFieldMap(msgpack.NewEncoder(&buf), fm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFieldMap parses the persisted form of a map's fields.
func UnmarshalFieldMap(p []byte) (FieldMap, error) {
	return decodeFieldMap(msgpack.NewDecoder(bytes.NewReader(p)))
}

// MarshalStringList renders an array's index membership in the persisted
// form: a msgpack array of arrayIndexIds.
func MarshalStringList(ids []string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(ids)); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := enc.EncodeString(id); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalStringList parses the persisted index membership of an array.
func UnmarshalStringList(p []byte) ([]string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(p))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("string list: %w", err)
	}
	ids := make([]string, 0, max(n, 0))
	for i := 0; i < n; i++ {
		id, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("string list entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarshalBinList renders a sequence of opaque blobs as a msgpack array of
// bins. The document CRDT uses this as its state-as-update form.
func MarshalBinList(units [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(units)); err != nil {
		return nil, err
	}
	for _, u := range units {
		if err := enc.EncodeBytes(u); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinList parses a msgpack array of bins.
func UnmarshalBinList(p []byte) ([][]byte, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(p))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("bin list: %w", err)
	}
	units := make([][]byte, 0, max(n, 0))
	for i := 0; i < n; i++ {
		u, err := dec.DecodeBytes()
		if err != nil {
			return nil, fmt.Errorf("bin list entry: %w", err)
		}
		units = append(units, u)
	}
	return units, nil
}
