package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/datamodel"
	"github.com/lunarscape/roomd/internal/v1/doccrdt"
	"github.com/lunarscape/roomd/internal/v1/locks"
	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/wire"
)

// crdtKey is the fixed storage key for the document CRDT's state-as-update.
const crdtKey = "crdt"

// roomState bundles the three per-room clients. Built exactly once per room
// and shared by every session in it.
type roomState struct {
	data  *datamodel.Client
	doc   *doccrdt.Client
	locks *locks.Client
}

// stateFlight is one in-progress initialization. Concurrent attachers await
// the same flight and observe the same result, so storage sees a single read
// of each key.
type stateFlight struct {
	done  chan struct{}
	state *roomState
	err   error
}

// roomState returns the shared per-room clients, initializing them on first
// call. A failed flight is not cached: the next attach retries, so a
// transient storage outage cannot poison a room name.
func (r *Room) roomState(ctx context.Context) (*roomState, error) {
	r.flightMu.Lock()
	if r.state != nil {
		st := r.state
		r.flightMu.Unlock()
		return st, nil
	}
	if f := r.flight; f != nil {
		r.flightMu.Unlock()
		select {
		case <-f.done:
			return f.state, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &stateFlight{done: make(chan struct{})}
	r.flight = f
	r.flightMu.Unlock()

	f.state, f.err = r.loadState(ctx)

	r.flightMu.Lock()
	if f.err == nil {
		r.state = f.state
	}
	r.flight = nil
	r.flightMu.Unlock()
	close(f.done)
	return f.state, f.err
}

// currentState returns the initialized clients, or nil before the first
// successful flight.
func (r *Room) currentState() *roomState {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	return r.state
}

// loadState reads the room's durable state and wires the three clients
// together: data-model and document mutations feed the persist worker, lock
// grants feed the reflect broadcast.
func (r *Room) loadState(ctx context.Context) (*roomState, error) {
	data, err := datamodel.Load(ctx, r.kv, datamodel.Schema, r.enqueuePuts)
	if err != nil {
		return nil, fmt.Errorf("room %q: load data model: %w", r.name, err)
	}

	snap, err := r.kv.Get(ctx, crdtKey)
	if err != nil {
		return nil, fmt.Errorf("room %q: load document: %w", r.name, err)
	}
	doc := doccrdt.New(snap)
	doc.OnUpdate(func(stateAsUpdate []byte) {
		r.enqueuePuts([]datamodel.Put{{Key: crdtKey, Value: stateAsUpdate}})
	})

	// Grants go to every session, holder included, so peers all observe the
	// global lock outcome. Runs with the room mutex held.
	lk := locks.New(r.ctx, func(f wire.LockFrame) {
		frame, err := wire.EncodeLock(wire.MethodLockResponse, f)
		if err != nil {
			logging.Error(r.ctx, "encode lock grant", zap.Error(err))
			return
		}
		r.reflectMessageToPeers(frame)
	})

	return &roomState{data: data, doc: doc, locks: lk}, nil
}

// persistOp is one pending storage write.
type persistOp struct {
	key   string
	value []byte
}

// persistWorker serializes a room's storage writes. Writes retain their
// enqueue order, so the last write for a key is the last applied.
type persistWorker struct {
	ch   chan persistOp
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPersistWorker(ctx context.Context, kv kvPutter, room string) *persistWorker {
	w := &persistWorker{
		ch:   make(chan persistOp, 256),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for op := range w.ch {
			if err := kv.Put(ctx, op.key, op.value); err != nil {
				logging.Error(ctx, "room persist failed",
					zap.String("room", room),
					zap.String("key", op.key),
					zap.Error(err),
				)
			}
		}
	}()
	return w
}

type kvPutter interface {
	Put(ctx context.Context, key string, value []byte) error
}

// enqueue queues one write, blocking when the buffer is full so ordering is
// preserved under backpressure. Returns false if the worker already closed.
func (w *persistWorker) enqueue(op persistOp) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.ch <- op
	return true
}

// close stops accepting writes and waits for the queue to drain.
func (w *persistWorker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}

// enqueuePuts feeds mutations from the data-model and document clients into
// the room's persist worker. Drops after room teardown are logged; by then
// the room has no sessions left to produce meaningful writes.
func (r *Room) enqueuePuts(puts []datamodel.Put) {
	for _, p := range puts {
		if !r.persist.enqueue(persistOp{key: p.Key, value: p.Value}) {
			logging.Warn(r.ctx, "persist after room teardown dropped", zap.String("key", p.Key))
		}
	}
}
