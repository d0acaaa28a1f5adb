// Package storage provides the durable key/value layer rooms persist to.
// Two backends ship: Redis for multi-node deployments and embedded BuntDB
// for single-node ones. Values are opaque bytes; a missing key reads as nil.
package storage

import (
	"context"
	"fmt"
)

// KV is the key/value surface room state is loaded from and persisted to.
// Get returns (nil, nil) when the key has never been written.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Store is a full backend: the KV surface plus health and lifecycle hooks.
type Store interface {
	KV
	Ping(ctx context.Context) error
	Close() error
}

// ForRoom returns a view of kv whose keys are scoped to one room. Rooms see
// bare keys (array ids, array index ids, "crdt"); the view prefixes them with
// "room:<name>:" so rooms never collide in the shared backend.
func ForRoom(kv KV, roomName string) KV {
	return &namespaced{kv: kv, prefix: fmt.Sprintf("room:%s:", roomName)}
}

type namespaced struct {
	kv     KV
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *namespaced) Put(ctx context.Context, key string, value []byte) error {
	return n.kv.Put(ctx, n.prefix+key, value)
}
