package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/metrics"
)

// Bunt is the Store backed by an embedded BuntDB file. It serves single-node
// deployments where running Redis would be overkill; pass ":memory:" for an
// ephemeral database.
type Bunt struct {
	db *buntdb.DB
}

// NewBunt opens (or creates) the database at path.
func NewBunt(path string) (*Bunt, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open BuntDB at %q: %w", path, err)
	}
	logging.Info(context.Background(), "opened BuntDB storage", zap.String("path", path))
	return &Bunt{db: db}, nil
}

// Get reads one key. A key that has never been written returns (nil, nil).
func (b *Bunt) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var value []byte
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = []byte(v)
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		err = nil
		value = nil
	}
	metrics.RecordStorageOperation("bunt", "get", time.Since(start).Seconds(), err)

	if err != nil {
		return nil, fmt.Errorf("bunt get %q: %w", key, err)
	}
	return value, nil
}

// Put writes one key.
func (b *Bunt) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
	metrics.RecordStorageOperation("bunt", "put", time.Since(start).Seconds(), err)

	if err != nil {
		return fmt.Errorf("bunt put %q: %w", key, err)
	}
	return nil
}

// Ping verifies the database still accepts transactions.
func (b *Bunt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *buntdb.Tx) error { return nil })
}

// Close flushes and closes the database file.
func (b *Bunt) Close() error {
	return b.db.Close()
}
