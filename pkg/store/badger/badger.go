// Package badger implements the cold-tier backend on BadgerDB.
//
// The cold tier is the durable primary store: every committed entity write
// lands here. BadgerDB gives us crash-safe single-key writes without an
// external database server, which matters for on-premise POS deployments.
package badger

import (
	"context"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Config holds badger backend configuration.
type Config struct {
	// Path is the directory holding the badger value log and LSM tree.
	Path string

	// SyncWrites forces an fsync on every commit. Slower, but the cold tier
	// is the durability anchor of the system.
	SyncWrites bool
}

// Backend is a badger-backed key/value engine for one tier.
type Backend struct {
	tier store.Tier
	cfg  Config

	mu sync.RWMutex
	db *badger.DB
}

// New creates an unopened badger backend serving the given tier.
func New(tier store.Tier, cfg Config) *Backend {
	return &Backend{tier: tier, cfg: cfg}
}

// Initialize opens the badger database. A failure is returned, not fatal:
// callers degrade when the cold tier cannot be opened.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}

	opts := badger.DefaultOptions(b.cfg.Path).
		WithSyncWrites(b.cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger at %s: %w", b.cfg.Path, err)
	}
	b.db = db

	logger.Info("badger tier opened", "tier", b.tier.String(), "path", b.cfg.Path)
	return nil
}

func (b *Backend) database() (*badger.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, store.NewTierUnavailableError(b.tier, fmt.Errorf("badger not open"))
	}
	return b.db, nil
}

func (b *Backend) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := b.database()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "save failed", Key: key, Tier: b.tier, Err: err,
		}
	}
	return nil
}

func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := b.database()
	if err != nil {
		return nil, err
	}

	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return store.NewNotFoundError(key, b.tier)
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if store.IsNotFound(err) {
			return nil, err
		}
		return nil, &store.StoreError{
			Code: store.ErrIOError, Message: "load failed", Key: key, Tier: b.tier, Err: err,
		}
	}
	return value, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := b.database()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "remove failed", Key: key, Tier: b.tier, Err: err,
		}
	}
	return nil
}

func (b *Backend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := b.database()
	if err != nil {
		return nil, err
	}

	var out []string
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, &store.StoreError{
			Code: store.ErrIOError, Message: "list failed", Tier: b.tier, Err: err,
		}
	}
	return out, nil
}

// Clear removes every key in the tier with a single write batch.
func (b *Backend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := b.database()
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "clear failed", Tier: b.tier, Err: err,
		}
	}
	if err := wb.Flush(); err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "clear flush failed", Tier: b.tier, Err: err,
		}
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context) (store.TierStats, error) {
	db, err := b.database()
	if err != nil {
		return store.TierStats{}, err
	}

	var stats store.TierStats
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stats.Keys++
			stats.Bytes += it.Item().EstimatedSize()
		}
		return nil
	})
	if err != nil {
		return store.TierStats{}, err
	}
	return stats, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	if err != nil {
		return fmt.Errorf("close badger tier %s: %w", b.tier, err)
	}
	return nil
}
