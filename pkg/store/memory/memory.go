// Package memory implements the hot-tier backend: an in-process map with no
// durability across restart.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Backend is an in-memory key/value engine. Values are copied on Save and
// Load so callers can never alias the stored slice.
//
// The tier is recorded at construction so errors name the tier this backend
// serves; tests reuse memory backends for all three tiers.
type Backend struct {
	tier store.Tier

	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an uninitialized memory backend serving the given tier.
func New(tier store.Tier) *Backend {
	return &Backend{tier: tier}
}

// Initialize allocates the map. Never fails.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.data = make(map[string][]byte)
	}
	return nil
}

func (b *Backend) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return store.NewTierUnavailableError(b.tier, errNotInitialized)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b.data[key] = cp
	return nil
}

func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return nil, store.NewTierUnavailableError(b.tier, errNotInitialized)
	}
	value, ok := b.data[key]
	if !ok {
		return nil, store.NewNotFoundError(key, b.tier)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *Backend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.data))
	for key := range b.data {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (b *Backend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[string][]byte)
	return nil
}

func (b *Backend) Stats(ctx context.Context) (store.TierStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := store.TierStats{Keys: len(b.data)}
	for _, v := range b.data {
		stats.Bytes += int64(len(v))
	}
	return stats, nil
}

// Close drops the map. The hot tier guarantees nothing across restart.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

var errNotInitialized = &notInitializedError{}

type notInitializedError struct{}

func (*notInitializedError) Error() string { return "memory backend not initialized" }
