// Package store implements the tiered key/value store backing the POS core.
//
// Three tiers with distinct durability contracts hold all persistent state:
//
//   - hot: ephemeral working set, no guarantee across restart
//   - cold: durable primary store
//   - archive: durable bulk storage, holds migration backups
//
// The same key may exist in several tiers independently; tiers share nothing.
// TieredStore composes one Backend per tier and adds the cross-tier
// operations (Move, batch operations, locked updates). It is not
// transactional across keys; multi-key consistency is the caller's
// responsibility via explicit sequencing.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
)

// Tier identifies one of the three storage tiers.
type Tier int

const (
	TierHot Tier = iota + 1
	TierCold
	TierArchive
)

// Tiers lists all tiers in durability order. Used by callers that operate
// across the whole store (backups, restores, stats).
var Tiers = []Tier{TierHot, TierCold, TierArchive}

// String returns the tier name used in logs and on the wire.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCold:
		return "cold"
	case TierArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// ParseTier converts a wire tier name back to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "hot":
		return TierHot, nil
	case "cold":
		return TierCold, nil
	case "archive":
		return TierArchive, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// TierStats holds per-tier usage counters.
type TierStats struct {
	Keys  int   `json:"keys"`
	Bytes int64 `json:"bytes"`
}

// Stats holds usage counters for the whole store, keyed by tier name.
type Stats struct {
	Tiers map[string]TierStats `json:"tiers"`
}

// Backend is a single tier's raw key/value engine.
//
// Implementations must be safe for concurrent use. Load returns a StoreError
// with code ErrNotFound for a missing key; engine failures surface as
// ErrTierUnavailable or ErrIOError so callers can tell an outage from a miss.
type Backend interface {
	// Initialize opens the backing engine. Must be called before any other
	// operation. A failed Initialize leaves the backend unusable but must
	// not panic.
	Initialize(ctx context.Context) error

	// Save stores value under key, overwriting unconditionally.
	Save(ctx context.Context, key string, value []byte) error

	// Load returns the value for key, or an ErrNotFound StoreError.
	Load(ctx context.Context, key string) ([]byte, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// ListKeys returns all keys with the given prefix. An empty prefix
	// lists every key in the tier.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key in the tier.
	Clear(ctx context.Context) error

	// Stats returns usage counters for the tier.
	Stats(ctx context.Context) (TierStats, error)

	// Close releases the backing engine. Idempotent.
	Close() error
}

// TieredStore composes one backend per tier.
type TieredStore struct {
	backends map[Tier]Backend

	// updateMu serializes UpdateWithLock per key. Entries are never removed;
	// the key space is small (entities, not rows).
	updateMu sync.Map // string -> *sync.Mutex

	mu          sync.RWMutex
	initialized bool
	closed      bool
}

// New creates a TieredStore over the given per-tier backends.
func New(hot, cold, archive Backend) *TieredStore {
	return &TieredStore{
		backends: map[Tier]Backend{
			TierHot:     hot,
			TierCold:    cold,
			TierArchive: archive,
		},
	}
}

// Initialize opens all three backends. The error is returned to the caller
// rather than terminating the process: hosts are expected to degrade (e.g.
// emergency snapshots only) when core storage cannot be opened.
func (s *TieredStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	for _, tier := range Tiers {
		if err := s.backends[tier].Initialize(ctx); err != nil {
			return NewTierUnavailableError(tier, fmt.Errorf("initialize: %w", err))
		}
	}
	s.initialized = true
	return nil
}

// Close closes all backends. Safe to call more than once.
func (s *TieredStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, tier := range Tiers {
		if err := s.backends[tier].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s tier: %w", tier, err)
		}
	}
	return firstErr
}

func (s *TieredStore) backend(tier Tier) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &StoreError{Code: ErrClosed, Message: "store is closed", Tier: tier}
	}
	b, ok := s.backends[tier]
	if !ok {
		return nil, &StoreError{Code: ErrTierUnavailable, Message: "no backend for tier", Tier: tier}
	}
	return b, nil
}

// Save stores value under key in the given tier, overwriting unconditionally.
func (s *TieredStore) Save(ctx context.Context, key keys.Key, value []byte, tier Tier) error {
	if !key.Valid() {
		return &StoreError{Code: ErrInvalidKey, Message: "invalid key", Key: key.String(), Tier: tier}
	}
	b, err := s.backend(tier)
	if err != nil {
		return err
	}
	return b.Save(ctx, key.String(), value)
}

// Load returns the value stored under key in the given tier.
// A missing key returns an ErrNotFound StoreError, never a panic or a nil
// slice with nil error.
func (s *TieredStore) Load(ctx context.Context, key keys.Key, tier Tier) ([]byte, error) {
	b, err := s.backend(tier)
	if err != nil {
		return nil, err
	}
	return b.Load(ctx, key.String())
}

// Remove deletes key from the given tier. Idempotent.
func (s *TieredStore) Remove(ctx context.Context, key keys.Key, tier Tier) error {
	b, err := s.backend(tier)
	if err != nil {
		return err
	}
	return b.Remove(ctx, key.String())
}

// ListKeys returns the raw keys in a tier, optionally filtered by prefix.
func (s *TieredStore) ListKeys(ctx context.Context, tier Tier, prefix string) ([]string, error) {
	b, err := s.backend(tier)
	if err != nil {
		return nil, err
	}
	return b.ListKeys(ctx, prefix)
}

// ListKind returns the keys of one kind in a tier, already parsed.
func (s *TieredStore) ListKind(ctx context.Context, tier Tier, kind keys.Kind) ([]keys.Key, error) {
	raw, err := s.ListKeys(ctx, tier, kind.Prefix())
	if err != nil {
		return nil, err
	}
	parsed := make([]keys.Key, 0, len(raw))
	for _, r := range raw {
		k, err := keys.Parse(r)
		if err != nil {
			// Prefix collision with an unknown namespace; skip rather than fail
			// the whole listing.
			continue
		}
		if k.Kind == kind {
			parsed = append(parsed, k)
		}
	}
	return parsed, nil
}

// ClearTier removes every key in a tier.
func (s *TieredStore) ClearTier(ctx context.Context, tier Tier) error {
	b, err := s.backend(tier)
	if err != nil {
		return err
	}
	return b.Clear(ctx)
}

// Move transfers a key from one tier to another.
//
// The operation is load+save+remove. If the source removal fails after the
// destination save succeeded, the destination copy is removed again so the
// store settles in the pre-move state; only if that compensation also fails
// does Move return an ErrMoveConflict, naming both tiers.
func (s *TieredStore) Move(ctx context.Context, key keys.Key, from, to Tier) error {
	value, err := s.Load(ctx, key, from)
	if err != nil {
		return err
	}
	if err := s.Save(ctx, key, value, to); err != nil {
		return fmt.Errorf("move %s: save to %s: %w", key, to, err)
	}
	if err := s.Remove(ctx, key, from); err != nil {
		if compErr := s.Remove(ctx, key, to); compErr != nil {
			return &StoreError{
				Code:    ErrMoveConflict,
				Message: fmt.Sprintf("remove from %s failed and undo on %s failed: %v", from, to, compErr),
				Key:     key.String(),
				Tier:    from,
				Err:     err,
			}
		}
		return fmt.Errorf("move %s: remove from %s: %w", key, from, err)
	}
	return nil
}

// BatchResult reports the outcome of a batch operation per key.
// Failed maps the wire form of each failed key to its error; keys absent from
// Failed succeeded.
type BatchResult struct {
	Succeeded int
	Failed    map[string]error
}

// OK reports whether every key in the batch succeeded.
func (r BatchResult) OK() bool {
	return len(r.Failed) == 0
}

// BatchSave stores multiple entries in one tier. Failures are collected per
// key; the batch never aborts silently on the first error.
func (s *TieredStore) BatchSave(ctx context.Context, entries map[keys.Key][]byte, tier Tier) BatchResult {
	result := BatchResult{Failed: make(map[string]error)}
	for key, value := range entries {
		if err := s.Save(ctx, key, value, tier); err != nil {
			result.Failed[key.String()] = err
			continue
		}
		result.Succeeded++
	}
	return result
}

// BatchLoad loads multiple keys from one tier. Missing keys are reported in
// the result's Failed map with their ErrNotFound, alongside any real errors.
func (s *TieredStore) BatchLoad(ctx context.Context, ks []keys.Key, tier Tier) (map[string][]byte, BatchResult) {
	values := make(map[string][]byte, len(ks))
	result := BatchResult{Failed: make(map[string]error)}
	for _, key := range ks {
		value, err := s.Load(ctx, key, tier)
		if err != nil {
			result.Failed[key.String()] = err
			continue
		}
		values[key.String()] = value
		result.Succeeded++
	}
	return values, result
}

// Mutator transforms a stored value into its replacement. A nil current value
// means the key does not exist yet.
type Mutator func(current []byte) ([]byte, error)

// UpdateWithLock performs a serialized read-modify-write on one key.
//
// Concurrent updates to the same key are serialized on a per-key mutex;
// updates to different keys do not block each other. The mutator sees nil
// when the key is absent. If the mutator returns an error nothing is written.
func (s *TieredStore) UpdateWithLock(ctx context.Context, key keys.Key, tier Tier, fn Mutator) error {
	lockAny, _ := s.updateMu.LoadOrStore(key.String(), &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Load(ctx, key, tier)
	if err != nil && !IsNotFound(err) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.Save(ctx, key, next, tier)
}

// Stats returns usage counters for all tiers. A tier whose backend fails to
// report is listed with zeroed counters rather than failing the whole call.
func (s *TieredStore) Stats(ctx context.Context) Stats {
	stats := Stats{Tiers: make(map[string]TierStats, len(Tiers))}
	for _, tier := range Tiers {
		b, err := s.backend(tier)
		if err != nil {
			stats.Tiers[tier.String()] = TierStats{}
			continue
		}
		ts, err := b.Stats(ctx)
		if err != nil {
			ts = TierStats{}
		}
		stats.Tiers[tier.String()] = ts
	}
	return stats
}
