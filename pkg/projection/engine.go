package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Engine is the projection-engine contract consumed by snapshots and RPC.
type Engine interface {
	// GetState returns one projection's current state, or false if the id
	// is unknown.
	GetState(id string) (any, bool)

	// SnapshotAll returns every projection's state keyed by projection id.
	SnapshotAll() map[string]any

	// Rebuild resets all projections and replays the persisted event log.
	Rebuild(ctx context.Context) error

	// Reset resets the named projections to their zero state.
	Reset(ids []string) error

	// List returns the registered projection ids.
	List() []string
}

// Projection is one derived read model.
type Projection interface {
	ID() string
	Apply(e events.Event)
	State() any
	Reset()
}

// Registry is the Engine implementation: a set of projections fed from an
// event subscription, rebuildable from the cold tier's evt: records.
type Registry struct {
	store *store.TieredStore // nil disables Rebuild

	mu          sync.RWMutex
	projections map[string]Projection
}

// NewRegistry creates a registry over the given projections.
func NewRegistry(s *store.TieredStore, projections ...Projection) *Registry {
	r := &Registry{store: s, projections: make(map[string]Projection, len(projections))}
	for _, p := range projections {
		r.projections[p.ID()] = p
	}
	return r
}

// Attach subscribes the registry to an event log so that every committed
// event updates all projections. Returns the unsubscribe function.
func (r *Registry) Attach(log events.Log) func() {
	return log.Subscribe(r.apply)
}

func (r *Registry) apply(e events.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projections {
		p.Apply(e)
	}
}

func (r *Registry) GetState(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projections[id]
	if !ok {
		return nil, false
	}
	return p.State(), true
}

func (r *Registry) SnapshotAll() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.projections))
	for id, p := range r.projections {
		out[id] = p.State()
	}
	return out
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.projections))
	for id := range r.projections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Reset(ids []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		p, ok := r.projections[id]
		if !ok {
			return fmt.Errorf("unknown projection %q", id)
		}
		p.Reset()
	}
	return nil
}

// Rebuild resets every projection and replays all persisted events in
// sequence order. Events that fail to decode are skipped with a warning; one
// corrupt record must not block recovering the rest of the day.
func (r *Registry) Rebuild(ctx context.Context) error {
	if r.store == nil {
		return fmt.Errorf("rebuild requires a store")
	}

	eventKeys, err := r.store.ListKind(ctx, store.TierCold, keys.KindEvent)
	if err != nil {
		return fmt.Errorf("list persisted events: %w", err)
	}

	replay := make([]events.Event, 0, len(eventKeys))
	for _, key := range eventKeys {
		raw, err := r.store.Load(ctx, key, store.TierCold)
		if err != nil {
			logger.Warn("skipping unreadable event during rebuild", "key", key.String(), "error", err)
			continue
		}
		var e events.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warn("skipping undecodable event during rebuild", "key", key.String(), "error", err)
			continue
		}
		replay = append(replay, e)
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].Seq < replay[j].Seq })

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projections {
		p.Reset()
	}
	for _, e := range replay {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, p := range r.projections {
			p.Apply(e)
		}
	}

	logger.Info("projections rebuilt", "events", len(replay), "projections", len(r.projections))
	return nil
}
