package projection

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
)

// TablesID is the registry id of the open-tables projection.
const TablesID = "tables"

// Tables tracks every table with an in-progress order.
type Tables struct {
	mu   sync.RWMutex
	open map[string]*OpenTable
}

// NewTables creates an empty open-tables projection.
func NewTables() *Tables {
	return &Tables{open: make(map[string]*OpenTable)}
}

func (t *Tables) ID() string { return TablesID }

func (t *Tables) Apply(e events.Event) {
	switch e.Type {
	case EventTableOpened:
		var p TableOpenedPayload
		if !decodePayload(e, &p) || p.TableID == "" {
			return
		}
		t.mu.Lock()
		t.open[p.TableID] = &OpenTable{
			TableID:  p.TableID,
			Name:     p.Name,
			StaffID:  p.StaffID,
			OpenedAt: e.Timestamp,
			Items:    []OrderItem{},
		}
		t.mu.Unlock()

	case EventOrderCreated:
		var p OrderCreatedPayload
		if !decodePayload(e, &p) || p.TableID == "" {
			return
		}
		t.mu.Lock()
		table, ok := t.open[p.TableID]
		if !ok {
			// Order against a table we never saw open: surface it instead of
			// silently dropping revenue.
			table = &OpenTable{TableID: p.TableID, OpenedAt: e.Timestamp, Items: []OrderItem{}}
			t.open[p.TableID] = table
		}
		table.Items = append(table.Items, p.Items...)
		t.mu.Unlock()

	case EventTableClosed:
		var p TableClosedPayload
		if !decodePayload(e, &p) {
			return
		}
		t.mu.Lock()
		delete(t.open, p.TableID)
		t.mu.Unlock()
	}
}

// State returns the open tables sorted by table id.
func (t *Tables) State() any {
	return t.Open()
}

// Open returns a copy of all open tables sorted by table id.
func (t *Tables) Open() []OpenTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]OpenTable, 0, len(t.open))
	for _, table := range t.open {
		cp := *table
		cp.Items = append([]OrderItem(nil), table.Items...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}

func (t *Tables) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = make(map[string]*OpenTable)
}

// decodePayload decodes an event payload, logging and skipping on failure.
func decodePayload(e events.Event, into any) bool {
	if len(e.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		logger.Warn("undecodable event payload", "type", e.Type, "event_id", e.ID, "error", err)
		return false
	}
	return true
}
