package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
	"github.com/r0nw4lk3r31/tillcore/pkg/store/memory"
)

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestTablesLifecycle(t *testing.T) {
	tables := NewTables()
	now := time.Now()

	tables.Apply(events.Event{
		Type: EventTableOpened, Timestamp: now,
		Payload: mustPayload(t, TableOpenedPayload{TableID: "T1", Name: "terrace 1", StaffID: "e-1"}),
	})
	tables.Apply(events.Event{
		Type: EventOrderCreated,
		Payload: mustPayload(t, OrderCreatedPayload{
			TableID: "T1",
			Items: []OrderItem{
				{ProductID: "p-1", Name: "house red", Quantity: 1, UnitPrice: 10.00, TaxRate: 0.21},
			},
		}),
	})

	open := tables.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "T1", open[0].TableID)
	assert.InDelta(t, 12.10, open[0].Total(), 0.001)

	tables.Apply(events.Event{
		Type:    EventTableClosed,
		Payload: mustPayload(t, TableClosedPayload{TableID: "T1"}),
	})
	assert.Empty(t, tables.Open())
}

func TestTablesOrderForUnknownTableStillCounts(t *testing.T) {
	tables := NewTables()

	tables.Apply(events.Event{
		Type: EventOrderCreated,
		Payload: mustPayload(t, OrderCreatedPayload{
			TableID: "T9",
			Items:   []OrderItem{{ProductID: "p", Quantity: 2, UnitPrice: 3.00, TaxRate: 0.21}},
		}),
	})

	open := tables.Open()
	require.Len(t, open, 1)
	assert.InDelta(t, 7.26, open[0].Total(), 0.001)
}

func TestTablesIgnoresMalformedPayload(t *testing.T) {
	tables := NewTables()
	tables.Apply(events.Event{Type: EventTableOpened, Payload: json.RawMessage(`{broken`)})
	tables.Apply(events.Event{Type: EventTableOpened})
	assert.Empty(t, tables.Open())
}

func TestStaffClockInOut(t *testing.T) {
	staff := NewStaff()

	staff.Apply(events.Event{
		Type: EventStaffClockedIn, Timestamp: time.Now(),
		Payload: mustPayload(t, StaffClockPayload{StaffID: "e-1", Name: "Sam", SessionID: "s-1"}),
	})
	staff.Apply(events.Event{
		Type:    EventStaffClockedIn,
		Payload: mustPayload(t, StaffClockPayload{StaffID: "e-2", Name: "Alex"}),
	})

	active := staff.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "e-1", active[0].StaffID)

	staff.Apply(events.Event{
		Type:    EventStaffClockedOut,
		Payload: mustPayload(t, StaffClockPayload{StaffID: "e-1"}),
	})
	active = staff.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "e-2", active[0].StaffID)
}

func newRegistryStore(t *testing.T) *store.TieredStore {
	t.Helper()
	s := store.New(
		memory.New(store.TierHot),
		memory.New(store.TierCold),
		memory.New(store.TierArchive),
	)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegistryAttachAndQuery(t *testing.T) {
	s := newRegistryStore(t)
	log := events.NewMemLog(s)

	registry := NewRegistry(s, NewTables(), NewStaff())
	unsubscribe := registry.Attach(log)
	defer unsubscribe()

	_, err := log.Emit(EventTableOpened, TableOpenedPayload{TableID: "T1"})
	require.NoError(t, err)
	_, err = log.Emit(EventStaffClockedIn, StaffClockPayload{StaffID: "e-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{StaffID, TablesID}, registry.List())

	state, ok := registry.GetState(TablesID)
	require.True(t, ok)
	assert.Len(t, state.([]OpenTable), 1)

	all := registry.SnapshotAll()
	assert.Contains(t, all, TablesID)
	assert.Contains(t, all, StaffID)

	_, ok = registry.GetState("bogus")
	assert.False(t, ok)
}

func TestRegistryRebuildReplaysInSeqOrder(t *testing.T) {
	s := newRegistryStore(t)
	log := events.NewMemLog(s)

	// Persist events without any projection attached.
	_, err := log.Emit(EventTableOpened, TableOpenedPayload{TableID: "T1"})
	require.NoError(t, err)
	_, err = log.Emit(EventOrderCreated, OrderCreatedPayload{
		TableID: "T1",
		Items:   []OrderItem{{ProductID: "p", Quantity: 1, UnitPrice: 10, TaxRate: 0.21}},
	})
	require.NoError(t, err)
	_, err = log.Emit(EventTableClosed, TableClosedPayload{TableID: "T1"})
	require.NoError(t, err)
	_, err = log.Emit(EventTableOpened, TableOpenedPayload{TableID: "T2"})
	require.NoError(t, err)

	tables := NewTables()
	registry := NewRegistry(s, tables)
	require.NoError(t, registry.Rebuild(context.Background()))

	open := tables.Open()
	require.Len(t, open, 1, "T1 closed before T2 opened; only T2 survives replay")
	assert.Equal(t, "T2", open[0].TableID)
}

func TestRegistryReset(t *testing.T) {
	tables := NewTables()
	registry := NewRegistry(nil, tables)

	tables.Apply(events.Event{
		Type:    EventTableOpened,
		Payload: json.RawMessage(`{"tableId":"T1"}`),
	})
	require.NoError(t, registry.Reset([]string{TablesID}))
	assert.Empty(t, tables.Open())

	assert.Error(t, registry.Reset([]string{"unknown"}))
}
