package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
)

func liveRegistry(t *testing.T) (*projection.Registry, *events.MemLog) {
	t.Helper()
	registry := projection.NewRegistry(nil, projection.NewTables(), projection.NewStaff())
	log := events.NewMemLog(nil)
	t.Cleanup(registry.Attach(log))
	return registry, log
}

func TestBuildDerivesSummaryFromProjections(t *testing.T) {
	registry, log := liveRegistry(t)

	_, err := log.Emit(projection.EventTableOpened, projection.TableOpenedPayload{
		TableID: "t-12", Name: "Terrace 12", StaffID: "emp-1",
	})
	require.NoError(t, err)
	_, err = log.Emit(projection.EventOrderCreated, projection.OrderCreatedPayload{
		TableID: "t-12",
		Items: []projection.OrderItem{
			{ProductID: "p-1", Name: "Rioja", Quantity: 1, UnitPrice: 10.0, TaxRate: 0.21},
		},
	})
	require.NoError(t, err)
	_, err = log.Emit(projection.EventStaffClockedIn, projection.StaffClockPayload{
		StaffID: "emp-1", Name: "Ines",
	})
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC)
	snap := NewBuilder(registry).WithClock(func() time.Time { return at }).Build()

	assert.Equal(t, "2026-03-14", snap.BusinessDay)
	assert.Equal(t, 1, snap.Summary.TotalOpenTables)
	assert.Equal(t, 1, snap.Summary.ActiveStaffCount)
	assert.InDelta(t, 12.10, snap.Summary.PendingRevenue, 0.001)
	require.Len(t, snap.OpenTables, 1)
	assert.Equal(t, "Terrace 12", snap.OpenTables[0].Name)
	assert.Nil(t, snap.GracefulShutdown)
}

func TestBuildOnEmptyProjectionsIsValid(t *testing.T) {
	registry, _ := liveRegistry(t)

	snap := NewBuilder(registry).Build()

	assert.Zero(t, snap.Summary.TotalOpenTables)
	assert.Zero(t, snap.Summary.PendingRevenue)
	assert.NotNil(t, snap.OpenTables)
	assert.NotNil(t, snap.ActiveStaff)

	text := RenderText(snap)
	assert.Contains(t, text, "OPEN TABLES (0)")
	assert.Contains(t, text, "none")
	assert.Contains(t, text, "PENDING REVENUE: 0.00 EUR")
}

func TestWriterLivePairIsDateStamped(t *testing.T) {
	registry, log := liveRegistry(t)
	_, err := log.Emit(projection.EventTableOpened, projection.TableOpenedPayload{TableID: "t-1", Name: "Bar 1"})
	require.NoError(t, err)

	dir := t.TempDir()
	writer, err := NewWriter(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	snap := NewBuilder(registry).WithClock(func() time.Time { return at }).Build()
	require.NoError(t, writer.WriteLive(snap))

	raw, err := os.ReadFile(writer.LiveJSONPath(snap))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"businessDay": "2026-03-14"`)

	text, err := os.ReadFile(writer.LiveTextPath(snap))
	require.NoError(t, err)
	assert.Contains(t, string(text), "Bar 1")
	assert.Contains(t, string(text), "OPERATIONAL SNAPSHOT — 2026-03-14")

	// No stray temp files after a successful write.
	entries, err := os.ReadDir(writer.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-")
	}
}

func TestWriterExitRoundTrip(t *testing.T) {
	registry, _ := liveRegistry(t)
	writer, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = writer.ReadExit()
	require.ErrorIs(t, err, os.ErrNotExist)

	snap := NewBuilder(registry).Build()
	snap.MarkExit(false)
	require.NoError(t, writer.WriteExit(snap))

	loaded, err := writer.ReadExit()
	require.NoError(t, err)
	require.NotNil(t, loaded.GracefulShutdown)
	assert.False(t, *loaded.GracefulShutdown)

	text, err := os.ReadFile(filepath.Join(writer.Dir(), ExitTextName))
	require.NoError(t, err)
	assert.Contains(t, string(text), "NOT GRACEFUL")

	// A graceful shutdown overwrites the previous exit pair.
	snap.MarkExit(true)
	require.NoError(t, writer.WriteExit(snap))
	loaded, err = writer.ReadExit()
	require.NoError(t, err)
	assert.True(t, *loaded.GracefulShutdown)
}

func TestWriterFailedWriteKeepsPreviousFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind as root")
	}
	registry, _ := liveRegistry(t)
	writer, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	snap := NewBuilder(registry).WithClock(func() time.Time { return at }).Build()
	require.NoError(t, writer.WriteLive(snap))
	before, err := os.ReadFile(writer.LiveJSONPath(snap))
	require.NoError(t, err)

	// Make the directory unwritable so temp creation fails.
	require.NoError(t, os.Chmod(writer.Dir(), 0o555))
	t.Cleanup(func() { _ = os.Chmod(writer.Dir(), 0o755) })

	require.Error(t, writer.WriteLive(snap))

	require.NoError(t, os.Chmod(writer.Dir(), 0o755))
	after, err := os.ReadFile(writer.LiveJSONPath(snap))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRenderTextItemLines(t *testing.T) {
	snap := Snapshot{
		Timestamp:   time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC),
		BusinessDay: "2026-03-14",
		OpenTables: []projection.OpenTable{{
			TableID:  "t-7",
			StaffID:  "emp-2",
			OpenedAt: time.Date(2026, 3, 14, 20, 15, 0, 0, time.UTC),
			Items: []projection.OrderItem{
				{Name: "Espresso", Quantity: 2, UnitPrice: 1.50, TaxRate: 0.10},
			},
		}},
		ActiveStaff: []projection.ActiveStaff{{
			StaffID:     "emp-2",
			Name:        "Marco",
			ClockedInAt: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC),
		}},
	}
	snap.Summary.TotalOpenTables = 1
	snap.Summary.ActiveStaffCount = 1
	snap.Summary.PendingRevenue = 3.30

	text := RenderText(snap)
	assert.Contains(t, text, "t-7 — opened 20:15, staff emp-2 — owes 3.30 EUR")
	assert.Contains(t, text, "2x Espresso @ 1.50 (tax 10%) = 3.30")
	assert.Contains(t, text, "Marco — clocked in 18:00")
	assert.NotContains(t, text, "shutdown:")
}

func TestWatcherWritesAfterEvents(t *testing.T) {
	registry, log := liveRegistry(t)
	writer, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	builder := NewBuilder(registry)
	watcher := NewWatcher(builder, writer, WatcherConfig{MinInterval: 10 * time.Millisecond}, nil)
	t.Cleanup(watcher.Attach(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	_, err = log.Emit(projection.EventTableOpened, projection.TableOpenedPayload{TableID: "t-1", Name: "Window"})
	require.NoError(t, err)

	snap := builder.Build()
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(writer.LiveJSONPath(snap))
		return statErr == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherLastEventWins(t *testing.T) {
	registry, log := liveRegistry(t)
	writer, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	builder := NewBuilder(registry)
	watcher := NewWatcher(builder, writer, WatcherConfig{MinInterval: 20 * time.Millisecond}, nil)
	t.Cleanup(watcher.Attach(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	// A burst of opens followed by closing everything but the last table.
	for i := 0; i < 10; i++ {
		_, err = log.Emit(projection.EventTableOpened, projection.TableOpenedPayload{TableID: "t-burst"})
		require.NoError(t, err)
	}
	_, err = log.Emit(projection.EventTableClosed, projection.TableClosedPayload{TableID: "t-burst"})
	require.NoError(t, err)

	snap := builder.Build()
	require.Eventually(t, func() bool {
		raw, readErr := os.ReadFile(writer.LiveJSONPath(snap))
		if readErr != nil {
			return false
		}
		return strings.Contains(string(raw), `"totalOpenTables": 0`)
	}, 2*time.Second, 10*time.Millisecond)

	watcher.Stop()
	// Stop is idempotent and a second Start on a fresh context works.
	watcher.Stop()
}

func TestWatcherStopWithoutStart(t *testing.T) {
	registry, _ := liveRegistry(t)
	writer, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	watcher := NewWatcher(NewBuilder(registry), writer, DefaultWatcherConfig(), nil)
	watcher.Stop() // must not panic or block
	watcher.MarkDirty()
	watcher.MarkDirty() // coalesces, never blocks
}
