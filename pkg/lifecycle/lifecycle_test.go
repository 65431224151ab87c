package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
	"github.com/r0nw4lk3r31/tillcore/pkg/snapshot"
)

func testCoordinator(t *testing.T) (*Coordinator, *events.MemLog) {
	t.Helper()
	registry := projection.NewRegistry(nil, projection.NewTables(), projection.NewStaff())
	log := events.NewMemLog(nil)
	t.Cleanup(registry.Attach(log))

	writer, err := snapshot.NewWriter(t.TempDir())
	require.NoError(t, err)
	return NewCoordinator(snapshot.NewBuilder(registry), writer), log
}

func TestShutdownWritesGracefulExitSnapshot(t *testing.T) {
	coord, log := testCoordinator(t)
	_, err := log.Emit(projection.EventTableOpened, projection.TableOpenedPayload{TableID: "t-1"})
	require.NoError(t, err)

	var stopped []string
	coord.OnShutdown("watcher", func(context.Context) error {
		stopped = append(stopped, "watcher")
		return nil
	})
	coord.OnShutdown("store", func(context.Context) error {
		stopped = append(stopped, "store")
		return nil
	})

	require.Equal(t, StateRunning, coord.State())
	require.NoError(t, coord.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, coord.State())
	assert.Equal(t, []string{"watcher", "store"}, stopped)

	loaded, err := coord.writer.ReadExit()
	require.NoError(t, err)
	require.NotNil(t, loaded.GracefulShutdown)
	assert.True(t, *loaded.GracefulShutdown)
	assert.Equal(t, 1, loaded.Summary.TotalOpenTables)
}

func TestShutdownRunsExactlyOnce(t *testing.T) {
	coord, _ := testCoordinator(t)

	var calls int
	var mu sync.Mutex
	coord.OnShutdown("counter", func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never finished")
	}
	assert.Equal(t, 1, calls)
}

func TestShutdownFailingHookDoesNotAbortSequence(t *testing.T) {
	coord, _ := testCoordinator(t)

	var after bool
	coord.OnShutdown("broken", func(context.Context) error { return errors.New("boom") })
	coord.OnShutdown("after", func(context.Context) error { after = true; return nil })

	require.NoError(t, coord.Shutdown(context.Background()))
	assert.True(t, after)
	assert.Equal(t, StateTerminated, coord.State())
}

func TestShutdownSnapshotFailureWritesEmergency(t *testing.T) {
	registry := projection.NewRegistry(nil, &panickingProjection{})
	writer, err := snapshot.NewWriter(t.TempDir())
	require.NoError(t, err)
	coord := NewCoordinator(snapshot.NewBuilder(registry), writer)

	require.Error(t, coord.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, coord.State())

	loaded, err := writer.ReadExit()
	require.NoError(t, err)
	require.NotNil(t, loaded.GracefulShutdown)
	assert.False(t, *loaded.GracefulShutdown)
}

// panickingProjection simulates a corrupted read model at shutdown time.
type panickingProjection struct{}

func (*panickingProjection) ID() string         { return projection.TablesID }
func (*panickingProjection) Apply(events.Event) {}
func (*panickingProjection) State() any         { panic("corrupted state") }
func (*panickingProjection) Reset()             {}

func TestStartupFirstRunHasNoPrevious(t *testing.T) {
	coord, _ := testCoordinator(t)

	report, err := coord.Startup()
	require.NoError(t, err)
	assert.False(t, report.PreviousFound)
	assert.NotEmpty(t, report.CurrentBusinessDay)
}

func TestCompareListsLostTablesWithRecommendation(t *testing.T) {
	graceful := true
	previous := &snapshot.Snapshot{
		Timestamp:        time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC),
		BusinessDay:      "2026-03-14",
		OpenTables:       []projection.OpenTable{{TableID: "t-7"}, {TableID: "t-9"}},
		ActiveStaff:      []projection.ActiveStaff{{StaffID: "emp-1"}},
		GracefulShutdown: &graceful,
	}
	current := snapshot.Snapshot{
		Timestamp:   time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		BusinessDay: "2026-03-15",
		OpenTables:  []projection.OpenTable{{TableID: "t-9"}, {TableID: "t-2"}},
		ActiveStaff: []projection.ActiveStaff{{StaffID: "emp-1"}},
	}

	report := Compare(previous, current)

	assert.Equal(t, []string{"t-7"}, report.LostTables)
	assert.Equal(t, []string{"t-9"}, report.RecoveredTables)
	assert.Equal(t, []string{"t-2"}, report.NewTables)
	assert.Equal(t, []string{"emp-1"}, report.ContinuingStaff)
	assert.Empty(t, report.MissingStaff)
	assert.False(t, report.SameBusinessDay)
	assert.Equal(t, 10*time.Hour, report.Gap)
	assert.Empty(t, report.CriticalChanges)

	var found bool
	for _, rec := range report.Recommendations {
		if rec == "table t-7 was open at shutdown but is gone — settle or re-open it manually" {
			found = true
		}
	}
	assert.True(t, found, "lost table must come with a recommendation: %v", report.Recommendations)
}

func TestCompareFlagsNonGracefulShutdown(t *testing.T) {
	notGraceful := false
	previous := &snapshot.Snapshot{
		Timestamp:        time.Now().Add(-time.Hour),
		BusinessDay:      time.Now().Format(snapshot.BusinessDayFormat),
		GracefulShutdown: &notGraceful,
	}
	current := snapshot.Snapshot{
		Timestamp:   time.Now(),
		BusinessDay: time.Now().Format(snapshot.BusinessDayFormat),
	}

	report := Compare(previous, current)
	assert.Contains(t, report.CriticalChanges, NotGracefulWarning)

	// An untagged previous snapshot is treated the same way.
	previous.GracefulShutdown = nil
	report = Compare(previous, current)
	assert.Contains(t, report.CriticalChanges, NotGracefulWarning)
}

func TestStartupRoundTripAfterShutdown(t *testing.T) {
	registry := projection.NewRegistry(nil, projection.NewTables(), projection.NewStaff())
	log := events.NewMemLog(nil)
	defer registry.Attach(log)()

	writer, err := snapshot.NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = log.Emit(projection.EventTableOpened, projection.TableOpenedPayload{TableID: "t-5"})
	require.NoError(t, err)

	first := NewCoordinator(snapshot.NewBuilder(registry), writer)
	require.NoError(t, first.Shutdown(context.Background()))

	// The restarted process sees an empty projection until a rebuild; the
	// table from the previous run shows up as lost.
	require.NoError(t, registry.Reset([]string{projection.TablesID, projection.StaffID}))
	second := NewCoordinator(snapshot.NewBuilder(registry), writer)
	report, err := second.Startup()
	require.NoError(t, err)

	assert.True(t, report.PreviousFound)
	assert.Equal(t, []string{"t-5"}, report.LostTables)
	assert.Empty(t, report.CriticalChanges)
}
