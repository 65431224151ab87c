package commands

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/migrate"
	"github.com/r0nw4lk3r31/tillcore/pkg/stock"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
	"github.com/r0nw4lk3r31/tillcore/pkg/store/memory"
)

func newCommandStore(t *testing.T) *store.TieredStore {
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

func TestRootCommandHasAllSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range GetRootCmd().Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"serve", "migrate", "init", "status", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestBuiltinMigrationsApplyCleanly(t *testing.T) {
	ctx := context.Background()
	s := newCommandStore(t)

	require.NoError(t, s.Save(ctx, keys.Product("p-1"), []byte(`{"name":"Rioja"}`), store.TierCold))
	require.NoError(t, s.Save(ctx, keys.Category("c-1"), []byte(`{"name":"Wine"}`), store.TierCold))
	// Legacy stock record without the reserved counter.
	require.NoError(t, s.Save(ctx, keys.StockLevel("p-1"), []byte(`{"current":12}`), store.TierCold))

	m := migrate.New(s)
	for _, mig := range builtinMigrations() {
		require.NoError(t, m.Register(mig))
	}
	require.NoError(t, m.MigrateAll(ctx, migrate.ApplyOptions{}))

	raw, err := s.Load(ctx, keys.MetaIndex("catalog"), store.TierCold)
	require.NoError(t, err)
	var index struct {
		Products   []string `json:"products"`
		Categories []string `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(raw, &index))
	assert.Equal(t, []string{"p-1"}, index.Products)
	assert.Equal(t, []string{"c-1"}, index.Categories)

	raw, err = s.Load(ctx, keys.StockLevel("p-1"), store.TierCold)
	require.NoError(t, err)
	var level map[string]any
	require.NoError(t, json.Unmarshal(raw, &level))
	assert.Equal(t, float64(12), level["current"])
	assert.Equal(t, float64(0), level["reserved"])

	// Re-running finds nothing pending.
	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBuiltinMigrationsKeepExistingReservedCounts(t *testing.T) {
	ctx := context.Background()
	s := newCommandStore(t)

	require.NoError(t, s.Save(ctx, keys.StockLevel("p-2"), []byte(`{"current":5,"reserved":2}`), store.TierCold))

	m := migrate.New(s)
	for _, mig := range builtinMigrations() {
		require.NoError(t, m.Register(mig))
	}
	require.NoError(t, m.MigrateAll(ctx, migrate.ApplyOptions{}))

	raw, err := s.Load(ctx, keys.StockLevel("p-2"), store.TierCold)
	require.NoError(t, err)
	var level map[string]any
	require.NoError(t, json.Unmarshal(raw, &level))
	assert.Equal(t, float64(2), level["reserved"])
}

func TestHydrateStockLevels(t *testing.T) {
	ctx := context.Background()
	s := newCommandStore(t)

	require.NoError(t, s.Save(ctx, keys.StockLevel("p-1"), []byte(`{"current":10,"reserved":3}`), store.TierCold))
	require.NoError(t, s.Save(ctx, keys.StockLevel("p-2"), []byte(`not json`), store.TierCold))

	repo := stock.NewMemRepository()
	hydrateStockLevels(ctx, s, repo)

	levels := repo.Levels()
	require.Len(t, levels, 1)
	assert.Equal(t, "p-1", levels[0].ProductID)
	assert.Equal(t, 10, levels[0].Current)
	assert.Equal(t, 3, levels[0].Reserved)
}
