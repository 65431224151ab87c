package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0nw4lk3r31/tillcore/pkg/store"
	badgerstore "github.com/r0nw4lk3r31/tillcore/pkg/store/badger"
)

func newBackend(t *testing.T) *badgerstore.Backend {
	t.Helper()
	b := badgerstore.New(store.TierCold, badgerstore.Config{Path: t.TempDir()})
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBadgerRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "product:p1", []byte("v1")))

	got, err := b.Load(ctx, "product:p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, b.Save(ctx, "product:p1", []byte("v2")))
	got, err = b.Load(ctx, "product:p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got, "save overwrites unconditionally")
}

func TestBadgerNotFound(t *testing.T) {
	b := newBackend(t)

	_, err := b.Load(context.Background(), "product:missing")
	assert.True(t, store.IsNotFound(err))
}

func TestBadgerListKeysPrefix(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "product:a", []byte("1")))
	require.NoError(t, b.Save(ctx, "product:b", []byte("2")))
	require.NoError(t, b.Save(ctx, "table:T1", []byte("3")))

	got, err := b.ListKeys(ctx, "product:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"product:a", "product:b"}, got)

	all, err := b.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBadgerClear(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "a", []byte("1")))
	require.NoError(t, b.Save(ctx, "b", []byte("2")))
	require.NoError(t, b.Clear(ctx))

	got, err := b.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBadgerUninitializedIsUnavailable(t *testing.T) {
	b := badgerstore.New(store.TierCold, badgerstore.Config{Path: t.TempDir()})

	_, err := b.Load(context.Background(), "k")
	assert.True(t, store.IsTierUnavailable(err), "unopened engine must not look like a miss")
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b := badgerstore.New(store.TierCold, badgerstore.Config{Path: dir, SyncWrites: true})
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Save(ctx, "table:T1", []byte("open")))
	require.NoError(t, b.Close())

	b = badgerstore.New(store.TierCold, badgerstore.Config{Path: dir})
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()

	got, err := b.Load(ctx, "table:T1")
	require.NoError(t, err)
	assert.Equal(t, []byte("open"), got)
}
