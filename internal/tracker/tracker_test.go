package tracker

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

func newTracked(t *testing.T) (*Tracker, *storage.Store) {
	t.Helper()

	store, err := storage.OpenAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr := New(store, snapshot.DefaultRules(), slog.New(slog.DiscardHandler))
	tr.now = func() time.Time { return time.UnixMilli(5000) }
	store.Subscribe(tr)

	return tr, store
}

func TestOnMutation_StampsChangeTime(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.Set(storage.Local, "bilm-theme", "dark"))

	meta := store.SyncMeta()
	assert.EqualValues(t, 5000, meta.LastLocalChangeAt)
	assert.Equal(t, "set", meta.LastMutationType)
}

func TestOnMutation_IgnoresReservedKeys(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.SetSyncEnabled(true))

	assert.Zero(t, store.SyncMeta().LastLocalChangeAt)
}

func TestOnMutation_RemovedItemGetsTombstone(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.Set(storage.Local, "bilm-favorites",
		`[{"key":"movie-1","updatedAt":100},{"key":"movie-2","updatedAt":200}]`))
	require.NoError(t, store.Set(storage.Local, "bilm-favorites",
		`[{"key":"movie-2","updatedAt":200}]`))

	stones := store.SyncMeta().ListTombstones
	require.Contains(t, stones, "bilm-favorites")
	assert.EqualValues(t, 5000, stones["bilm-favorites"]["movie-1"])
	assert.NotContains(t, stones["bilm-favorites"], "movie-2")
}

func TestOnMutation_ReAddClearsTombstone(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":100}]`))
	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[]`))
	require.Contains(t, store.SyncMeta().ListTombstones["bilm-favorites"], "movie-1")

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":300}]`))

	assert.NotContains(t, store.SyncMeta().ListTombstones, "bilm-favorites")
}

func TestOnMutation_RemoveKeyTombstonesAllItems(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.Set(storage.Local, "bilm-history",
		`[{"key":"ep-1","updatedAt":100},{"key":"ep-2","updatedAt":200}]`))
	require.NoError(t, store.Remove(storage.Local, "bilm-history"))

	stones := store.SyncMeta().ListTombstones["bilm-history"]
	assert.Len(t, stones, 2)
}

func TestOnMutation_ClearTombstonesEveryList(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":100}]`))
	require.NoError(t, store.Set(storage.Local, "bilm-watch-later", `[{"key":"movie-2","updatedAt":200}]`))
	require.NoError(t, store.Set(storage.Local, "bilm-theme", "dark"))

	require.NoError(t, store.Clear(storage.Local))

	stones := store.SyncMeta().ListTombstones
	assert.Contains(t, stones["bilm-favorites"], "movie-1")
	assert.Contains(t, stones["bilm-watch-later"], "movie-2")
	assert.NotContains(t, stones, "bilm-theme")
	assert.Equal(t, "clear", store.SyncMeta().LastMutationType)
}

func TestOnMutation_MalformedListDoesNotPanic(t *testing.T) {
	_, store := newTracked(t)

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", "not json"))
	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":100}]`))

	// Malformed before-value decodes as empty: nothing to tombstone.
	assert.Empty(t, store.SyncMeta().ListTombstones)
}

func TestOnMutation_SchedulerInvokedWhenSyncEnabled(t *testing.T) {
	tr, store := newTracked(t)

	var reasons []string
	tr.SetScheduler(func(reason string) { reasons = append(reasons, reason) })

	require.NoError(t, store.Set(storage.Local, "bilm-theme", "dark"))
	assert.Equal(t, []string{"mutation"}, reasons)

	require.NoError(t, store.SetSyncEnabled(false))
	reasons = nil

	require.NoError(t, store.Set(storage.Local, "bilm-theme", "light"))
	assert.Empty(t, reasons)
}

func TestOnMutation_SuppressedApplierWritesAreInvisible(t *testing.T) {
	tr, store := newTracked(t)

	var called bool
	tr.SetScheduler(func(string) { called = true })

	store.SetSuppressed(true)
	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":100}]`))
	store.SetSuppressed(false)

	assert.False(t, called)
	assert.Zero(t, store.SyncMeta().LastLocalChangeAt)
}
