package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/bilmapp/bilm-sync/internal/cloudstore"
	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
	"github.com/bilmapp/bilm-sync/internal/identity"
	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

type stubIdentity struct {
	user *identity.User
}

func (s *stubIdentity) CurrentUser() *identity.User { return s.user }

func (s *stubIdentity) OnAuthStateChanged(func(*identity.User)) func() { return func() {} }

var signedIn = &stubIdentity{user: &identity.User{UID: "uid-1", Email: "a@b.c"}}

func newTestEngine(t *testing.T, ident Identity) (*Engine, *storage.Store, *MockDocStore) {
	t.Helper()

	store, err := storage.OpenAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctrl := gomock.NewController(t)
	docs := NewMockDocStore(ctrl)

	opts := Options{
		Collection: "users",
		Debounce:   800 * time.Millisecond,
		Interval:   5 * time.Second,
		PushFloor:  15 * time.Second,
	}

	eng := New(store, ident, docs, snapshot.DefaultRules(), opts, slog.New(slog.DiscardHandler))

	return eng, store, docs
}

func remoteDoc(t *testing.T, snap *snapshot.Snapshot) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(cloudBackupDoc{CloudBackup: &cloudBackupBody{
		Schema:    snapshot.SchemaTag,
		UpdatedAt: snap.Meta.UpdatedAtMs,
		Snapshot:  snap,
	}})
	require.NoError(t, err)

	return data
}

func pushedSnapshot(t *testing.T, partial map[string]json.RawMessage) *snapshot.Snapshot {
	t.Helper()

	var body cloudBackupBody
	require.NoError(t, json.Unmarshal(partial["cloudBackup"], &body))
	require.NotNil(t, body.Snapshot)

	return body.Snapshot
}

func listKeys(t *testing.T, snap *snapshot.Snapshot, listKey string) []string {
	t.Helper()

	raw, ok := snap.LocalState[listKey]
	require.True(t, ok, "list %q missing", listKey)

	items := snapshot.DecodeItems(raw)

	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}

	return keys
}

func TestPush_SkipsWhenSignatureUnchanged(t *testing.T) {
	eng, store, docs := newTestEngine(t, signedIn)
	ctx := context.Background()

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":1000}]`))

	docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(nil, nil)
	docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).Return(nil)

	pushed, err := eng.push(ctx, ReasonManual)
	require.NoError(t, err)
	assert.True(t, pushed)

	// Unchanged state: no further network calls expected.
	pushed, err = eng.push(ctx, ReasonManual)
	require.NoError(t, err)
	assert.False(t, pushed)
}

func TestPush_RateFloorAllowsOneOfTwo(t *testing.T) {
	eng, store, docs := newTestEngine(t, signedIn)
	ctx := context.Background()

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":1000}]`))

	docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(nil, nil)
	docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).Return(nil)

	pushed, err := eng.push(ctx, ReasonInterval)
	require.NoError(t, err)
	assert.True(t, pushed)

	// New local change within the floor: throttled, no network call.
	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-2","updatedAt":2000}]`))

	pushed, err = eng.push(ctx, ReasonInterval)
	require.NoError(t, err)
	assert.False(t, pushed)
}

func TestPush_FailedWriteRetriesOnNextTrigger(t *testing.T) {
	eng, store, docs := newTestEngine(t, signedIn)
	ctx := context.Background()

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":1000}]`))

	docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(nil, nil).Times(2)
	gomock.InOrder(
		docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).Return(assert.AnError),
		docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).Return(nil),
	)

	_, err := eng.push(ctx, ReasonManual)
	require.Error(t, err)

	// The failed push must not have recorded a signature.
	pushed, err := eng.push(ctx, ReasonManual)
	require.NoError(t, err)
	assert.True(t, pushed)
}

func TestPush_NotSignedIn(t *testing.T) {
	eng, store, _ := newTestEngine(t, &stubIdentity{})
	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[]`))

	_, err := eng.push(context.Background(), ReasonManual)
	require.ErrorIs(t, err, bilmerrors.ErrNotSignedIn)
}

func TestReconcile_BootstrapAppliesDirectly(t *testing.T) {
	eng, store, _ := newTestEngine(t, signedIn)

	remote := &snapshot.Snapshot{
		Schema: snapshot.SchemaTag,
		LocalState: map[string]string{
			"bilm-favorites": `[{"key":"movie-1","updatedAt":1000}]`,
		},
		SessionState: map[string]string{},
		// Deliberately ancient timestamp: bootstrap ignores freshness.
		Meta: snapshot.Meta{UpdatedAtMs: 1, DeviceID: "dev-other", Version: snapshot.SchemaVersion},
	}

	applied, err := eng.reconcile(context.Background(), remote)
	require.NoError(t, err)
	assert.True(t, applied)

	v, ok := store.Get(storage.Local, "bilm-favorites")
	require.True(t, ok)
	assert.JSONEq(t, `[{"key":"movie-1","updatedAt":1000}]`, v)

	meta := store.SyncMeta()
	assert.Equal(t, "dev-other", meta.LastAppliedFromDeviceID)
	assert.NotZero(t, meta.LastCloudPullAt)
}

func TestReconcile_TwoDeviceFavoriteAdd(t *testing.T) {
	// Device B added movie-2 locally and never pulled; the remote holds
	// device A's movie-1. B must merge and push back rather than let
	// the remote overwrite its unsynced change.
	eng, store, docs := newTestEngine(t, signedIn)

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-2","updatedAt":1100}]`))
	require.NoError(t, store.UpdateSyncMeta(func(m *storage.SyncMeta) {
		m.LastLocalChangeAt = 1100
	}))

	remote := &snapshot.Snapshot{
		Schema: snapshot.SchemaTag,
		LocalState: map[string]string{
			"bilm-favorites": `[{"key":"movie-1","updatedAt":1000}]`,
		},
		Meta: snapshot.Meta{UpdatedAtMs: 1000, DeviceID: "dev-A", Version: snapshot.SchemaVersion},
	}

	var written map[string]json.RawMessage

	docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(remoteDoc(t, remote), nil)
	docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, partial map[string]json.RawMessage) error {
			written = partial
			return nil
		})

	applied, err := eng.reconcile(context.Background(), remote)
	require.NoError(t, err)
	assert.False(t, applied)

	merged := pushedSnapshot(t, written)
	assert.ElementsMatch(t, []string{"movie-1", "movie-2"}, listKeys(t, merged, "bilm-favorites"))

	// Local state is untouched by the merge-back.
	v, _ := store.Get(storage.Local, "bilm-favorites")
	assert.JSONEq(t, `[{"key":"movie-2","updatedAt":1100}]`, v)
}

func TestReconcile_DeletePropagation(t *testing.T) {
	// movie-1 was removed on another device at t=2000. This device
	// still holds it at updatedAt=1000. The fresher remote applies
	// directly and the item must not survive.
	eng, store, _ := newTestEngine(t, signedIn)

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":1000}]`))
	require.NoError(t, store.UpdateSyncMeta(func(m *storage.SyncMeta) {
		m.LastLocalChangeAt = 1000
	}))

	remote := &snapshot.Snapshot{
		Schema:     snapshot.SchemaTag,
		LocalState: map[string]string{"bilm-favorites": `[]`},
		Meta: snapshot.Meta{
			UpdatedAtMs: 2000,
			DeviceID:    "dev-A",
			Version:     snapshot.SchemaVersion,
			ListTombstones: map[string]map[string]int64{
				"bilm-favorites": {"movie-1": 2000},
			},
		},
	}

	applied, err := eng.reconcile(context.Background(), remote)
	require.NoError(t, err)
	assert.True(t, applied)

	v, ok := store.Get(storage.Local, "bilm-favorites")
	require.True(t, ok)
	assert.JSONEq(t, `[]`, v)

	// The tombstone is carried into local metadata so a later local
	// push cannot resurrect the item.
	meta := store.SyncMeta()
	assert.EqualValues(t, 2000, meta.ListTombstones["bilm-favorites"]["movie-1"])
}

func TestApply_PreservesReservedKeysAndWipesTheRest(t *testing.T) {
	eng, store, _ := newTestEngine(t, signedIn)

	deviceID, err := store.DeviceID()
	require.NoError(t, err)
	require.NoError(t, store.SetSyncEnabled(false))
	require.NoError(t, store.Set(storage.Local, "stray-key", "stale"))
	require.NoError(t, store.Set(storage.Session, "bilm-session-pref", "x"))

	remote := &snapshot.Snapshot{
		Schema:     snapshot.SchemaTag,
		LocalState: map[string]string{"bilm-favorites": `[]`},
		Meta:       snapshot.Meta{UpdatedAtMs: 5000, DeviceID: "dev-A", Version: snapshot.SchemaVersion},
	}

	require.NoError(t, eng.applySnapshot(remote))

	gotID, err := store.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, deviceID, gotID)

	assert.False(t, store.SyncEnabled())

	_, ok := store.Get(storage.Local, "stray-key")
	assert.False(t, ok)

	_, ok = store.Get(storage.Session, "bilm-session-pref")
	assert.False(t, ok)
}

func TestApply_RecordedSignatureSuppressesRePush(t *testing.T) {
	eng, _, _ := newTestEngine(t, signedIn)

	remote := &snapshot.Snapshot{
		Schema:     snapshot.SchemaTag,
		LocalState: map[string]string{"bilm-favorites": `[{"key":"movie-1","updatedAt":1000}]`},
		Meta:       snapshot.Meta{UpdatedAtMs: 5000, DeviceID: "dev-A", Version: snapshot.SchemaVersion},
	}

	require.NoError(t, eng.applySnapshot(remote))

	// The freshly applied state builds to the applied signature, so the
	// next push is a no-op with no network calls.
	pushed, err := eng.push(context.Background(), ReasonManual)
	require.NoError(t, err)
	assert.False(t, pushed)
}

func TestHandleRemoteChange_SkipsPendingWriteEcho(t *testing.T) {
	eng, _, _ := newTestEngine(t, signedIn)

	doc := cloudstore.NewDocSnapshot([]byte(`{"cloudBackup":{}}`), true, false)

	// No mock expectations: any store call would fail the test.
	eng.handleRemoteChange(context.Background(), doc)
}

func TestHandleRemoteChange_SkipsOwnDevice(t *testing.T) {
	eng, store, _ := newTestEngine(t, signedIn)

	deviceID, err := store.DeviceID()
	require.NoError(t, err)

	remote := &snapshot.Snapshot{
		Schema:     snapshot.SchemaTag,
		LocalState: map[string]string{"bilm-favorites": `[]`},
		Meta:       snapshot.Meta{UpdatedAtMs: 9000, DeviceID: deviceID, Version: snapshot.SchemaVersion},
	}

	eng.handleRemoteChange(context.Background(), cloudstore.NewDocSnapshot(remoteDoc(t, remote), false, false))

	// Nothing applied.
	_, ok := store.Get(storage.Local, "bilm-favorites")
	assert.False(t, ok)
}

func TestSyncFromCloudNow_NoRemoteBackup(t *testing.T) {
	eng, _, docs := newTestEngine(t, signedIn)

	docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(nil, nil)

	applied, err := eng.SyncFromCloudNow(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSaveCloudSnapshot_NotSignedIn(t *testing.T) {
	eng, _, _ := newTestEngine(t, &stubIdentity{})

	err := eng.SaveCloudSnapshot(context.Background(), nil)
	require.ErrorIs(t, err, bilmerrors.ErrNotSignedIn)
}

func TestScheduleCloudSave_SyncDisabled(t *testing.T) {
	eng, store, _ := newTestEngine(t, signedIn)

	require.NoError(t, store.SetSyncEnabled(false))
	assert.False(t, eng.ScheduleCloudSave(ReasonMutation))
}

func TestScheduleCloudSave_DebounceCoalescesBurst(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eng, store, docs := newTestEngine(t, signedIn)

		require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":1000}]`))

		docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(nil, nil).Times(1)
		docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).Return(nil).Times(1)

		// Three mutations in quick succession arm the timer three
		// times; only the last one fires.
		assert.True(t, eng.ScheduleCloudSave(ReasonMutation))
		time.Sleep(100 * time.Millisecond)
		assert.True(t, eng.ScheduleCloudSave(ReasonMutation))
		time.Sleep(100 * time.Millisecond)
		assert.True(t, eng.ScheduleCloudSave(ReasonMutation))

		time.Sleep(time.Second)
		synctest.Wait()
	})
}

func TestImportSnapshot_MergesWithLocalAndUploads(t *testing.T) {
	eng, store, docs := newTestEngine(t, signedIn)
	ctx := context.Background()

	require.NoError(t, store.Set(storage.Local, "bilm-favorites", `[{"key":"movie-1","updatedAt":1000}]`))

	imported := &snapshot.Snapshot{
		Schema: snapshot.SchemaTag,
		LocalState: map[string]string{
			"bilm-favorites": `[{"key":"movie-2","updatedAt":2000}]`,
		},
		Meta: snapshot.Meta{UpdatedAtMs: 2000, DeviceID: "device-b", Version: snapshot.SchemaVersion},
	}

	var uploaded map[string]json.RawMessage

	docs.EXPECT().Get(gomock.Any(), "users", "uid-1").Return(nil, nil)
	docs.EXPECT().SetMerge(gomock.Any(), "users", "uid-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, partial map[string]json.RawMessage) error {
			uploaded = partial
			return nil
		})

	require.NoError(t, eng.ImportSnapshot(ctx, imported))

	// Local state holds the union after the merge-then-apply.
	merged, ok := store.Get(storage.Local, "bilm-favorites")
	require.True(t, ok)
	items := snapshot.DecodeItems(merged)
	require.Len(t, items, 2)

	pushed := pushedSnapshot(t, uploaded)
	assert.ElementsMatch(t, []string{"movie-1", "movie-2"}, listKeys(t, pushed, "bilm-favorites"))
}

func TestImportSnapshot_SignedOutSkipsUpload(t *testing.T) {
	eng, store, _ := newTestEngine(t, &stubIdentity{})
	ctx := context.Background()

	imported := &snapshot.Snapshot{
		Schema: snapshot.SchemaTag,
		LocalState: map[string]string{
			"bilm-favorites": `[{"key":"movie-2","updatedAt":2000}]`,
		},
		Meta: snapshot.Meta{UpdatedAtMs: 2000, Version: snapshot.SchemaVersion},
	}

	// No Get/SetMerge expectations: any network call fails the test.
	require.NoError(t, eng.ImportSnapshot(ctx, imported))

	v, ok := store.Get(storage.Local, "bilm-favorites")
	require.True(t, ok)
	assert.Len(t, snapshot.DecodeItems(v), 1)
}

func TestFlush_SyncDisabled(t *testing.T) {
	eng, store, _ := newTestEngine(t, signedIn)

	require.NoError(t, store.SetSyncEnabled(false))

	err := eng.Flush(context.Background(), ReasonShutdown)
	require.ErrorIs(t, err, bilmerrors.ErrSyncDisabled)
}

func TestSaveCloudSnapshot_SyncDisabled(t *testing.T) {
	eng, store, _ := newTestEngine(t, signedIn)

	require.NoError(t, store.SetSyncEnabled(false))

	err := eng.SaveCloudSnapshot(context.Background(), nil)
	require.ErrorIs(t, err, bilmerrors.ErrSyncDisabled)
}
