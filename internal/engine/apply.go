package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

// applySnapshot replaces local state with the remote snapshot.
// Listener notification is suppressed for the duration so the rewrite
// does not feed back into the mutation tracker, and the sync-internal
// keys survive the wipe.
func (e *Engine) applySnapshot(remote *snapshot.Snapshot) error {
	e.store.SetSuppressed(true)
	defer e.store.SetSuppressed(false)

	preserved := e.readPreserved()

	if err := e.store.Clear(storage.Local); err != nil {
		return fmt.Errorf("clearing local scope: %w", err)
	}

	if err := e.store.Clear(storage.Session); err != nil {
		return fmt.Errorf("clearing session scope: %w", err)
	}

	for key, value := range remote.LocalState {
		if storage.IsReserved(key) {
			continue
		}

		if err := e.store.Set(storage.Local, key, value); err != nil {
			return fmt.Errorf("writing %q: %w", key, err)
		}
	}

	for key, value := range remote.SessionState {
		if storage.IsReserved(key) {
			continue
		}

		if err := e.store.Set(storage.Session, key, value); err != nil {
			return fmt.Errorf("writing session %q: %w", key, err)
		}
	}

	if err := e.restorePreserved(preserved); err != nil {
		return err
	}

	nowMs := e.now().UnixMilli()
	snapshotAt := remote.Meta.UpdatedAtMs
	if snapshotAt == 0 {
		snapshotAt = nowMs
	}

	if err := e.store.UpdateSyncMeta(func(m *storage.SyncMeta) {
		m.LastCloudPullAt = nowMs
		m.LastCloudSnapshotAt = snapshotAt
		m.LastAppliedFromDeviceID = remote.Meta.DeviceID
		m.ListTombstones = snapshot.MergeTombstones(m.ListTombstones, remote.Meta.ListTombstones)
	}); err != nil {
		return fmt.Errorf("updating sync metadata: %w", err)
	}

	// Record the applied signature as both last-applied and
	// last-uploaded so the next periodic check does not re-push what
	// was just pulled.
	e.setAppliedAndUploaded(snapshot.Signature(remote))

	e.logger.Info("applied remote snapshot",
		slog.String("fromDevice", remote.Meta.DeviceID),
		slog.Int64("updatedAtMs", remote.Meta.UpdatedAtMs),
	)

	return nil
}

// ImportSnapshot merges an externally supplied snapshot into local
// state and uploads the result. Local data always survives: the
// imported snapshot goes through the same merge as a remote one.
func (e *Engine) ImportSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	local, err := e.builder.Build()
	if err != nil {
		return fmt.Errorf("building snapshot: %w", err)
	}

	merged := snapshot.Merge(local, snap, e.rules)

	if err := e.applySnapshot(merged); err != nil {
		return fmt.Errorf("applying imported snapshot: %w", err)
	}

	if e.identity.CurrentUser() == nil || !e.store.SyncEnabled() {
		return nil
	}

	if err := e.SaveCloudSnapshot(ctx, merged); err != nil {
		// Forget the uploaded signature so the next trigger retries.
		e.setUploaded("")

		return fmt.Errorf("uploading imported snapshot: %w", err)
	}

	return nil
}

// preservedKeys is the local state carried across the wipe.
type preservedKeys struct {
	values map[string]string
	// syncDisabled records whether the flag was explicitly "0"; only
	// then is it rewritten, so an absent flag stays absent.
	syncDisabled bool
}

func (e *Engine) readPreserved() preservedKeys {
	p := preservedKeys{values: make(map[string]string)}

	for _, key := range []string{storage.KeyDeviceID, storage.KeySyncMeta, storage.KeySession} {
		if v, ok := e.store.Get(storage.Local, key); ok {
			p.values[key] = v
		}
	}

	if v, ok := e.store.Get(storage.Local, storage.KeySyncEnabled); ok && v == "0" {
		p.syncDisabled = true
	}

	return p
}

func (e *Engine) restorePreserved(p preservedKeys) error {
	for key, value := range p.values {
		if err := e.store.Set(storage.Local, key, value); err != nil {
			return fmt.Errorf("restoring %q: %w", key, err)
		}
	}

	if p.syncDisabled {
		if err := e.store.SetSyncEnabled(false); err != nil {
			return fmt.Errorf("restoring sync flag: %w", err)
		}
	}

	return nil
}
