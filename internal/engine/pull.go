package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bilmapp/bilm-sync/internal/cloudstore"
	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

// GetCloudSnapshot fetches the account's remote snapshot, returning
// nil when no backup exists yet.
func (e *Engine) GetCloudSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	user := e.identity.CurrentUser()
	if user == nil {
		return nil, bilmerrors.ErrNotSignedIn
	}

	data, err := e.docs.Get(ctx, e.collection, user.UID)
	if err != nil {
		return nil, fmt.Errorf("fetching remote snapshot: %w", err)
	}

	return decodeRemote(data), nil
}

// SyncFromCloudNow fetches the remote snapshot and reconciles it with
// local state. Returns true when the remote was applied directly,
// false when there was nothing to pull or local changes forced a
// merge-then-push-back.
func (e *Engine) SyncFromCloudNow(ctx context.Context) (bool, error) {
	remote, err := e.GetCloudSnapshot(ctx)
	if err != nil {
		return false, err
	}

	if remote == nil {
		return false, nil
	}

	return e.reconcile(ctx, remote)
}

// handleRemoteChange processes a change notification from the
// subscription. Local echoes are skipped: writes this process has in
// flight, and snapshots stamped with this device's id.
func (e *Engine) handleRemoteChange(ctx context.Context, doc cloudstore.DocSnapshot) {
	if doc.HasPendingWrites() {
		return
	}

	remote := decodeRemote(doc.Data())
	if remote == nil {
		return
	}

	deviceID, err := e.store.DeviceID()
	if err != nil {
		e.logger.Warn("reading device id", slog.String("error", err.Error()))
		return
	}

	if remote.Meta.DeviceID == deviceID {
		return
	}

	applied, err := e.reconcile(ctx, remote)
	if err != nil {
		e.logger.Warn("processing remote change", slog.String("error", err.Error()))
		return
	}

	e.logger.Info("remote change processed",
		slog.Bool("applied", applied),
		slog.String("fromDevice", remote.Meta.DeviceID),
		slog.Bool("fromCache", doc.FromCache()),
	)

	e.notifyChanged(remote)
}

// reconcile decides whether the remote snapshot can be applied
// directly or must be merged with local state and pushed back.
// Returns true when a direct apply happened.
func (e *Engine) reconcile(ctx context.Context, remote *snapshot.Snapshot) (bool, error) {
	direct, err := e.shouldApplyDirectly(remote)
	if err != nil {
		return false, err
	}

	if direct {
		if err := e.applySnapshot(remote); err != nil {
			return false, err
		}

		return true, nil
	}

	// Local may hold unsynced changes. Merge and push back without
	// touching local state; the resulting remote write comes back as a
	// fresher snapshot on the next notification.
	user := e.identity.CurrentUser()
	if user == nil {
		return false, bilmerrors.ErrNotSignedIn
	}

	local, err := e.builder.Build()
	if err != nil {
		return false, fmt.Errorf("building snapshot: %w", err)
	}

	sig, err := e.mergeAndWrite(ctx, user.UID, local, ReasonMutation)
	if err != nil {
		return false, err
	}

	e.setUploaded(sig)
	e.logger.Info("merged remote snapshot back", slog.String("signature", sig[:8]))

	return false, nil
}

// shouldApplyDirectly implements the freshness policy: an empty local
// store always bootstraps from remote; otherwise the remote must be
// strictly newer than everything local has seen or produced.
func (e *Engine) shouldApplyDirectly(remote *snapshot.Snapshot) (bool, error) {
	empty, err := e.localEmpty()
	if err != nil {
		return false, err
	}

	if empty {
		return true, nil
	}

	meta := e.store.SyncMeta()
	floor := max(meta.LastLocalChangeAt, meta.LastCloudPullAt)

	return remote.Meta.UpdatedAtMs > floor, nil
}

// localEmpty reports whether the store holds no user data: no
// allow-listed keys in the local scope and nothing in the session
// scope.
func (e *Engine) localEmpty() (bool, error) {
	local, err := e.store.All(storage.Local)
	if err != nil {
		return false, fmt.Errorf("reading local scope: %w", err)
	}

	for key := range local {
		if storage.IsNamespaced(key) {
			return false, nil
		}
	}

	session, err := e.store.All(storage.Session)
	if err != nil {
		return false, fmt.Errorf("reading session scope: %w", err)
	}

	return len(session) == 0, nil
}
