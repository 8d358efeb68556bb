package engine

import (
	"context"
	"fmt"
	"log/slog"

	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

// push builds the current snapshot, merges it with the remote one, and
// writes the result. Returns whether a network write happened.
//
// A push already in flight makes this a no-op returning false; the
// next trigger retries. A failed write leaves the last-uploaded
// signature untouched for the same reason.
func (e *Engine) push(ctx context.Context, reason string) (bool, error) {
	if !e.store.SyncEnabled() {
		return false, bilmerrors.ErrSyncDisabled
	}

	if !e.setPushing() {
		return false, nil
	}
	defer e.clearPushing()

	forced := forcedReason(reason)

	// Forced pushes bypass the floor but still consume a token when one
	// is available, so they count as attempts for subsequent spacing.
	if allowed := e.limiter.Allow(); !allowed && !forced {
		e.logger.Debug("push throttled", slog.String("reason", reason))
		return false, nil
	}

	user := e.identity.CurrentUser()
	if user == nil {
		return false, bilmerrors.ErrNotSignedIn
	}

	local, err := e.builder.Build()
	if err != nil {
		return false, fmt.Errorf("building snapshot: %w", err)
	}

	sig := snapshot.Signature(local)

	uploaded, applied := e.signatures()
	if sig == uploaded || sig == applied {
		return false, nil
	}

	mergedSig, err := e.mergeAndWrite(ctx, user.UID, local, reason)
	if err != nil {
		return false, err
	}

	e.setUploaded(mergedSig)
	e.logger.Info("pushed snapshot",
		slog.String("reason", reason),
		slog.String("signature", mergedSig[:8]),
	)

	return true, nil
}

// mergeAndWrite merges local with the latest remote snapshot and
// writes the result to the account document. Returns the merged
// snapshot's signature.
func (e *Engine) mergeAndWrite(ctx context.Context, uid string, local *snapshot.Snapshot, reason string) (string, error) {
	data, err := e.docs.Get(ctx, e.collection, uid)
	if err != nil {
		return "", fmt.Errorf("fetching remote snapshot: %w", err)
	}

	remote := decodeRemote(data)
	merged := snapshot.Merge(remote, local, e.rules)

	partial, err := encodeRemote(merged, e.now())
	if err != nil {
		return "", err
	}

	if err := e.docs.SetMerge(ctx, e.collection, uid, partial); err != nil {
		return "", fmt.Errorf("writing remote snapshot: %w", err)
	}

	sig := snapshot.Signature(merged)

	nowMs := e.now().UnixMilli()
	if err := e.store.UpdateSyncMeta(func(m *storage.SyncMeta) {
		m.LastCloudPushAt = nowMs
		m.LastPushReason = reason
	}); err != nil {
		e.logger.Warn("recording push metadata", slog.String("error", err.Error()))
	}

	return sig, nil
}

// SaveCloudSnapshot merges the given snapshot (or a freshly built one
// when nil) with the remote document and writes the result. Errors are
// surfaced; this is the explicit user-invoked save.
func (e *Engine) SaveCloudSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	if !e.store.SyncEnabled() {
		return bilmerrors.ErrSyncDisabled
	}

	user := e.identity.CurrentUser()
	if user == nil {
		return bilmerrors.ErrNotSignedIn
	}

	if !e.setPushing() {
		return bilmerrors.ErrPushInFlight
	}
	defer e.clearPushing()

	if snap == nil {
		built, err := e.builder.Build()
		if err != nil {
			return fmt.Errorf("building snapshot: %w", err)
		}

		snap = built
	}

	sig, err := e.mergeAndWrite(ctx, user.UID, snap, ReasonManual)
	if err != nil {
		return err
	}

	e.setUploaded(sig)

	return nil
}
