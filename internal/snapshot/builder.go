package snapshot

import (
	"fmt"
	"time"

	"github.com/bilmapp/bilm-sync/internal/storage"
)

// Builder serializes the allow-listed subset of store state into a
// snapshot. Building is a pure function of current storage plus sync
// metadata: no network I/O, safe to call at any time, including offline.
type Builder struct {
	store *storage.Store

	// now is the clock used for Meta.UpdatedAtMs. Overridable in tests.
	now func() time.Time
}

// NewBuilder creates a snapshot builder over the given store.
func NewBuilder(store *storage.Store) *Builder {
	return &Builder{store: store, now: time.Now}
}

// Build produces a snapshot of the current store contents. Only keys in
// the Bilm namespace are included; the reserved sync-internal keys are
// excluded from both scopes.
func (b *Builder) Build() (*Snapshot, error) {
	deviceID, err := b.store.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("building snapshot: %w", err)
	}

	local, err := b.store.All(storage.Local)
	if err != nil {
		return nil, fmt.Errorf("building snapshot: %w", err)
	}

	session, err := b.store.All(storage.Session)
	if err != nil {
		return nil, fmt.Errorf("building snapshot: %w", err)
	}

	meta := b.store.SyncMeta()

	snap := &Snapshot{
		Schema:       SchemaTag,
		LocalState:   filterAllowListed(local),
		SessionState: filterAllowListed(session),
		Meta: Meta{
			UpdatedAtMs:    b.now().UnixMilli(),
			DeviceID:       deviceID,
			Version:        SchemaVersion,
			ListTombstones: meta.ListTombstones,
		},
	}

	return snap, nil
}

func filterAllowListed(state map[string]string) map[string]string {
	out := make(map[string]string, len(state))

	for k, v := range state {
		if storage.IsNamespaced(k) {
			out[k] = v
		}
	}

	return out
}
