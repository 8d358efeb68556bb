// Package tracker observes store mutations on behalf of the sync
// engine: it stamps the last-local-change time, classifies the write,
// and maintains per-list deletion tombstones so removals propagate to
// other devices instead of being resurrected by stale copies.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

// Tracker is a storage.MutationListener. Register it on the store with
// store.Subscribe. Mutations targeting the reserved sync-internal keys
// are ignored; the store's suppression flag covers the applier's writes.
type Tracker struct {
	store  *storage.Store
	rules  snapshot.Rules
	logger *slog.Logger

	mu       sync.Mutex
	schedule func(reason string)

	// now is the clock used for change stamps and tombstones.
	// Overridable in tests.
	now func() time.Time
}

// New creates a tracker over the given store and list rules.
func New(store *storage.Store, rules snapshot.Rules, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
}

// SetScheduler registers the callback invoked after each tracked
// mutation, normally the engine's debounced push. Called with sync
// already confirmed enabled.
func (t *Tracker) SetScheduler(fn func(reason string)) {
	t.mu.Lock()
	t.schedule = fn
	t.mu.Unlock()
}

// OnMutation implements storage.MutationListener. The underlying store
// write has already succeeded by the time this runs; bookkeeping
// failures here are logged and never propagated, since the caller's
// write did not fail.
func (t *Tracker) OnMutation(m storage.Mutation) {
	if m.Type != storage.MutationClear && storage.IsReserved(m.Key) {
		return
	}

	nowMs := t.now().UnixMilli()

	err := t.store.UpdateSyncMeta(func(meta *storage.SyncMeta) {
		meta.LastLocalChangeAt = nowMs
		meta.LastMutationType = string(m.Type)
		t.updateTombstones(meta, m, nowMs)
	})
	if err != nil {
		t.logger.Warn("updating sync metadata",
			slog.String("key", m.Key),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	schedule := t.schedule
	t.mu.Unlock()

	if schedule != nil && t.store.SyncEnabled() {
		schedule("mutation")
	}
}

// updateTombstones diffs the before/after item sets of any affected
// mergeable list. Identities present before but absent after get a
// tombstone; identities present after clear any existing tombstone,
// superseding earlier deletions.
func (t *Tracker) updateTombstones(meta *storage.SyncMeta, m storage.Mutation, nowMs int64) {
	switch m.Type {
	case storage.MutationSet, storage.MutationRemove:
		if !t.rules.IsListKey(m.Key) {
			return
		}

		before := snapshot.DecodeItems(deref(m.Before))
		after := snapshot.DecodeItems(deref(m.After))
		t.diffList(meta, m.Key, before, after, nowMs)

	case storage.MutationClear:
		for key, value := range m.BeforeAll {
			if !t.rules.IsListKey(key) {
				continue
			}

			t.diffList(meta, key, snapshot.DecodeItems(value), nil, nowMs)
		}
	}
}

func (t *Tracker) diffList(meta *storage.SyncMeta, listKey string, before, after []snapshot.Item, nowMs int64) {
	surviving := make(map[string]struct{}, len(after))
	for _, it := range after {
		surviving[it.Key] = struct{}{}
	}

	for _, it := range before {
		if _, ok := surviving[it.Key]; ok {
			continue
		}

		if meta.ListTombstones == nil {
			meta.ListTombstones = make(map[string]map[string]int64)
		}

		if meta.ListTombstones[listKey] == nil {
			meta.ListTombstones[listKey] = make(map[string]int64)
		}

		meta.ListTombstones[listKey][it.Key] = nowMs
	}

	// An identity present after the mutation supersedes any tombstone
	// recorded for it, locally or pulled from another device.
	if stones := meta.ListTombstones[listKey]; stones != nil {
		for itemKey := range surviving {
			delete(stones, itemKey)
		}

		if len(stones) == 0 {
			delete(meta.ListTombstones, listKey)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
