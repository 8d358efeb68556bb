package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// SyncMeta is the local-only sync bookkeeping record. It is stored as a
// JSON blob under the reserved KeySyncMeta key and is never shipped as
// part of a snapshot's application state.
type SyncMeta struct {
	LastLocalChangeAt       int64                       `json:"lastLocalChangeAt"`
	LastCloudPushAt         int64                       `json:"lastCloudPushAt"`
	LastCloudPullAt         int64                       `json:"lastCloudPullAt"`
	LastCloudSnapshotAt     int64                       `json:"lastCloudSnapshotAt"`
	LastAppliedFromDeviceID string                      `json:"lastAppliedFromDeviceId,omitempty"`
	LastPushReason          string                      `json:"lastPushReason,omitempty"`
	LastMutationType        string                      `json:"lastMutationType,omitempty"`
	ListTombstones          map[string]map[string]int64 `json:"listTombstones,omitempty"`
}

// SyncMeta returns the persisted sync metadata, defaulting to the zero
// record when the blob is missing or corrupted. Malformed stored JSON is
// treated as absent rather than surfaced as an error.
func (s *Store) SyncMeta() SyncMeta {
	var meta SyncMeta

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(localBucket).Get([]byte(KeySyncMeta))
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &meta); err != nil {
			meta = SyncMeta{}
		}

		return nil
	})

	return meta
}

// SetSyncMeta persists the sync metadata blob. The write bypasses
// listener notification: metadata updates are sync bookkeeping and must
// not re-enter the mutation tracker.
func (s *Store) SetSyncMeta(meta SyncMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling sync metadata: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localBucket).Put([]byte(KeySyncMeta), data)
	})
	if err != nil {
		return fmt.Errorf("writing sync metadata: %w", err)
	}

	return nil
}

// UpdateSyncMeta applies fn to the current metadata and persists the
// result. Not atomic across processes; the daemon is the only writer.
func (s *Store) UpdateSyncMeta(fn func(*SyncMeta)) error {
	meta := s.SyncMeta()
	fn(&meta)

	return s.SetSyncMeta(meta)
}
