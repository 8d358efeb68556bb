// Package snapshot defines the unit of cross-device synchronization:
// an allow-listed bundle of Bilm user state plus merge metadata, and
// the deterministic merge algorithm that reconciles two of them.
package snapshot

// SchemaTag identifies the snapshot format. Stored in every snapshot
// and in the remote document so incompatible formats are detectable.
const SchemaTag = "bilm.cloud-snapshot"

// SchemaVersion is the current snapshot format version.
const SchemaVersion = 1

// Meta carries the merge metadata embedded in every snapshot.
type Meta struct {
	// UpdatedAtMs is the logical write time of the snapshot in epoch
	// milliseconds. Non-decreasing across pushes from one device.
	UpdatedAtMs int64 `json:"updatedAtMs"`

	// DeviceID identifies the browser install / daemon instance that
	// built the snapshot. Used to filter echoes of our own writes.
	DeviceID string `json:"deviceId"`

	// Version is the snapshot format version.
	Version int `json:"version"`

	// ListTombstones maps list storage key -> item identity -> epoch
	// millis of deletion. A tombstone suppresses resurrection of stale
	// copies of a deleted item during merge.
	ListTombstones map[string]map[string]int64 `json:"listTombstones,omitempty"`
}

// Snapshot is the unit of synchronization exchanged with the remote
// store. LocalState and SessionState map storage keys to raw string
// values; mergeable list keys hold JSON-encoded item arrays.
type Snapshot struct {
	Schema       string            `json:"schema"`
	LocalState   map[string]string `json:"localState"`
	SessionState map[string]string `json:"sessionState"`
	Meta         Meta              `json:"meta"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	c := &Snapshot{
		Schema:       s.Schema,
		LocalState:   make(map[string]string, len(s.LocalState)),
		SessionState: make(map[string]string, len(s.SessionState)),
		Meta: Meta{
			UpdatedAtMs: s.Meta.UpdatedAtMs,
			DeviceID:    s.Meta.DeviceID,
			Version:     s.Meta.Version,
		},
	}

	for k, v := range s.LocalState {
		c.LocalState[k] = v
	}

	for k, v := range s.SessionState {
		c.SessionState[k] = v
	}

	if s.Meta.ListTombstones != nil {
		c.Meta.ListTombstones = make(map[string]map[string]int64, len(s.Meta.ListTombstones))
		for listKey, stones := range s.Meta.ListTombstones {
			inner := make(map[string]int64, len(stones))
			for itemKey, ts := range stones {
				inner[itemKey] = ts
			}

			c.Meta.ListTombstones[listKey] = inner
		}
	}

	return c
}
