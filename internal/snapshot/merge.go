package snapshot

import "sort"

// Merge deterministically combines two snapshots. The second argument
// is the "incoming" side: on equal UpdatedAtMs it is treated as newest.
// Nil inputs pass the other side through unchanged.
//
// Non-list keys merge at key level, newest snapshot winning where both
// sides wrote the same key. Registered list keys merge at item level:
// union by item identity, larger updatedAt wins, tombstoned identities
// are filtered, survivors are sorted newest-first and capped.
func Merge(current, incoming *Snapshot, rules Rules) *Snapshot {
	if current == nil {
		return incoming
	}

	if incoming == nil {
		return current
	}

	newest, oldest := incoming, current
	if current.Meta.UpdatedAtMs > incoming.Meta.UpdatedAtMs {
		newest, oldest = current, incoming
	}

	merged := &Snapshot{
		Schema:       SchemaTag,
		LocalState:   mergeState(oldest.LocalState, newest.LocalState),
		SessionState: mergeState(oldest.SessionState, newest.SessionState),
		Meta: Meta{
			UpdatedAtMs: newest.Meta.UpdatedAtMs,
			DeviceID:    newest.Meta.DeviceID,
			Version:     newest.Meta.Version,
		},
	}

	tombstones := MergeTombstones(current.Meta.ListTombstones, incoming.Meta.ListTombstones)

	for _, rule := range rules.Lists {
		_, inCurrent := current.LocalState[rule.Key]

		_, inIncoming := incoming.LocalState[rule.Key]
		if !inCurrent && !inIncoming {
			continue
		}

		items := MergeLists(
			DecodeItems(current.LocalState[rule.Key]),
			DecodeItems(incoming.LocalState[rule.Key]),
			tombstones[rule.Key],
			rule.Cap,
		)
		merged.LocalState[rule.Key] = EncodeItems(items)
	}

	merged.Meta.ListTombstones = tombstones

	return merged
}

// mergeState deep-merges two state maps at key level: newest overwrites
// oldest for keys present in both, keys present in only one survive.
func mergeState(oldest, newest map[string]string) map[string]string {
	out := make(map[string]string, len(oldest)+len(newest))

	for k, v := range oldest {
		out[k] = v
	}

	for k, v := range newest {
		out[k] = v
	}

	return out
}

// MergeTombstones unions two tombstone maps, keeping the larger
// deletion timestamp for identities present in both.
func MergeTombstones(a, b map[string]map[string]int64) map[string]map[string]int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	out := make(map[string]map[string]int64, len(a)+len(b))

	for _, src := range []map[string]map[string]int64{a, b} {
		for listKey, stones := range src {
			dst := out[listKey]
			if dst == nil {
				dst = make(map[string]int64, len(stones))
				out[listKey] = dst
			}

			for itemKey, ts := range stones {
				if ts > dst[itemKey] {
					dst[itemKey] = ts
				}
			}
		}
	}

	return out
}

// MergeLists unions two item lists by identity. For duplicate
// identities the item with the larger UpdatedAt survives (the second
// list winning exact ties). Identities with a tombstone at or after
// their UpdatedAt are dropped. Survivors are sorted descending by
// UpdatedAt and truncated to limit.
func MergeLists(a, b []Item, tombstones map[string]int64, limit int) []Item {
	byKey := make(map[string]Item, len(a)+len(b))

	var order []string

	for _, lists := range [][]Item{a, b} {
		for _, it := range lists {
			existing, ok := byKey[it.Key]
			if !ok {
				byKey[it.Key] = it
				order = append(order, it.Key)

				continue
			}

			if it.UpdatedAt >= existing.UpdatedAt {
				byKey[it.Key] = it
			}
		}
	}

	survivors := make([]Item, 0, len(order))

	for _, key := range order {
		it := byKey[key]

		if ts, ok := tombstones[it.Key]; ok && ts >= it.UpdatedAt {
			continue
		}

		survivors = append(survivors, it)
	}

	// Newest first; identity as tie-break so equal timestamps order
	// identically regardless of argument order.
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].UpdatedAt != survivors[j].UpdatedAt {
			return survivors[i].UpdatedAt > survivors[j].UpdatedAt
		}

		return survivors[i].Key < survivors[j].Key
	})

	if limit > 0 && len(survivors) > limit {
		survivors = survivors[:limit]
	}

	return survivors
}
