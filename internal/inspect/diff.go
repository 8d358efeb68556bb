// Package inspect renders human-readable comparisons between two
// snapshots, used by the diff subcommand and the diagnostics tools to
// answer "what would syncing actually change".
package inspect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/bilmapp/bilm-sync/internal/snapshot"
)

// diffCleanupThreshold is the diff count above which semantic cleanup
// is applied before rendering, keeping noisy value diffs readable.
const diffCleanupThreshold = 10

// Diff renders the differences between two snapshots. Mergeable lists
// are compared by item identity; other keys get a textual value diff.
// An empty result means the snapshots hold the same content.
func Diff(local, remote *snapshot.Snapshot, rules snapshot.Rules) string {
	var b strings.Builder

	if local == nil && remote == nil {
		return ""
	}

	if local == nil {
		return "no local snapshot; remote has data\n"
	}

	if remote == nil {
		return "no remote snapshot; local has data\n"
	}

	// Meta timestamps and device ids are volatile between builds and
	// deliberately excluded: only content differences count.
	diffState(&b, "local", local.LocalState, remote.LocalState, rules)
	diffState(&b, "session", local.SessionState, remote.SessionState, snapshot.Rules{})

	return b.String()
}

func diffState(b *strings.Builder, scope string, local, remote map[string]string, rules snapshot.Rules) {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		lv, lok := local[key]
		rv, rok := remote[key]

		switch {
		case !lok:
			fmt.Fprintf(b, "%s %s: only in remote\n", scope, key)
		case !rok:
			fmt.Fprintf(b, "%s %s: only in local\n", scope, key)
		case lv != rv:
			if rules.IsListKey(key) {
				diffList(b, scope, key, lv, rv)
			} else {
				diffValue(b, scope, key, lv, rv)
			}
		}
	}
}

// diffList compares list values by item identity rather than text, so
// reordering alone does not show as a change.
func diffList(b *strings.Builder, scope, key, localVal, remoteVal string) {
	localItems := itemsByKey(localVal)
	remoteItems := itemsByKey(remoteVal)

	var onlyLocal, onlyRemote, changed []string

	for k, item := range localItems {
		other, ok := remoteItems[k]
		switch {
		case !ok:
			onlyLocal = append(onlyLocal, k)
		case item.UpdatedAt != other.UpdatedAt:
			changed = append(changed, k)
		}
	}

	for k := range remoteItems {
		if _, ok := localItems[k]; !ok {
			onlyRemote = append(onlyRemote, k)
		}
	}

	if len(onlyLocal) == 0 && len(onlyRemote) == 0 && len(changed) == 0 {
		return
	}

	sort.Strings(onlyLocal)
	sort.Strings(onlyRemote)
	sort.Strings(changed)

	fmt.Fprintf(b, "%s %s:\n", scope, key)

	for _, k := range onlyLocal {
		fmt.Fprintf(b, "  + %s (local only)\n", k)
	}

	for _, k := range onlyRemote {
		fmt.Fprintf(b, "  - %s (remote only)\n", k)
	}

	for _, k := range changed {
		fmt.Fprintf(b, "  ~ %s (updatedAt %d -> %d)\n", k, localItems[k].UpdatedAt, remoteItems[k].UpdatedAt)
	}
}

func itemsByKey(value string) map[string]snapshot.Item {
	items := snapshot.DecodeItems(value)

	m := make(map[string]snapshot.Item, len(items))
	for _, it := range items {
		m[it.Key] = it
	}

	return m
}

// diffValue renders a character-level diff of two scalar values.
func diffValue(b *strings.Builder, scope, key, localVal, remoteVal string) {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(localVal, remoteVal, false)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	fmt.Fprintf(b, "%s %s: %s\n", scope, key, renderDiffs(diffs))
}

func renderDiffs(diffs []diffmatchpatch.Diff) string {
	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+")
			b.WriteString(d.Text)
			b.WriteString("+}")
		case diffmatchpatch.DiffDelete:
			b.WriteString("{-")
			b.WriteString(d.Text)
			b.WriteString("-}")
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}

	return b.String()
}
