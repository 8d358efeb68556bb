package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// Item is one entry of a mergeable list, kept as raw JSON with the two
// fields the merge engine cares about extracted. All other fields
// (title, poster, link, type) are opaque and travel with Raw.
type Item struct {
	Raw json.RawMessage

	// Key is the NFC-normalized identity of the item: the "key" field,
	// falling back to "id", falling back to a content hash so anonymous
	// items survive a union without colliding.
	Key string

	// UpdatedAt is the item's last mutation time in epoch millis: the
	// first present of updatedAt, timestamp, savedAt. Zero when absent.
	UpdatedAt int64
}

// ItemKey extracts the identity of a raw list item. Identity keys are
// NFC-normalized before comparison so the same title produced on
// different platforms merges to one item.
func ItemKey(raw []byte) string {
	if k := gjson.GetBytes(raw, "key"); k.Exists() && k.String() != "" {
		return norm.NFC.String(k.String())
	}

	if id := gjson.GetBytes(raw, "id"); id.Exists() && id.String() != "" {
		return norm.NFC.String(id.String())
	}

	h := sha256.Sum256(raw)

	return hex.EncodeToString(h[:8])
}

// ItemUpdatedAt extracts the last-mutation timestamp of a raw list
// item, trying updatedAt, then timestamp, then savedAt.
func ItemUpdatedAt(raw []byte) int64 {
	for _, field := range []string{"updatedAt", "timestamp", "savedAt"} {
		if v := gjson.GetBytes(raw, field); v.Exists() {
			return v.Int()
		}
	}

	return 0
}

// DecodeItems parses a stored list value into items. Malformed JSON,
// empty values, and non-array payloads all decode to an empty list;
// corrupted storage must never break a merge.
func DecodeItems(value string) []Item {
	if value == "" {
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(value), &raws); err != nil {
		return nil
	}

	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		items = append(items, Item{
			Raw:       raw,
			Key:       ItemKey(raw),
			UpdatedAt: ItemUpdatedAt(raw),
		})
	}

	return items
}

// EncodeItems serializes items back to the stored list value.
func EncodeItems(items []Item) string {
	raws := make([]json.RawMessage, len(items))
	for i, it := range items {
		raws[i] = it.Raw
	}

	data, err := json.Marshal(raws)
	if err != nil {
		// Raw messages are valid JSON by construction; this cannot
		// fail for decoded input.
		return "[]"
	}

	return string(data)
}
