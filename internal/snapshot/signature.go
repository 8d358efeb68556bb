package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// signaturePayload is the canonical form hashed by Signature. The
// export timestamp and originating device are volatile between builds
// of identical content and are deliberately excluded.
type signaturePayload struct {
	Schema       string                      `json:"schema"`
	Version      int                         `json:"version"`
	LocalState   map[string]string           `json:"localState"`
	SessionState map[string]string           `json:"sessionState"`
	Tombstones   map[string]map[string]int64 `json:"tombstones,omitempty"`
}

// Signature returns a stable content hash of the snapshot. Two builds
// from unchanged storage produce equal signatures; any change to an
// allow-listed key, to session state, or to the tombstone map changes
// it. Used for cheap equality checks that break push/pull feedback
// loops between devices.
func Signature(s *Snapshot) string {
	if s == nil {
		return ""
	}

	payload := signaturePayload{
		Schema:       s.Schema,
		Version:      s.Meta.Version,
		LocalState:   s.LocalState,
		SessionState: s.SessionState,
		Tombstones:   s.Meta.ListTombstones,
	}

	// Nil and empty maps must hash identically: a snapshot decoded from
	// the wire may carry nulls where a freshly built one has empty maps.
	if payload.LocalState == nil {
		payload.LocalState = map[string]string{}
	}

	if payload.SessionState == nil {
		payload.SessionState = map[string]string{}
	}

	// encoding/json sorts map keys, making the serialization canonical.
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	h := sha256.Sum256(data)

	return hex.EncodeToString(h[:])
}
