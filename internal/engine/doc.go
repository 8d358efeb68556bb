package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bilmapp/bilm-sync/internal/snapshot"
)

// cloudBackupBody is the payload stored under the "cloudBackup" field
// of the account's remote document.
type cloudBackupBody struct {
	Schema    string             `json:"schema"`
	UpdatedAt int64              `json:"updatedAt"`
	Snapshot  *snapshot.Snapshot `json:"snapshot"`
}

type cloudBackupDoc struct {
	CloudBackup *cloudBackupBody `json:"cloudBackup"`
}

// decodeRemote extracts the snapshot from a remote document. A missing
// document, missing backup field, or malformed payload yields nil
// rather than an error; remote corruption degrades to "nothing to
// pull", never to a crash.
func decodeRemote(data json.RawMessage) *snapshot.Snapshot {
	if len(data) == 0 {
		return nil
	}

	var doc cloudBackupDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	if doc.CloudBackup == nil {
		return nil
	}

	return doc.CloudBackup.Snapshot
}

// encodeRemote wraps a snapshot in the cloudBackup envelope as a
// partial document suitable for a merge write.
func encodeRemote(snap *snapshot.Snapshot, now time.Time) (map[string]json.RawMessage, error) {
	body := cloudBackupBody{
		Schema:    snapshot.SchemaTag,
		UpdatedAt: now.UnixMilli(),
		Snapshot:  snap,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding cloud backup: %w", err)
	}

	return map[string]json.RawMessage{"cloudBackup": data}, nil
}
