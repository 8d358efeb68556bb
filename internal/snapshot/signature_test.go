package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sigSnapshot() *Snapshot {
	return &Snapshot{
		Schema:       SchemaTag,
		LocalState:   map[string]string{"bilm-favorites": `[{"key":"movie-1","updatedAt":100}]`},
		SessionState: map[string]string{},
		Meta:         Meta{UpdatedAtMs: 1000, DeviceID: "dev-1", Version: SchemaVersion},
	}
}

func TestSignature_IgnoresVolatileMeta(t *testing.T) {
	a := sigSnapshot()
	b := sigSnapshot()
	b.Meta.UpdatedAtMs = 99999
	b.Meta.DeviceID = "dev-other"

	assert.Equal(t, Signature(a), Signature(b))
}

func TestSignature_ChangesWithContent(t *testing.T) {
	a := sigSnapshot()

	b := sigSnapshot()
	b.LocalState["bilm-favorites"] = `[{"key":"movie-2","updatedAt":100}]`
	assert.NotEqual(t, Signature(a), Signature(b))

	c := sigSnapshot()
	c.SessionState["bilm-pick"] = "x"
	assert.NotEqual(t, Signature(a), Signature(c))

	d := sigSnapshot()
	d.Meta.ListTombstones = map[string]map[string]int64{"bilm-favorites": {"movie-9": 50}}
	assert.NotEqual(t, Signature(a), Signature(d))
}

func TestSignature_NilAndEmptyMapsHashEqually(t *testing.T) {
	a := sigSnapshot()
	a.SessionState = nil

	b := sigSnapshot()

	assert.Equal(t, Signature(a), Signature(b))
}

func TestSignature_NilSnapshot(t *testing.T) {
	assert.Empty(t, Signature(nil))
}
