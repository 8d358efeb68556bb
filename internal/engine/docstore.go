package engine

import (
	"context"
	"encoding/json"

	"github.com/bilmapp/bilm-sync/internal/cloudstore"
)

//go:generate mockgen -source=docstore.go -destination=mock_docstore_test.go -package=engine

// DocStore is the remote document store surface the engine needs.
// *cloudstore.Client satisfies this interface.
type DocStore interface {
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	SetMerge(ctx context.Context, collection, id string, partial map[string]json.RawMessage) error
	Subscribe(collection, id string, onChange func(cloudstore.DocSnapshot), onError func(error)) func()
}
