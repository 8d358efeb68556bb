// Package cloudstore implements the WebSocket client for Bilm's remote
// document store: per-user JSON documents with merge-on-write semantics
// and a real-time change subscription.
package cloudstore

import "encoding/json"

// InitMessage is the first frame sent after dialing. The server
// authenticates the session token before serving any operation.
type InitMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// InitResponse is the server's reply to init.
type InitResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// GenericMessage is used to sniff the op of an inbound frame before
// decoding it fully.
type GenericMessage struct {
	Op  string `json:"op"`
	Res string `json:"res,omitempty"`
	Err string `json:"err,omitempty"`
}

// GetMessage requests a document.
type GetMessage struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// SetMessage writes a partial document with merge semantics: keys in
// Data overwrite the stored document's keys, unnamed keys survive.
type SetMessage struct {
	Op         string                     `json:"op"`
	Collection string                     `json:"collection"`
	ID         string                     `json:"id"`
	Merge      bool                       `json:"merge"`
	Data       map[string]json.RawMessage `json:"data"`
}

// SubMessage starts or stops the change stream for a document.
type SubMessage struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// ResultMessage is the server's reply to get and set operations. Data
// is null for get when the document does not exist.
type ResultMessage struct {
	Op   string          `json:"op"`
	Err  string          `json:"err,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChangeMessage is a server push on a subscribed document.
type ChangeMessage struct {
	Op         string          `json:"op"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	FromCache  bool            `json:"fromCache,omitempty"`
}

// DocSnapshot is a point-in-time view of a subscribed document
// delivered to change callbacks.
type DocSnapshot struct {
	data            json.RawMessage
	hasPendingWrite bool
	fromCache       bool
}

// NewDocSnapshot constructs a document view. Exposed so collaborators
// can fabricate snapshots in tests.
func NewDocSnapshot(data json.RawMessage, hasPendingWrites, fromCache bool) DocSnapshot {
	return DocSnapshot{data: data, hasPendingWrite: hasPendingWrites, fromCache: fromCache}
}

// Data returns the raw document body, nil when the document is absent.
func (d DocSnapshot) Data() json.RawMessage {
	return d.data
}

// HasPendingWrites reports whether this client had an unacknowledged
// write to the document when the change arrived, marking the change as
// a likely optimistic echo of our own push.
func (d DocSnapshot) HasPendingWrites() bool {
	return d.hasPendingWrite
}

// FromCache reports whether the server flagged the data as served from
// its cache rather than committed storage.
func (d DocSnapshot) FromCache() bool {
	return d.fromCache
}
