// Package errors defines sentinel errors shared across bilm-sync packages.
package errors

import "errors"

// Identity errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidSession     = errors.New("invalid or expired session")
	ErrNotSignedIn        = errors.New("no user is signed in")
)

// Sync errors.
var (
	ErrSyncDisabled = errors.New("cloud sync is disabled")
	ErrPushInFlight = errors.New("a push is already in flight")
)

// Remote store/transport errors.
var (
	ErrRemoteRequest  = errors.New("remote store request failed")
	ErrRemoteResponse = errors.New("unexpected remote store response")
)
