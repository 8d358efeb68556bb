// Package storage provides the bbolt-backed key-value store that holds
// all persisted Bilm user state. Every mutation flows through Store so
// registered listeners (the sync mutation tracker) observe writes as an
// explicit dependency rather than a runtime patch.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory (~/.bilm-sync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the state database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

// Scope selects one of the two storage areas. Local survives restarts;
// Session is wiped every time the store is opened, mirroring the
// lifetime of browser session storage.
type Scope int

const (
	Local Scope = iota
	Session
)

// String returns the scope name used in logs and snapshots.
func (s Scope) String() string {
	if s == Session {
		return "session"
	}

	return "local"
}

var (
	localBucket   = []byte("local")
	sessionBucket = []byte("session")
)

// Namespace is the key prefix that marks application state owned by
// Bilm. Only namespaced keys are shipped in snapshots.
const Namespace = "bilm-"

// Reserved sync-internal keys. They live in the local scope but are
// never tracked by the mutation tracker and never shipped in snapshots.
const (
	KeyDeviceID    = "bilm-device-id"
	KeySyncMeta    = "bilm-sync-meta"
	KeySyncEnabled = "bilm-cloud-sync"
	KeySession     = "bilm-session"
)

// IsReserved reports whether key is one of the sync-internal keys.
func IsReserved(key string) bool {
	return key == KeyDeviceID || key == KeySyncMeta || key == KeySyncEnabled || key == KeySession
}

// IsNamespaced reports whether key belongs to the Bilm application
// namespace and is eligible for snapshotting (reserved keys excluded).
func IsNamespaced(key string) bool {
	return len(key) >= len(Namespace) && key[:len(Namespace)] == Namespace && !IsReserved(key)
}

// MutationType classifies a store write for sync metadata.
type MutationType string

const (
	MutationSet    MutationType = "set"
	MutationRemove MutationType = "remove"
	MutationClear  MutationType = "clear"
)

// Mutation describes a single store write delivered to listeners after
// the underlying operation succeeded. Before/After are nil when the key
// had no value or was removed. For clear mutations Key is empty and
// BeforeAll holds every key/value pair that was wiped.
type Mutation struct {
	Scope     Scope
	Type      MutationType
	Key       string
	Before    *string
	After     *string
	BeforeAll map[string]string
}

// MutationListener observes successful store writes.
type MutationListener interface {
	OnMutation(m Mutation)
}

// Store wraps a bbolt database holding the local and session scopes.
type Store struct {
	db *bolt.DB

	mu         sync.Mutex
	listeners  []MutationListener
	suppressed bool
}

// Open opens the store at dir/state.db, creating the directory and
// database as needed. The session scope is cleared on open.
func Open(dir string) (*Store, error) {
	return OpenAt(filepath.Join(dir, "state.db"))
}

// OpenAt opens a store database at the given path. Useful for tests
// that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(localBucket); err != nil {
			return err
		}

		// Session state does not outlive the process, so any leftover
		// bucket from a previous run is dropped and recreated empty.
		if tx.Bucket(sessionBucket) != nil {
			if err := tx.DeleteBucket(sessionBucket); err != nil {
				return err
			}
		}

		_, err := tx.CreateBucket(sessionBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers a mutation listener. Listeners are invoked
// synchronously after each successful write, in registration order.
func (s *Store) Subscribe(l MutationListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// SetSuppressed toggles listener notification. The snapshot applier
// suppresses listeners while it rewrites the store so its own writes do
// not feed back into the mutation tracker.
func (s *Store) SetSuppressed(v bool) {
	s.mu.Lock()
	s.suppressed = v
	s.mu.Unlock()
}

func (s *Store) notify(m Mutation) {
	s.mu.Lock()
	if s.suppressed {
		s.mu.Unlock()
		return
	}

	listeners := make([]MutationListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnMutation(m)
	}
}

func bucketFor(tx *bolt.Tx, scope Scope) *bolt.Bucket {
	if scope == Session {
		return tx.Bucket(sessionBucket)
	}

	return tx.Bucket(localBucket)
}

// Get returns the value for key in the given scope, and whether it exists.
func (s *Store) Get(scope Scope, key string) (string, bool) {
	var (
		value string
		ok    bool
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := bucketFor(tx, scope).Get([]byte(key))
		if v != nil {
			value = string(v)
			ok = true
		}

		return nil
	})

	return value, ok
}

// Set writes key=value in the given scope. The write is durable before
// listeners are notified; a write error propagates to the caller and
// listeners are not invoked.
func (s *Store) Set(scope Scope, key, value string) error {
	var before *string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := bucketFor(tx, scope)

		if prev := b.Get([]byte(key)); prev != nil {
			p := string(prev)
			before = &p
		}

		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("setting %s key %q: %w", scope, key, err)
	}

	s.notify(Mutation{Scope: scope, Type: MutationSet, Key: key, Before: before, After: &value})

	return nil
}

// Remove deletes key from the given scope. Removing an absent key is a
// no-op that still notifies listeners (with a nil Before).
func (s *Store) Remove(scope Scope, key string) error {
	var before *string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := bucketFor(tx, scope)

		if prev := b.Get([]byte(key)); prev != nil {
			p := string(prev)
			before = &p
		}

		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("removing %s key %q: %w", scope, key, err)
	}

	s.notify(Mutation{Scope: scope, Type: MutationRemove, Key: key, Before: before})

	return nil
}

// Clear wipes every key in the given scope, including reserved keys.
// Callers that need reserved keys preserved (the snapshot applier) read
// them before clearing and restore them afterwards.
func (s *Store) Clear(scope Scope) error {
	var beforeAll map[string]string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := bucketFor(tx, scope)

		beforeAll = make(map[string]string)
		if err := b.ForEach(func(k, v []byte) error {
			beforeAll[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}

		for k := range beforeAll {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing %s scope: %w", scope, err)
	}

	s.notify(Mutation{Scope: scope, Type: MutationClear, BeforeAll: beforeAll})

	return nil
}

// All returns every key/value pair in the given scope.
func (s *Store) All(scope Scope) (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return bucketFor(tx, scope).ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s scope: %w", scope, err)
	}

	return result, nil
}

// DeviceID returns the stable per-install device identifier, creating
// and persisting a new one on first access. The write bypasses listener
// notification since the id is sync-internal.
func (s *Store) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(localBucket)

		if v := b.Get([]byte(KeyDeviceID)); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put([]byte(KeyDeviceID), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	return id, nil
}

// SyncEnabled reports whether cloud sync is enabled. The flag follows
// the storage contract: "0" means disabled, anything else or absent
// means enabled.
func (s *Store) SyncEnabled() bool {
	v, ok := s.Get(Local, KeySyncEnabled)

	return !ok || v != "0"
}

// SetSyncEnabled persists the cloud sync flag.
func (s *Store) SetSyncEnabled(enabled bool) error {
	v := "1"
	if !enabled {
		v = "0"
	}

	return s.Set(Local, KeySyncEnabled, v)
}
