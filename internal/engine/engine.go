// Package engine coordinates snapshot synchronization between the
// local store and the account's remote backup document: debounced and
// periodic pushes, remote change pulls, and the freshness policy that
// decides between applying a remote snapshot and merging it back.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bilmapp/bilm-sync/internal/cloudstore"
	"github.com/bilmapp/bilm-sync/internal/identity"
	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
)

const (
	// ReasonMutation tags pushes triggered by tracked local mutations.
	ReasonMutation = "mutation"
	// ReasonInterval tags pushes triggered by the periodic signature check.
	ReasonInterval = "interval"
	// ReasonManual tags pushes explicitly requested by the user.
	ReasonManual = "manual"
	// ReasonShutdown tags the best-effort push on daemon shutdown.
	ReasonShutdown = "shutdown"
)

// forcedReason reports whether a push reason bypasses the debounce and
// the rate floor.
func forcedReason(reason string) bool {
	return reason == ReasonManual || reason == ReasonShutdown
}

// Identity is the auth surface the engine needs. *identity.Service
// satisfies this interface.
type Identity interface {
	CurrentUser() *identity.User
	OnAuthStateChanged(fn func(*identity.User)) func()
}

// Options configures an Engine's timing behavior and remote location.
type Options struct {
	// Collection is the remote collection holding per-account backup
	// documents, keyed by user UID.
	Collection string

	// Debounce is how long after the last mutation a push fires.
	Debounce time.Duration

	// Interval is the period of the background signature check.
	Interval time.Duration

	// PushFloor is the minimum spacing between non-forced pushes.
	PushFloor time.Duration
}

// Engine owns the sync state machine. All timers, flags, and cached
// signatures live here; there is no package-level state.
type Engine struct {
	store    *storage.Store
	identity Identity
	docs     DocStore
	rules    snapshot.Rules
	builder  *snapshot.Builder
	logger   *slog.Logger

	collection string
	debounce   time.Duration
	interval   time.Duration
	limiter    *rate.Limiter
	now        func() time.Time

	mu            sync.Mutex
	pushing       bool
	lastUploaded  string
	lastApplied   string
	debounceTimer *time.Timer
	docUnsub      func()
	runCtx        context.Context

	listenerMu sync.Mutex
	listeners  map[int]func(*snapshot.Snapshot)
	nextID     int
}

// New creates an engine over the given collaborators. Run must be
// called for remote subscriptions and the periodic check to start;
// ScheduleCloudSave and the explicit operations work before that.
func New(store *storage.Store, ident Identity, docs DocStore, rules snapshot.Rules, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		identity:   ident,
		docs:       docs,
		rules:      rules,
		builder:    snapshot.NewBuilder(store),
		logger:     logger,
		collection: opts.Collection,
		debounce:   opts.Debounce,
		interval:   opts.Interval,
		limiter:    rate.NewLimiter(rate.Every(opts.PushFloor), 1),
		now:        time.Now,
		runCtx:     context.Background(),
		listeners:  make(map[int]func(*snapshot.Snapshot)),
	}
}

// ScheduleCloudSave requests a push. Forced reasons push immediately;
// anything else arms (or re-arms) the debounce timer so mutation
// bursts coalesce into one push. Returns whether a push was performed
// or scheduled.
func (e *Engine) ScheduleCloudSave(reason string) bool {
	if !e.store.SyncEnabled() {
		return false
	}

	if e.identity.CurrentUser() == nil {
		return false
	}

	if forcedReason(reason) {
		pushed, err := e.push(e.ctx(), reason)
		if err != nil {
			e.logger.Warn("forced push failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}

		return pushed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}

	e.debounceTimer = time.AfterFunc(e.debounce, func() {
		if _, err := e.push(e.ctx(), reason); err != nil {
			e.logger.Warn("debounced push failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}
	})

	return true
}

// Flush performs a synchronous forced push, used on shutdown and for
// explicit user saves. The error is surfaced to the caller.
func (e *Engine) Flush(ctx context.Context, reason string) error {
	_, err := e.push(ctx, reason)
	return err
}

// OnCloudSnapshotChanged registers a callback invoked with each remote
// snapshot processed from a change notification. Returns an
// unsubscribe function.
func (e *Engine) OnCloudSnapshotChanged(fn func(*snapshot.Snapshot)) func() {
	e.listenerMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		delete(e.listeners, id)
		e.listenerMu.Unlock()
	}
}

func (e *Engine) notifyChanged(snap *snapshot.Snapshot) {
	e.listenerMu.Lock()
	fns := make([]func(*snapshot.Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Run subscribes to auth state and remote changes and drives the
// periodic signature check. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	authUnsub := e.identity.OnAuthStateChanged(func(user *identity.User) {
		if user == nil {
			e.unsubscribeDoc()
			return
		}

		e.subscribeDoc(ctx, user.UID)

		if _, err := e.SyncFromCloudNow(ctx); err != nil {
			e.logger.Warn("initial pull after sign-in failed", slog.String("error", err.Error()))
		}
	})
	defer authUnsub()

	if user := e.identity.CurrentUser(); user != nil {
		e.subscribeDoc(ctx, user.UID)

		if _, err := e.SyncFromCloudNow(ctx); err != nil {
			e.logger.Warn("initial pull failed", slog.String("error", err.Error()))
		}
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.intervalCheck(ctx)

		case <-ctx.Done():
			e.unsubscribeDoc()

			e.mu.Lock()
			if e.debounceTimer != nil {
				e.debounceTimer.Stop()
			}
			e.mu.Unlock()

			return ctx.Err()
		}
	}
}

// intervalCheck pushes when the current snapshot differs from what was
// last uploaded or applied. Failures are logged, not surfaced; the
// next tick retries.
func (e *Engine) intervalCheck(ctx context.Context) {
	if !e.store.SyncEnabled() || e.identity.CurrentUser() == nil {
		return
	}

	if _, err := e.push(ctx, ReasonInterval); err != nil {
		e.logger.Debug("interval push failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) subscribeDoc(ctx context.Context, uid string) {
	e.unsubscribeDoc()

	unsub := e.docs.Subscribe(e.collection, uid,
		func(doc cloudstore.DocSnapshot) { e.handleRemoteChange(ctx, doc) },
		func(err error) {
			e.logger.Warn("remote subscription error", slog.String("error", err.Error()))
		},
	)

	e.mu.Lock()
	e.docUnsub = unsub
	e.mu.Unlock()
}

func (e *Engine) unsubscribeDoc() {
	e.mu.Lock()
	unsub := e.docUnsub
	e.docUnsub = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runCtx
}

// setPushing atomically flips the busy flag, reporting whether the
// caller acquired it.
func (e *Engine) setPushing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pushing {
		return false
	}

	e.pushing = true

	return true
}

func (e *Engine) clearPushing() {
	e.mu.Lock()
	e.pushing = false
	e.mu.Unlock()
}

func (e *Engine) signatures() (uploaded, applied string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastUploaded, e.lastApplied
}

func (e *Engine) setUploaded(sig string) {
	e.mu.Lock()
	e.lastUploaded = sig
	e.mu.Unlock()
}

func (e *Engine) setAppliedAndUploaded(sig string) {
	e.mu.Lock()
	e.lastApplied = sig
	e.lastUploaded = sig
	e.mu.Unlock()
}
