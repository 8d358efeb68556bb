package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bilmapp/bilm-sync/internal/cloudstore"
	"github.com/bilmapp/bilm-sync/internal/config"
	"github.com/bilmapp/bilm-sync/internal/engine"
	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
	"github.com/bilmapp/bilm-sync/internal/identity"
	"github.com/bilmapp/bilm-sync/internal/importer"
	"github.com/bilmapp/bilm-sync/internal/inspect"
	"github.com/bilmapp/bilm-sync/internal/logging"
	"github.com/bilmapp/bilm-sync/internal/mcpserver"
	"github.com/bilmapp/bilm-sync/internal/snapshot"
	"github.com/bilmapp/bilm-sync/internal/storage"
	"github.com/bilmapp/bilm-sync/internal/tracker"
)

var Version = "dev"

// shutdownFlushTimeout bounds the best-effort push performed after the
// run context is cancelled.
const shutdownFlushTimeout = 10 * time.Second

func main() {
	// Handle the diff subcommand before starting the daemon.
	if len(os.Args) > 1 && os.Args[1] == "diff" {
		if err := runDiff(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("bilm-sync starting",
		slog.String("version", Version),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	if !cfg.EnableSync {
		// The MCP tools and the importer both operate on the live sync
		// engine, so there is nothing to run without it.
		return fmt.Errorf("sync is disabled (ENABLE_SYNC=false), nothing to run")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runSync(ctx, cfg, logger)
}

// runSync wires the storage, identity, remote store, and engine
// together and blocks until the context is cancelled. A best-effort
// forced push runs on the way out so the last local changes are not
// stranded on this device.
func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	rules, err := loadRules(cfg, logger)
	if err != nil {
		return err
	}

	ident := identity.NewService(identity.NewClient(cfg.AuthURL, nil), store, logger)

	if err := signIn(ctx, ident, cfg, logger); err != nil {
		return err
	}

	docs := cloudstore.New(cfg.RemoteHost, ident.Token(), cfg.DeviceName, logger)
	if err := docs.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to document store: %w", err)
	}
	defer docs.Close()

	eng := engine.New(store, ident, docs, rules, engine.Options{
		Collection: cfg.RemoteCollection,
		Debounce:   cfg.PushDebounce,
		Interval:   cfg.PushInterval,
		PushFloor:  cfg.PushFloor,
	}, logger)

	tr := tracker.New(store, rules, logger)
	tr.SetScheduler(func(reason string) { eng.ScheduleCloudSave(reason) })
	store.Subscribe(tr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return docs.Run(gctx)
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.ImportDir != "" {
		imp := importer.New(cfg.ImportDir, eng, logger)
		g.Go(func() error {
			return imp.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return mcpserver.Serve(gctx, cfg.MCPListenAddr, Version, eng, store, rules, logger)
		})
	}

	runErr := g.Wait()

	// The run context is gone; flush under its own deadline.
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	if err := eng.Flush(flushCtx, engine.ReasonShutdown); err != nil &&
		!errors.Is(err, bilmerrors.ErrNotSignedIn) && !errors.Is(err, bilmerrors.ErrSyncDisabled) {
		logger.Warn("shutdown flush failed", slog.String("error", err.Error()))
	}

	return runErr
}

// runDiff prints the difference between the local state and the cloud
// backup, then exits. Exit status 0 means in sync.
func runDiff() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger("production")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	rules, err := loadRules(cfg, logger)
	if err != nil {
		return err
	}

	ident := identity.NewService(identity.NewClient(cfg.AuthURL, nil), store, logger)
	if err := signIn(ctx, ident, cfg, logger); err != nil {
		return err
	}

	docs := cloudstore.New(cfg.RemoteHost, ident.Token(), cfg.DeviceName, logger)
	if err := docs.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to document store: %w", err)
	}
	defer docs.Close()

	eng := engine.New(store, ident, docs, rules, engine.Options{
		Collection: cfg.RemoteCollection,
		Debounce:   cfg.PushDebounce,
		Interval:   cfg.PushInterval,
		PushFloor:  cfg.PushFloor,
	}, logger)

	remote, err := eng.GetCloudSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetching cloud snapshot: %w", err)
	}

	local, err := snapshot.NewBuilder(store).Build()
	if err != nil {
		return fmt.Errorf("building local snapshot: %w", err)
	}

	diff := inspect.Diff(local, remote, rules)
	if diff == "" {
		fmt.Println("in sync")
		return nil
	}

	fmt.Print(diff)

	return nil
}

// signIn resumes a persisted session when one exists, falling back to
// a fresh credential sign-in.
func signIn(ctx context.Context, ident *identity.Service, cfg *config.Config, logger *slog.Logger) error {
	user, err := ident.Restore(ctx)
	if err == nil {
		logger.Info("resumed session", slog.String("email", user.Email))
		return nil
	}

	if !errors.Is(err, bilmerrors.ErrNotSignedIn) && !errors.Is(err, bilmerrors.ErrInvalidSession) {
		return fmt.Errorf("restoring session: %w", err)
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	user, err = ident.SignIn(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	logger.Info("signed in", slog.String("email", user.Email), slog.String("uid", user.UID))

	return nil
}

func loadRules(cfg *config.Config, logger *slog.Logger) (snapshot.Rules, error) {
	if cfg.ListRulesPath == "" {
		return snapshot.DefaultRules(), nil
	}

	rules, err := snapshot.LoadRules(cfg.ListRulesPath)
	if err != nil {
		return snapshot.Rules{}, fmt.Errorf("loading list rules: %w", err)
	}

	logger.Info("loaded list rules", slog.String("path", cfg.ListRulesPath), slog.Int("lists", len(rules.Lists)))

	return rules, nil
}
