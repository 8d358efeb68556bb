// Package importer watches a drop directory for exported snapshot
// files and feeds them into the sync engine. Users migrating from
// another install drop a .json export in the directory; the importer
// merges it into local state and renames the file so it is processed
// once.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bilmapp/bilm-sync/internal/snapshot"
)

const (
	// importDirPerm is the permission mode for the import directory
	// when ensuring it exists before watching.
	importDirPerm = fs.FileMode(0o755)

	// debounceInterval is how often pending files are checked, batching
	// partial writes into one import per file.
	debounceInterval = 500 * time.Millisecond

	// settleDelay is how long a file must be quiet before it is read,
	// so half-written exports are not picked up.
	settleDelay = 300 * time.Millisecond

	// importedSuffix marks files that have been processed.
	importedSuffix = ".imported"

	// failedSuffix marks files that could not be decoded or applied.
	failedSuffix = ".failed"

	// maxImportBytes caps how large an export file may be.
	maxImportBytes = 16 * 1024 * 1024
)

// snapshotImporter is the engine surface the importer needs.
type snapshotImporter interface {
	ImportSnapshot(ctx context.Context, snap *snapshot.Snapshot) error
}

// Importer monitors the import directory and applies snapshot exports.
type Importer struct {
	dir    string
	engine snapshotImporter
	logger *slog.Logger
}

// New creates an importer over dir. The directory is created on Watch
// if it does not exist.
func New(dir string, engine snapshotImporter, logger *slog.Logger) *Importer {
	return &Importer{dir: dir, engine: engine, logger: logger}
}

// Watch processes existing exports and then blocks watching for new
// ones until the context is cancelled.
func (i *Importer) Watch(ctx context.Context) error {
	if err := os.MkdirAll(i.dir, importDirPerm); err != nil {
		return fmt.Errorf("creating import dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watching import dir: %w", err)
	}

	i.logger.Info("import watcher started", slog.String("dir", i.dir))

	// Exports dropped before startup.
	i.importExisting(ctx)

	// Debounce: batch partial writes into a single import per file.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !isImportable(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			i.logger.Warn("import watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleDelay {
					continue
				}

				delete(pending, path)
				i.importFile(ctx, path)
			}
		}
	}
}

func (i *Importer) importExisting(ctx context.Context) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		i.logger.Warn("listing import dir", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(i.dir, entry.Name())
		if !isImportable(path) {
			continue
		}

		i.importFile(ctx, path)
	}
}

// importFile reads, decodes, and applies one export, then renames it
// with a suffix recording the outcome.
func (i *Importer) importFile(ctx context.Context, path string) {
	snap, err := readExport(path)
	if err != nil {
		i.logger.Warn("rejecting import",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		i.markDone(path, failedSuffix)

		return
	}

	if err := i.engine.ImportSnapshot(ctx, snap); err != nil {
		i.logger.Warn("importing snapshot",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		i.markDone(path, failedSuffix)

		return
	}

	i.logger.Info("imported snapshot",
		slog.String("file", filepath.Base(path)),
		slog.String("fromDevice", snap.Meta.DeviceID),
	)
	i.markDone(path, importedSuffix)
}

func (i *Importer) markDone(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		i.logger.Warn("renaming processed import",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
	}
}

// readExport decodes a snapshot export file. Accepts both a bare
// snapshot and the cloudBackup document envelope.
func readExport(path string) (*snapshot.Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}

	if info.Size() > maxImportBytes {
		return nil, fmt.Errorf("export too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}

	var envelope struct {
		CloudBackup *struct {
			Snapshot *snapshot.Snapshot `json:"snapshot"`
		} `json:"cloudBackup"`
	}

	if err := json.Unmarshal(data, &envelope); err == nil && envelope.CloudBackup != nil && envelope.CloudBackup.Snapshot != nil {
		return validated(envelope.CloudBackup.Snapshot)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}

	return validated(&snap)
}

func validated(snap *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if snap.Schema != snapshot.SchemaTag {
		return nil, fmt.Errorf("unrecognized export schema %q", snap.Schema)
	}

	return snap, nil
}

func isImportable(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
