package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/watcher"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce is the quiet period before a changed file is ingested.
	Debounce time.Duration
	// PollInterval and ForcePolling are passed to the watcher.
	PollInterval time.Duration
	ForcePolling bool
	// OnResult, when set, is called for every ingest attempt.
	OnResult func(path string, res *Result, err error)
	// OnReady, when set, is called once the directory is being watched.
	OnReady func()
}

// Watch ingests capture files created or changed under dir until ctx is
// cancelled. Editing a sidecar re-ingests its capture. Ignored paths are
// skipped; the ignore file is read once at start. Deleting a file leaves
// its capture, and its bytes, in the archive.
func (in *Ingester) Watch(ctx context.Context, dir string, opts WatchOptions) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	skip, err := in.ignored(root)
	if err != nil {
		return err
	}
	w := watcher.New(watcher.Options{
		DebounceWindow: opts.Debounce,
		PollInterval:   opts.PollInterval,
		ForcePolling:   opts.ForcePolling,
		Include: func(rel string) bool {
			target, ok := in.captureFor(rel)
			return ok && !skip.Match(target, false)
		},
		Logger: in.logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, root) }()
	defer func() { _ = w.Stop() }()

	ready, errs := w.Ready(), w.Errors()
	for {
		select {
		case err := <-done:
			return err
		case <-ready:
			ready = nil
			if opts.OnReady != nil {
				opts.OnReady()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			in.logger.Warn("watch error", slog.String("error", err.Error()))
		case batch, ok := <-w.Events():
			if !ok {
				return <-done
			}
			in.handleBatch(ctx, root, batch, opts.OnResult)
		}
	}
}

// handleBatch ingests each capture touched by batch once, in path order.
func (in *Ingester) handleBatch(ctx context.Context, root string, batch []watcher.FileEvent, onResult func(string, *Result, error)) {
	seen := make(map[string]bool, len(batch))
	for _, ev := range batch {
		path := filepath.Join(root, ev.Path)
		target, ok := in.captureFor(path)
		if !ok || seen[target] {
			continue
		}
		seen[target] = true

		if ev.Operation == watcher.OpDelete || ev.Operation == watcher.OpRename {
			if target == path {
				in.logger.Info("source file removed, capture kept", slog.String("path", path))
				continue
			}
			// A removed sidecar leaves the capture's metadata as it was.
		}

		res, err := in.IngestFile(ctx, target)
		if err != nil {
			in.logger.Warn("ingest failed", slog.String("path", target), slog.String("error", err.Error()))
		}
		if onResult != nil {
			onResult(target, res, err)
		}
	}
}
