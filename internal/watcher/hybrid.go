package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Watcher watches a directory tree with fsnotify, falling back to polling.
type Watcher struct {
	opts      Options
	logger    *slog.Logger
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	errors    chan error
	ready     chan struct{}
	stopCh    chan struct{}
	root      string

	mu        sync.RWMutex
	stopped   bool
	readyOnce sync.Once
}

// New creates a watcher. Nothing is watched until Start.
func New(opts Options) *Watcher {
	opts = opts.WithDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "watcher"))

	w := &Watcher{
		opts:      opts,
		logger:    logger,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.EventBufferSize, logger),
		errors:    make(chan error, 10),
		ready:     make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("fsnotify unavailable, polling instead", slog.String("error", err.Error()))
		} else {
			w.fsw = fsw
		}
	}
	return w
}

// Mode returns "fsnotify" or "polling".
func (w *Watcher) Mode() string {
	if w.fsw != nil {
		return "fsnotify"
	}
	return "polling"
}

// Start watches root until ctx is cancelled or Stop is called. It blocks;
// Ready is closed once the tree is being watched.
func (w *Watcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return tcerrors.ValidationError("cannot resolve watch directory", err).WithDetail("path", root)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return tcerrors.ValidationError("watch target is not a directory", err).WithDetail("path", abs)
	}
	w.root = abs
	w.logger.Info("watching", slog.String("root", abs), slog.String("mode", w.Mode()))

	if w.fsw != nil {
		return w.runFsnotify(ctx)
	}
	p := newPoller(abs, w.opts)
	err = p.run(ctx, w.stopCh, w.debouncer.Add, w.markReady)
	if ctx.Err() != nil {
		_ = w.Stop()
	}
	return err
}

// Ready is closed once Start has registered the tree.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Events returns the debounced batches. The channel is closed by Stop.
func (w *Watcher) Events() <-chan []FileEvent { return w.debouncer.Output() }

// Errors returns non-fatal watch errors. The channel is closed by Stop.
func (w *Watcher) Errors() <-chan error { return w.errors }

func (w *Watcher) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

func (w *Watcher) runFsnotify(ctx context.Context) error {
	if err := w.addTree(w.root, false); err != nil {
		return tcerrors.StorageError("failed to watch directory", err).WithDetail("path", w.root)
	}
	w.markReady()

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return nil
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// addTree watches dir and every directory below it. With announce set, files
// already inside are reported as created (a directory moved into the tree).
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		if d.IsDir() {
			if w.opts.skipDir(rel) {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		if announce && w.opts.includes(rel) {
			w.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: time.Now()})
		}
		return nil
	})
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.opts.skipDir(rel) {
				if err := w.addTree(ev.Name, true); err != nil {
					w.emitError(err)
				}
			}
			return
		}
	}
	if !w.opts.includes(rel) {
		return
	}

	var op Operation
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = OpCreate
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&fsnotify.Remove != 0:
		op = OpDelete
	case ev.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}
	w.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: time.Now()})
}

func (w *Watcher) emitError(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watch error dropped", slog.String("error", err.Error()))
	}
}

// Stop stops watching and closes Events and Errors. Safe to call repeatedly.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	close(w.errors)
	return err
}
