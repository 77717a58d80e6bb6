// Package watcher reports changes to capture files under a directory tree.
//
// fsnotify is used when the platform supports it; otherwise the tree is
// polled. Events for the same path are coalesced over a debounce window and
// delivered as batches.
package watcher

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Operation is a file system change.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change. Path is relative to the watched root.
type FileEvent struct {
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures a watcher.
type Options struct {
	// DebounceWindow is how long a path must stay quiet before its event is
	// emitted. Default: 500ms.
	DebounceWindow time.Duration
	// PollInterval is used when fsnotify is unavailable or ForcePolling is
	// set. Default: 5s.
	PollInterval time.Duration
	ForcePolling bool
	// EventBufferSize bounds the batch channel. Default: 100.
	EventBufferSize int
	// Include selects the files worth reporting by relative path. Nil
	// reports every file.
	Include func(relPath string) bool
	// SkipDirs are directory names never descended into. Default:
	// .tonecapture and .git.
	SkipDirs []string
	Logger   *slog.Logger
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  500 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 100,
		SkipDirs:        []string{".tonecapture", ".git"},
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	if o.SkipDirs == nil {
		o.SkipDirs = d.SkipDirs
	}
	return o
}

// skipDir reports whether the directory at relPath is excluded.
func (o Options) skipDir(relPath string) bool {
	if relPath == "." || relPath == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		for _, name := range o.SkipDirs {
			if part == name {
				return true
			}
		}
	}
	return false
}

// includes reports whether a file event for relPath should be emitted.
func (o Options) includes(relPath string) bool {
	if relPath == "." || relPath == "" || o.skipDir(filepath.Dir(relPath)) {
		return false
	}
	return o.Include == nil || o.Include(relPath)
}
