package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"
)

// poller detects changes by rescanning the tree every interval.
type poller struct {
	root     string
	opts     Options
	interval time.Duration
	state    map[string]fileSnapshot
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

func newPoller(root string, opts Options) *poller {
	return &poller{root: root, opts: opts, interval: opts.PollInterval}
}

// run takes a baseline scan, calls ready, then reports differences between
// consecutive scans until ctx is done or stop is closed.
func (p *poller) run(ctx context.Context, stop <-chan struct{}, emit func(FileEvent), ready func()) error {
	p.state = p.scan()
	ready()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			p.diff(emit)
		}
	}
}

func (p *poller) scan() map[string]fileSnapshot {
	out := make(map[string]fileSnapshot)
	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p.opts.skipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !p.opts.includes(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[rel] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return out
}

func (p *poller) diff(emit func(FileEvent)) {
	now := time.Now()
	current := p.scan()
	for rel, snap := range current {
		prev, ok := p.state[rel]
		switch {
		case !ok:
			emit(FileEvent{Path: rel, Operation: OpCreate, Timestamp: now})
		case prev != snap:
			emit(FileEvent{Path: rel, Operation: OpModify, Timestamp: now})
		}
	}
	for rel := range p.state {
		if _, ok := current[rel]; !ok {
			emit(FileEvent{Path: rel, Operation: OpDelete, Timestamp: now})
		}
	}
	p.state = current
}
