// Package ingest registers capture files found on disk, reading optional
// YAML sidecars for their metadata, and keeps a directory in sync.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/ignore"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/vault"
)

// Outcome says what IngestFile did.
type Outcome string

const (
	Added     Outcome = "added"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Result is the outcome for one file.
type Result struct {
	Path    string
	Outcome Outcome
	Capture *capture.Capture
}

// Vault is what the ingester writes through.
type Vault interface {
	Add(ctx context.Context, data []byte, nc capture.NewCapture) (*capture.Capture, error)
	Update(ctx context.Context, id string, p capture.Patch) (*capture.Capture, error)
	Replace(ctx context.Context, id string, data []byte, p capture.Patch) (*capture.Capture, error)
	FindByPath(ctx context.Context, path string) (*capture.Capture, error)
	Schema() *capture.Schema
}

var _ Vault = (*vault.Vault)(nil)

// Ingester turns files into captures.
type Ingester struct {
	vault      Vault
	extensions []string
	skipDirs   []string
	ignore     []string
	logger     *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithIgnore adds gitignore-style patterns that IngestDir and Watch skip,
// relative to the directory they are given.
func WithIgnore(patterns ...string) Option {
	return func(in *Ingester) { in.ignore = append(in.ignore, patterns...) }
}

// New creates an ingester accepting files with the given extensions
// (".wav" style, matched case-insensitively).
func New(v Vault, extensions []string, logger *slog.Logger, opts ...Option) *Ingester {
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		exts = append(exts, strings.ToLower(e))
	}
	in := &Ingester{
		vault:      v,
		extensions: exts,
		skipDirs:   []string{config.DataDirName, ".git"},
		logger:     logging.OrDiscard(logger).With(slog.String("module", "ingest")),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// ignored loads the patterns that apply under dir: WithIgnore patterns
// first, then dir's .tonecaptureignore.
func (in *Ingester) ignored(dir string) (*ignore.Matcher, error) {
	return ignore.Load(dir, in.ignore...)
}

// Accepts reports whether path has an ingestible extension.
func (in *Ingester) Accepts(path string) bool {
	return slices.Contains(in.extensions, strings.ToLower(filepath.Ext(path)))
}

// captureFor maps a sidecar path to the capture file it describes. Other
// paths map to themselves.
func (in *Ingester) captureFor(path string) (string, bool) {
	if in.Accepts(path) {
		return path, true
	}
	if base, ok := strings.CutSuffix(path, SidecarSuffix); ok && in.Accepts(base) {
		return base, true
	}
	return "", false
}

// IngestFile registers path, or brings its existing capture up to date. A
// sidecar path ingests the capture it describes. When the capture exists,
// only the fields the sidecar sets are changed.
func (in *Ingester) IngestFile(ctx context.Context, path string) (*Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, tcerrors.ValidationError("cannot resolve path", err).WithDetail("path", path)
	}
	target, ok := in.captureFor(abs)
	if !ok {
		return nil, tcerrors.ValidationError("unsupported file type "+filepath.Ext(abs), nil).
			WithDetail("path", abs).
			WithSuggestion("add the extension to ingest.extensions in " + config.ProjectConfigName)
	}

	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, tcerrors.NotFoundError("file", target)
	}
	if err != nil {
		return nil, tcerrors.StorageError("failed to read capture file", err).WithDetail("path", target)
	}
	side, err := LoadSidecar(target)
	if err != nil {
		return nil, err
	}

	existing, err := in.vault.FindByPath(ctx, target)
	switch {
	case tcerrors.IsNotFound(err):
		return in.add(ctx, target, data, side)
	case err != nil:
		return nil, err
	}
	return in.refresh(ctx, existing, data, side)
}

func (in *Ingester) add(ctx context.Context, path string, data []byte, side *Sidecar) (*Result, error) {
	kind, err := side.kind(filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	nc := capture.NewCapture{Kind: kind, Path: path}
	if side != nil {
		if nc.Attributes, err = side.attributes(in.vault.Schema()); err != nil {
			return nil, err
		}
		nc.Chain = side.Chain
		nc.Notes = side.Notes
		nc.Embedding = side.Embedding
	}
	c, err := in.vault.Add(ctx, data, nc)
	if err != nil {
		return nil, err
	}
	in.logger.Info("capture added", slog.String("id", c.ID), slog.String("path", path), slog.String("kind", string(c.Kind)))
	return &Result{Path: path, Outcome: Added, Capture: c}, nil
}

func (in *Ingester) refresh(ctx context.Context, c *capture.Capture, data []byte, side *Sidecar) (*Result, error) {
	var p capture.Patch
	if side != nil {
		if side.Kind != "" {
			kind, err := capture.ParseKind(side.Kind)
			if err != nil {
				return nil, err
			}
			if kind != c.Kind {
				p.Kind = &kind
			}
		}
		attrs, err := side.attributes(in.vault.Schema())
		if err != nil {
			return nil, err
		}
		for name, vals := range attrs {
			if !slices.EqualFunc(vals, c.Attributes[name], capture.Value.Equal) {
				if p.SetAttributes == nil {
					p.SetAttributes = capture.Attributes{}
				}
				p.SetAttributes[name] = vals
			}
		}
		if side.Chain != nil && !slices.Equal(side.Chain, c.Chain) {
			chain := side.Chain
			p.Chain = &chain
		}
		if side.Notes != "" && side.Notes != c.Notes {
			notes := side.Notes
			p.Notes = &notes
		}
		if side.Embedding != nil && !slices.Equal(side.Embedding, c.Embedding) {
			p.Embedding = side.Embedding
		}
	}

	changedBytes := capture.FingerprintOf(data) != c.Fingerprint
	if !changedBytes && p.IsEmpty() {
		return &Result{Path: c.Path, Outcome: Unchanged, Capture: c}, nil
	}

	var (
		updated *capture.Capture
		err     error
	)
	if changedBytes {
		updated, err = in.vault.Replace(ctx, c.ID, data, p)
	} else {
		updated, err = in.vault.Update(ctx, c.ID, p)
	}
	if err != nil {
		return nil, err
	}
	in.logger.Info("capture updated", slog.String("id", c.ID), slog.String("path", c.Path),
		slog.Bool("content_changed", changedBytes))
	return &Result{Path: c.Path, Outcome: Updated, Capture: updated}, nil
}

// IngestDir ingests every accepted file under dir, skipping the data
// directory, .git and ignored paths. Per-file failures are logged and
// returned joined; they do not stop the walk.
func (in *Ingester) IngestDir(ctx context.Context, dir string) ([]*Result, error) {
	skip, err := in.ignored(dir)
	if err != nil {
		return nil, err
	}
	var (
		results []*Result
		errs    []error
	)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tcerrors.CancelledError("ingest cancelled", ctxErr)
		}
		if path == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if d.IsDir() {
			if slices.Contains(in.skipDirs, d.Name()) || skip.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !in.Accepts(path) || skip.Match(rel, false) {
			return nil
		}
		res, err := in.IngestFile(ctx, path)
		if err != nil {
			in.logger.Warn("ingest failed", slog.String("path", path), slog.String("error", err.Error()))
			errs = append(errs, err)
			return nil
		}
		results = append(results, res)
		return nil
	})
	if walkErr != nil {
		return results, walkErr
	}
	return results, errors.Join(errs...)
}
