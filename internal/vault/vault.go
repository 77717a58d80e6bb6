// Package vault wires the registry, the content store, both indexes, the
// query planner and the cluster engine into one archive handle.
package vault

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	"github.com/Aman-CERP/tonecapture/internal/cluster"
	"github.com/Aman-CERP/tonecapture/internal/config"
	"github.com/Aman-CERP/tonecapture/internal/content"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/filter"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/query"
	"github.com/Aman-CERP/tonecapture/internal/registry"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

// File names inside the data directory.
const (
	RegistryFileName = "registry.db"
	BlobDirName      = "blobs"
)

// Option configures Open.
type Option func(*Vault)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithMetrics sets the metrics sink. Open creates one when absent.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// Vault is an open archive.
type Vault struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	lock    *FileLock

	registry *registry.Registry
	blobs    *content.Store
	filter   *filter.Index
	vectors  *vector.Index
	planner  *query.Planner
	clusters *cluster.Engine

	// sweepMu keeps a GC sweep from removing a blob that Add has stored but
	// not yet registered.
	sweepMu sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the archive described by cfg. Unless
// cfg.Storage.InMemory is set the data directory is locked for the lifetime
// of the Vault.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Vault, error) {
	if cfg == nil {
		return nil, tcerrors.ValidationError("configuration is required", nil)
	}
	v := &Vault{cfg: cfg}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.OrDiscard(v.logger)
	if v.metrics == nil {
		v.metrics = telemetry.New()
	}

	if err := v.open(ctx); err != nil {
		_ = v.Close()
		return nil, err
	}
	v.logger.Info("vault opened",
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Bool("in_memory", cfg.Storage.InMemory),
		slog.Int("dimension", cfg.Vector.Dimension),
		slog.String("metric", cfg.Vector.Metric))
	return v, nil
}

func (v *Vault) open(ctx context.Context) error {
	cfg := v.cfg
	schema, err := capture.SchemaFromConfig(cfg.Schema)
	if err != nil {
		return err
	}

	regPath := ""
	if !cfg.Storage.InMemory {
		v.lock = NewFileLock(cfg.Storage.DataDir)
		if err := v.lock.TryLock(); err != nil {
			v.lock = nil
			return err
		}
		regPath = filepath.Join(cfg.Storage.DataDir, RegistryFileName)
	}

	initial, maxDelay := cfg.Events.Backoff()
	retry := tcerrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.Events.MaxRetries
	if initial > 0 {
		retry.InitialDelay = initial
	}
	if maxDelay > 0 {
		retry.MaxDelay = maxDelay
	}

	// The registry and the blob store share nothing, so open them together.
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg, err := registry.Open(registry.Options{
			Path:      regPath,
			Dimension: cfg.Vector.Dimension,
			Schema:    schema,
			CacheMB:   cfg.Storage.SQLiteCacheMB,
			Retry:     retry,
			Logger:    v.logger,
			Metrics:   v.metrics,
		})
		v.registry = reg
		return err
	})
	g.Go(func() error {
		blobs, err := content.Open(content.Options{
			Dir:          filepath.Join(cfg.Storage.DataDir, BlobDirName),
			InMemory:     cfg.Storage.InMemory,
			CacheEntries: cfg.Storage.CacheEntries,
			GCInterval:   cfg.Storage.GCEvery(),
			Logger:       v.logger,
			Metrics:      v.metrics,
		})
		v.blobs = blobs
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if v.filter, err = filter.New(cfg.Filter.Backend, v.logger); err != nil {
		return err
	}
	if v.vectors, err = vector.New(vector.Options{
		Dimension:           cfg.Vector.Dimension,
		Metric:              vector.Metric(cfg.Vector.Metric),
		Mode:                cfg.Vector.Mode,
		M:                   cfg.Vector.M,
		EfSearch:            cfg.Vector.EfSearch,
		ExhaustiveThreshold: cfg.Vector.ExhaustiveThreshold,
		OrphanThreshold:     cfg.Vector.OrphanThreshold,
		Seed:                cfg.Vector.Seed,
		Logger:              v.logger,
		Metrics:             v.metrics,
	}); err != nil {
		return err
	}

	// Subscribing replays the live records into each index.
	if err := v.registry.Subscribe(ctx, v.filter); err != nil {
		return err
	}
	if err := v.registry.Subscribe(ctx, v.vectors); err != nil {
		return err
	}
	if n, err := v.registry.ResumePendingDeletes(ctx); err != nil {
		return err
	} else if n > 0 {
		v.logger.Info("resumed interrupted deletes", slog.Int("count", n))
	}

	if v.planner, err = query.New(v.registry, v.filter, v.vectors,
		query.WithLogger(v.logger), query.WithMetrics(v.metrics)); err != nil {
		return err
	}
	v.clusters, err = cluster.New(ctx, v.registry, v.vectors, cluster.Options{
		Algorithm:     cfg.Cluster.Algorithm,
		K:             cfg.Cluster.K,
		MaxIterations: cfg.Cluster.MaxIterations,
		Tolerance:     cfg.Cluster.Tolerance,
		Seed:          cfg.Cluster.Seed,
		Eps:           cfg.Cluster.Eps,
		MinPoints:     cfg.Cluster.MinPoints,
		Workers:       cfg.Cluster.Workers,
		Logger:        v.logger,
		Metrics:       v.metrics,
	})
	return err
}

// Close cancels a running cluster recompute and closes every store. It is
// safe to call more than once.
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if v.clusters != nil {
			v.clusters.Cancel()
			_, _ = v.clusters.Wait()
		}
		if v.registry != nil {
			errs = append(errs, v.registry.Close())
		}
		if v.filter != nil {
			errs = append(errs, v.filter.Close())
		}
		if v.blobs != nil {
			errs = append(errs, v.blobs.Close())
		}
		if v.lock != nil {
			errs = append(errs, v.lock.Unlock())
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}

// Config returns the configuration the vault was opened with.
func (v *Vault) Config() *config.Config { return v.cfg }

// Metrics returns the metrics sink.
func (v *Vault) Metrics() *telemetry.Metrics { return v.metrics }

// Registry returns the capture registry.
func (v *Vault) Registry() *registry.Registry { return v.registry }

// Blobs returns the content store.
func (v *Vault) Blobs() *content.Store { return v.blobs }

// Vectors returns the vector index.
func (v *Vault) Vectors() *vector.Index { return v.vectors }

// Clusters returns the cluster engine.
func (v *Vault) Clusters() *cluster.Engine { return v.clusters }

// Schema returns the attribute schema.
func (v *Vault) Schema() *capture.Schema { return v.registry.Schema() }

// Add stores data and registers a capture for it. The fingerprint of nc is
// replaced by the fingerprint of data. Add returns once both indexes have
// applied the new record.
func (v *Vault) Add(ctx context.Context, data []byte, nc capture.NewCapture) (*capture.Capture, error) {
	v.sweepMu.RLock()
	fp, err := v.blobs.Put(ctx, data)
	if err != nil {
		v.sweepMu.RUnlock()
		return nil, err
	}
	nc.Fingerprint = fp
	id, ack, err := v.registry.Register(ctx, nc)
	v.sweepMu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := ack.Wait(ctx); err != nil {
		return nil, err
	}
	return v.registry.Get(ctx, id)
}

// Update patches a capture and waits for the indexes to catch up.
func (v *Vault) Update(ctx context.Context, id string, p capture.Patch) (*capture.Capture, error) {
	ack, err := v.registry.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if err := ack.Wait(ctx); err != nil {
		return nil, err
	}
	return v.registry.Get(ctx, id)
}

// Replace stores new bytes for a capture and applies p in the same update.
// The old blob is left for GC.
func (v *Vault) Replace(ctx context.Context, id string, data []byte, p capture.Patch) (*capture.Capture, error) {
	v.sweepMu.RLock()
	fp, err := v.blobs.Put(ctx, data)
	if err != nil {
		v.sweepMu.RUnlock()
		return nil, err
	}
	p.Fingerprint = &fp
	ack, err := v.registry.Update(ctx, id, p)
	v.sweepMu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := ack.Wait(ctx); err != nil {
		return nil, err
	}
	return v.registry.Get(ctx, id)
}

// Delete removes a capture. Its blob is reclaimed by the next GC once no
// other capture references it.
func (v *Vault) Delete(ctx context.Context, id string) error {
	return v.registry.Delete(ctx, id)
}

// Get returns a live capture.
func (v *Vault) Get(ctx context.Context, id string) (*capture.Capture, error) {
	return v.registry.Get(ctx, id)
}

// FindByPath returns the live capture registered for path.
func (v *Vault) FindByPath(ctx context.Context, path string) (*capture.Capture, error) {
	return v.registry.FindByPath(ctx, path)
}

// Read returns the bytes of a capture.
func (v *Vault) Read(ctx context.Context, id string) ([]byte, error) {
	c, err := v.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := v.blobs.Get(ctx, c.Fingerprint)
	if tcerrors.IsNotFound(err) {
		return nil, tcerrors.ConsistencyError("capture blob is missing from the content store", err).
			WithDetail("id", id).
			WithDetail("fingerprint", c.Fingerprint).
			WithSuggestion("re-add the file, then run `tonecapture check`")
	}
	return data, err
}

// Find runs a filter, similarity or hybrid query.
func (v *Vault) Find(ctx context.Context, req query.Request) ([]query.Result, error) {
	return v.planner.Find(ctx, req)
}

// ParseFilter parses filter text against the vault schema.
func (v *Vault) ParseFilter(text string) (filter.Predicate, error) {
	return filter.Parse(text, v.registry.Schema())
}

// Stats summarizes the archive.
type Stats struct {
	Registry    *registry.Stats
	Blobs       content.Usage
	Vectors     vector.Stats
	Filtered    int
	FilterIndex string
	Subscribers []registry.SubscriberStatus
	Cluster     cluster.ProgressSnapshot
	ClusterRun  cluster.State
}

// Stats collects counts from every component.
func (v *Vault) Stats(ctx context.Context) (*Stats, error) {
	reg, err := v.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := v.blobs.Size(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Registry:    reg,
		Blobs:       usage,
		Vectors:     v.vectors.Stats(),
		Filtered:    v.filter.Len(),
		FilterIndex: v.filter.Backend(),
		Subscribers: v.registry.Bus().Status(),
		Cluster:     v.clusters.Progress(),
		ClusterRun:  v.clusters.State(),
	}, nil
}
