// Package cluster groups captures by embedding similarity. Each committed
// run is an epoch; assignments from older epochs read as unclustered.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/registry"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

// Algorithms.
const (
	KMeans = "kmeans"
	DBSCAN = "dbscan"
)

// State of the engine.
type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Committed State = "committed"
)

// Store is the registry surface the engine writes through.
type Store interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	Clusters(ctx context.Context) ([]capture.Cluster, error)
	ApplyClustering(ctx context.Context, epoch int64, clusters []capture.Cluster, assignments map[string]string) (*registry.Ack, error)
	List(ctx context.Context, afterSeq int64, limit int) ([]*capture.Capture, error)
}

// Vectors is the vector index surface the engine reads.
type Vectors interface {
	Snapshot() []vector.Item
	Metric() vector.Metric
	Dimension() int
}

// Options configures an Engine.
type Options struct {
	Algorithm     string
	K             int
	MaxIterations int
	Tolerance     float64
	Seed          int64
	Eps           float64
	MinPoints     int
	Workers       int
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics
}

// Result describes a committed run.
type Result struct {
	Epoch       int64
	Algorithm   string
	Clusters    []capture.Cluster
	Assignments map[string]string
	// Unclustered counts embedded captures left without a cluster (DBSCAN noise).
	Unclustered int
	Iterations  int
	Duration    time.Duration
}

// Engine runs clustering over a vector snapshot and commits the outcome to
// the registry. One run at a time.
type Engine struct {
	opts    Options
	store   Store
	vectors Vectors
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	state    State
	epoch    int64
	clusters []capture.Cluster
	progress *Progress
	current  *run
}

// run is one recompute, foreground or background.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
}

// New creates an engine and loads the committed epoch from the store.
func New(ctx context.Context, store Store, vectors Vectors, opts Options) (*Engine, error) {
	switch opts.Algorithm {
	case "":
		opts.Algorithm = KMeans
	case KMeans, DBSCAN:
	default:
		return nil, tcerrors.ValidationError(fmt.Sprintf("unknown clustering algorithm %q", opts.Algorithm), nil).
			WithSuggestion("use kmeans or dbscan")
	}
	if opts.K <= 0 {
		opts.K = 8
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	if opts.Eps <= 0 {
		opts.Eps = 0.25
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = 4
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	e := &Engine{
		opts:     opts,
		store:    store,
		vectors:  vectors,
		metrics:  opts.Metrics,
		logger:   logging.OrDiscard(opts.Logger).With(slog.String("module", "cluster"), slog.String("algorithm", opts.Algorithm)),
		state:    Idle,
		progress: newProgress(),
	}
	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) reload(ctx context.Context) error {
	epoch, err := e.store.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	clusters, err := e.store.Clusters(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch = epoch
	e.clusters = clusters
	return nil
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Epoch returns the committed epoch (0 before the first run).
func (e *Engine) Epoch() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Clusters returns the clusters of the committed epoch.
func (e *Engine) Clusters() []capture.Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]capture.Cluster, len(e.clusters))
	for i, c := range e.clusters {
		c.Centroid = clone(c.Centroid)
		out[i] = c
	}
	return out
}

// Progress returns the progress of the current or last run.
func (e *Engine) Progress() ProgressSnapshot {
	e.mu.Lock()
	p := e.progress
	e.mu.Unlock()
	return p.Snapshot()
}

// Members returns the captures assigned to clusterID in the committed epoch,
// in registry order.
func (e *Engine) Members(ctx context.Context, clusterID string) ([]*capture.Capture, error) {
	epoch := e.Epoch()
	if !e.hasCluster(clusterID) {
		return nil, tcerrors.NotFoundError("cluster", clusterID)
	}
	all, err := e.store.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	var members []*capture.Capture
	for _, c := range all {
		if id, ok := c.ClusterAt(epoch); ok && id == clusterID {
			members = append(members, c)
		}
	}
	return members, nil
}

func (e *Engine) hasCluster(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clusters {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Assign returns the committed cluster whose centroid is nearest to vec.
func (e *Engine) Assign(vec []float32) (capture.Cluster, float32, error) {
	if dim := e.vectors.Dimension(); len(vec) != dim {
		return capture.Cluster{}, 0, tcerrors.DimensionError(dim, len(vec))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.clusters) == 0 {
		return capture.Cluster{}, 0, tcerrors.NotFoundError("clustering", fmt.Sprintf("epoch %d", e.epoch)).
			WithSuggestion("run `tonecapture cluster run` first")
	}
	centroids := make([][]float32, len(e.clusters))
	for i, c := range e.clusters {
		centroids[i] = c.Centroid
	}
	idx, d := nearestCentroid(vec, centroids, e.vectors.Metric())
	best := e.clusters[idx]
	best.Centroid = clone(best.Centroid)
	return best, d, nil
}

// Recompute runs clustering over the current vector snapshot and commits it
// as the next epoch. Cancelling ctx (or calling Cancel) leaves the previous
// epoch intact.
func (e *Engine) Recompute(ctx context.Context) (*Result, error) {
	ctx, r, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, r)
	return r.result, r.err
}

// Start runs Recompute in the background. It fails if a run is in progress.
func (e *Engine) Start(ctx context.Context) error {
	ctx, r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	go e.execute(ctx, r)
	return nil
}

// Cancel stops the run in progress, if any.
func (e *Engine) Cancel() {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Wait blocks until the current or last run finishes and returns its outcome.
// Without any run it returns nil, nil.
func (e *Engine) Wait() (*Result, error) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	<-r.done
	return r.result, r.err
}

func (e *Engine) begin(ctx context.Context) (context.Context, *run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		return nil, nil, tcerrors.ConsistencyError("a clustering run is already in progress", nil).
			WithSuggestion("wait for it or cancel it")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.state = Running
	e.current = r
	e.progress = newProgress()
	return ctx, r, nil
}

func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	start := time.Now()
	res, err := e.recompute(ctx)
	elapsed := time.Since(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil && !tcerrors.IsCancelled(err) {
			err = tcerrors.CancelledError("clustering cancelled", err)
		}
		outcome := "failed"
		if tcerrors.IsCancelled(err) {
			outcome = "cancelled"
		}
		e.state = Idle
		e.progress.setError(err.Error())
		e.metrics.ClusterRun(outcome, elapsed, e.epoch)
		e.logger.Warn("clustering run aborted",
			slog.String("outcome", outcome),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		r.err = err
		return
	}

	res.Duration = elapsed
	e.state = Committed
	e.epoch = res.Epoch
	e.clusters = res.Clusters
	e.progress.setStage(StageDone)
	e.metrics.ClusterRun("committed", elapsed, res.Epoch)
	e.logger.Info("clustering committed",
		slog.Int64("epoch", res.Epoch),
		slog.Int("clusters", len(res.Clusters)),
		slog.Int("assigned", len(res.Assignments)),
		slog.Int("unclustered", res.Unclustered),
		slog.Int("iterations", res.Iterations),
		slog.Duration("elapsed", elapsed))
	r.result = res
}

func (e *Engine) recompute(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	progress := e.progress
	e.mu.Unlock()

	progress.setStage(StageSnapshot)
	items := e.vectors.Snapshot()

	current, err := e.store.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	points := make([][]float32, len(items))
	for i, it := range items {
		points[i] = it.Vector
	}
	progress.setStage(StageClustering)
	part, err := e.partition(ctx, points, progress)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, tcerrors.CancelledError("clustering cancelled", err)
	}

	epoch := current + 1
	clusters, assignments, unclustered := buildClusters(items, part, epoch)

	progress.setStage(StageCommitting)
	ack, err := e.store.ApplyClustering(ctx, epoch, clusters, assignments)
	if err != nil {
		return nil, err
	}
	if err := ack.Wait(ctx); err != nil {
		// The epoch is committed; only index visibility lags.
		e.logger.Warn("clustering committed but indexes have not caught up", slog.String("error", err.Error()))
	}
	return &Result{
		Epoch:       epoch,
		Algorithm:   e.opts.Algorithm,
		Clusters:    clusters,
		Assignments: assignments,
		Unclustered: unclustered,
		Iterations:  part.iterations,
	}, nil
}

func (e *Engine) partition(ctx context.Context, points [][]float32, progress *Progress) (*partition, error) {
	metric := e.vectors.Metric()
	if e.opts.Algorithm == DBSCAN {
		progress.setWork(len(points), len(points))
		return dbscan{
			eps:        e.opts.Eps,
			minPoints:  e.opts.MinPoints,
			workers:    e.opts.Workers,
			metric:     metric,
			onProgress: progress.step,
		}.run(ctx, points)
	}
	progress.setWork(len(points), e.opts.MaxIterations)
	return kmeans{
		k:          e.opts.K,
		maxIter:    e.opts.MaxIterations,
		tolerance:  e.opts.Tolerance,
		seed:       e.opts.Seed,
		workers:    e.opts.Workers,
		metric:     metric,
		onProgress: progress.step,
	}.run(ctx, points)
}

// buildClusters names the non-empty clusters c1..cN in label order and maps
// each labelled point to its cluster.
func buildClusters(items []vector.Item, part *partition, epoch int64) ([]capture.Cluster, map[string]string, int) {
	counts := make([]int, len(part.centroids))
	unclustered := 0
	for _, l := range part.labels {
		if l < 0 {
			unclustered++
			continue
		}
		counts[l]++
	}

	names := make([]string, len(part.centroids))
	clusters := make([]capture.Cluster, 0, len(part.centroids))
	for l, n := range counts {
		if n == 0 {
			continue
		}
		names[l] = fmt.Sprintf("c%d", len(clusters)+1)
		clusters = append(clusters, capture.Cluster{
			ID:          names[l],
			Epoch:       epoch,
			Centroid:    part.centroids[l],
			MemberCount: n,
		})
	}

	assignments := make(map[string]string, len(items)-unclustered)
	for i, l := range part.labels {
		if l >= 0 {
			assignments[items[i].ID] = names[l]
		}
	}
	return clusters, assignments, unclustered
}
