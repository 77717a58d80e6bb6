package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/registry"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

type fixture struct {
	reg     *registry.Registry
	vectors *vector.Index
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Open(registry.Options{
		Dimension: 2,
		Retry:     tcerrors.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	vi, err := vector.New(vector.Options{Dimension: 2, Metric: vector.Euclidean})
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(context.Background(), vi))
	return &fixture{reg: reg, vectors: vi, metrics: telemetry.New()}
}

func (f *fixture) add(t *testing.T, name string, vec ...float32) string {
	t.Helper()
	ctx := context.Background()
	nc := capture.NewCapture{
		Fingerprint: capture.FingerprintOf([]byte(name)),
		Kind:        capture.KindImpulseResponse,
		Path:        "/irs/" + name + ".wav",
	}
	if len(vec) > 0 {
		nc.Embedding = vec
	}
	id, ack, err := f.reg.Register(ctx, nc)
	require.NoError(t, err)
	require.NoError(t, ack.Wait(ctx))
	return id
}

// blobs adds two tight groups far apart and returns their ids. The first
// left point sits at the origin.
func (f *fixture) blobs(t *testing.T) (left, right []string) {
	t.Helper()
	for i := 0; i < 5; i++ {
		d := float32(i) * 0.01
		left = append(left, f.add(t, fmt.Sprintf("l%d", i), d, d))
		right = append(right, f.add(t, fmt.Sprintf("r%d", i), 10+d, 10-d))
	}
	return left, right
}

func (f *fixture) engine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Metrics = f.metrics
	if opts.Workers == 0 {
		opts.Workers = 3
	}
	e, err := New(context.Background(), f.reg, f.vectors, opts)
	require.NoError(t, err)
	return e
}

func clusterOf(t *testing.T, reg *registry.Registry, id string) string {
	t.Helper()
	c, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	epoch, err := reg.CurrentEpoch(context.Background())
	require.NoError(t, err)
	cid, _ := c.ClusterAt(epoch)
	return cid
}

func TestRecompute_KMeansSeparatesBlobs(t *testing.T) {
	// Given: two well separated groups
	f := newFixture(t)
	left, right := f.blobs(t)
	bare := f.add(t, "no-embedding")
	e := f.engine(t, Options{Algorithm: KMeans, K: 2, Seed: 42, Tolerance: 1e-6})
	assert.Equal(t, Idle, e.State())

	// When: clustering
	res, err := e.Recompute(context.Background())

	// Then: one cluster per group, committed as epoch 1
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Epoch)
	assert.Equal(t, Committed, e.State())
	assert.Equal(t, int64(1), e.Epoch())
	require.Len(t, res.Clusters, 2)
	assert.Len(t, res.Assignments, 10)

	lc := clusterOf(t, f.reg, left[0])
	rc := clusterOf(t, f.reg, right[0])
	assert.NotEmpty(t, lc)
	assert.NotEqual(t, lc, rc)
	for _, id := range left {
		assert.Equal(t, lc, clusterOf(t, f.reg, id))
	}
	for _, id := range right {
		assert.Equal(t, rc, clusterOf(t, f.reg, id))
	}
	assert.Empty(t, clusterOf(t, f.reg, bare))

	members, err := e.Members(context.Background(), lc)
	require.NoError(t, err)
	assert.Len(t, members, 5)
	_, err = e.Members(context.Background(), "c99")
	assert.True(t, tcerrors.IsNotFound(err))

	stored, err := f.reg.Clusters(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Equal(t, 100.0, e.Progress().ProgressPct)
}

func TestRecompute_DeterministicAndEpochMonotonic(t *testing.T) {
	f := newFixture(t)
	left, _ := f.blobs(t)
	f.add(t, "between", 5, 5)
	e := f.engine(t, Options{Algorithm: KMeans, K: 3, Seed: 7})

	first, err := e.Recompute(context.Background())
	require.NoError(t, err)
	second, err := e.Recompute(context.Background())
	require.NoError(t, err)

	// Same snapshot and seed: identical outcome, next epoch
	assert.Equal(t, first.Epoch+1, second.Epoch)
	assert.Equal(t, first.Assignments, second.Assignments)
	require.Equal(t, len(first.Clusters), len(second.Clusters))
	for i := range first.Clusters {
		assert.Equal(t, first.Clusters[i].Centroid, second.Clusters[i].Centroid)
		assert.Equal(t, second.Epoch, second.Clusters[i].Epoch)
	}

	// A capture that loses its embedding is unclustered by the next run
	ack, err := f.reg.Update(context.Background(), left[0], capture.Patch{ClearEmbedding: true})
	require.NoError(t, err)
	require.NoError(t, ack.Wait(context.Background()))
	third, err := e.Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), third.Epoch)
	assert.NotContains(t, third.Assignments, left[0])
	assert.Empty(t, clusterOf(t, f.reg, left[0]))
	c, err := f.reg.Get(context.Background(), left[1])
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.ClusterEpoch)
}

func TestKMeans_SameInputSameOutput(t *testing.T) {
	points := [][]float32{{0, 0}, {0, 1}, {1, 0}, {9, 9}, {9, 8}, {8, 9}, {4, 5}, {5, 4}}
	km := kmeans{k: 3, maxIter: 50, seed: 99, workers: 4, metric: vector.Euclidean}

	a, err := km.run(context.Background(), points)
	require.NoError(t, err)
	b, err := km.run(context.Background(), points)
	require.NoError(t, err)

	assert.Equal(t, a.labels, b.labels)
	assert.Equal(t, a.centroids, b.centroids)
	assert.Len(t, a.centroids, 3)
}

func TestKMeans_MoreClustersThanPoints(t *testing.T) {
	points := [][]float32{{0, 0}, {1, 1}}
	km := kmeans{k: 5, maxIter: 10, seed: 1, workers: 2, metric: vector.Euclidean}

	part, err := km.run(context.Background(), points)

	require.NoError(t, err)
	assert.Len(t, part.centroids, 2)
	assert.NotEqual(t, part.labels[0], part.labels[1])
}

func TestRecompute_DBSCANLeavesNoiseUnclustered(t *testing.T) {
	f := newFixture(t)
	left, right := f.blobs(t)
	outlier := f.add(t, "outlier", -50, 50)
	e := f.engine(t, Options{Algorithm: DBSCAN, Eps: 0.5, MinPoints: 3})

	res, err := e.Recompute(context.Background())

	require.NoError(t, err)
	assert.Len(t, res.Clusters, 2)
	assert.Equal(t, 1, res.Unclustered)
	assert.NotContains(t, res.Assignments, outlier)
	assert.Equal(t, res.Assignments[left[0]], res.Assignments[left[4]])
	assert.NotEqual(t, res.Assignments[left[0]], res.Assignments[right[0]])
	for _, cl := range res.Clusters {
		assert.Equal(t, 5, cl.MemberCount)
	}
}

func TestRecompute_CancelledKeepsPreviousEpoch(t *testing.T) {
	f := newFixture(t)
	f.blobs(t)
	e := f.engine(t, Options{K: 2, Seed: 1})
	_, err := e.Recompute(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Recompute(ctx)

	assert.True(t, tcerrors.IsCancelled(err))
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, int64(1), e.Epoch())
	epoch, err := f.reg.CurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)
	assert.NotEmpty(t, e.Progress().ErrorMessage)
}

func TestRecompute_EmptySnapshotCommitsEmptyEpoch(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Options{})

	res, err := e.Recompute(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Epoch)
	assert.Empty(t, res.Clusters)
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	f.blobs(t)
	e := f.engine(t, Options{K: 2, Seed: 3})

	_, _, err := e.Assign([]float32{0, 0})
	assert.True(t, tcerrors.IsNotFound(err))

	_, err = e.Recompute(context.Background())
	require.NoError(t, err)

	near, d, err := e.Assign([]float32{9.5, 9.5})
	require.NoError(t, err)
	assert.Less(t, d, float32(1))
	left, _, err := e.Assign([]float32{0.1, 0})
	require.NoError(t, err)
	assert.NotEqual(t, near.ID, left.ID)

	_, _, err = e.Assign([]float32{1, 2, 3})
	assert.True(t, tcerrors.IsDimension(err))
}

func TestNew_LoadsCommittedEpoch(t *testing.T) {
	f := newFixture(t)
	f.blobs(t)
	first := f.engine(t, Options{K: 2, Seed: 3})
	_, err := first.Recompute(context.Background())
	require.NoError(t, err)

	second := f.engine(t, Options{K: 2})

	assert.Equal(t, int64(1), second.Epoch())
	assert.Len(t, second.Clusters(), 2)
}

func TestNew_RejectsUnknownAlgorithm(t *testing.T) {
	f := newFixture(t)
	_, err := New(context.Background(), f.reg, f.vectors, Options{Algorithm: "spectral"})
	assert.True(t, tcerrors.IsValidation(err))
}

// gatedVectors blocks Snapshot until released.
type gatedVectors struct {
	*vector.Index
	gate chan struct{}
}

func (g gatedVectors) Snapshot() []vector.Item {
	<-g.gate
	return g.Index.Snapshot()
}

func TestStartCancelWait(t *testing.T) {
	f := newFixture(t)
	f.blobs(t)
	gate := make(chan struct{})
	e, err := New(context.Background(), f.reg, gatedVectors{Index: f.vectors, gate: gate}, Options{K: 2})
	require.NoError(t, err)

	res, err := e.Wait()
	assert.Nil(t, res)
	assert.NoError(t, err)

	// Given: a background run stuck taking its snapshot
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, Running, e.State())

	// When: another run is requested
	_, err = e.Recompute(context.Background())

	// Then: it is refused
	assert.True(t, tcerrors.IsConsistency(err))

	// When: the background run is cancelled
	e.Cancel()
	close(gate)
	_, err = e.Wait()

	// Then: it ends cancelled and nothing was committed
	assert.True(t, tcerrors.IsCancelled(err))
	assert.Equal(t, Idle, e.State())
	assert.Zero(t, e.Epoch())

	// And a new background run succeeds
	require.NoError(t, e.Start(context.Background()))
	res, err = e.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Epoch)
}
