package cluster

import (
	"context"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

// partition is the output of an algorithm: labels[i] is the cluster index of
// point i, or -1 for noise.
type partition struct {
	centroids  [][]float32
	labels     []int
	iterations int
}

type kmeans struct {
	k          int
	maxIter    int
	tolerance  float64
	seed       int64
	workers    int
	metric     vector.Metric
	onProgress func(iteration int)
}

func (km kmeans) run(ctx context.Context, points [][]float32) (*partition, error) {
	n := len(points)
	k := min(km.k, n)
	if k == 0 {
		return &partition{labels: make([]int, n)}, nil
	}

	rng := rand.New(rand.NewSource(km.seed))
	centroids := km.seedCentroids(rng, points, k)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	iter := 0
	for iter < km.maxIter {
		if err := ctx.Err(); err != nil {
			return nil, tcerrors.CancelledError("clustering cancelled", err)
		}
		iter++

		next, err := assignAll(ctx, points, centroids, km.metric, km.workers)
		if err != nil {
			return nil, err
		}
		changed := 0
		for i := range next {
			if next[i] != labels[i] {
				changed++
			}
		}
		labels = next

		updated := recomputeCentroids(points, labels, centroids)
		shift := maxShift(centroids, updated)
		centroids = updated
		if km.onProgress != nil {
			km.onProgress(iter)
		}
		if changed == 0 || shift <= km.tolerance {
			break
		}
	}
	// Labels must match the final centroids.
	labels, err := assignAll(ctx, points, centroids, km.metric, km.workers)
	if err != nil {
		return nil, err
	}
	return &partition{centroids: centroids, labels: labels, iterations: iter}, nil
}

// seedCentroids is k-means++: the first centre is uniform, each next one is
// drawn with probability proportional to its squared distance from the
// nearest centre already chosen.
func (km kmeans) seedCentroids(rng *rand.Rand, points [][]float32, k int) [][]float32 {
	n := len(points)
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(n)]))

	nearest := make([]float64, n)
	for i, p := range points {
		d := float64(km.metric.Distance(p, centroids[0]))
		nearest[i] = d * d
	}
	for len(centroids) < k {
		var total float64
		for _, d := range nearest {
			total += d
		}
		idx := 0
		if total == 0 {
			// every point sits on a centre already
			idx = rng.Intn(n)
		} else {
			target := rng.Float64() * total
			for i, d := range nearest {
				target -= d
				if target < 0 {
					idx = i
					break
				}
				idx = i
			}
		}
		c := clone(points[idx])
		centroids = append(centroids, c)
		for i, p := range points {
			d := float64(km.metric.Distance(p, c))
			if d*d < nearest[i] {
				nearest[i] = d * d
			}
		}
	}
	return centroids
}

// assignAll labels every point with its nearest centroid. Work is split into
// contiguous chunks; each goroutine writes only its own slots.
func assignAll(ctx context.Context, points, centroids [][]float32, metric vector.Metric, workers int) ([]int, error) {
	labels := make([]int, len(points))
	if workers < 1 {
		workers = 1
	}
	chunk := (len(points) + workers - 1) / workers
	if chunk == 0 {
		return labels, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(points); lo += chunk {
		hi := min(lo+chunk, len(points))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if (i-lo)%256 == 0 && gctx.Err() != nil {
					return tcerrors.CancelledError("clustering cancelled", gctx.Err())
				}
				labels[i], _ = nearestCentroid(points[i], centroids, metric)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return labels, nil
}

// nearestCentroid returns the index of the closest centroid; ties go to the
// lower index.
func nearestCentroid(p []float32, centroids [][]float32, metric vector.Metric) (int, float32) {
	best, bestD := -1, float32(math.MaxFloat32)
	for c, centroid := range centroids {
		if d := metric.Distance(p, centroid); best == -1 || d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

// recomputeCentroids averages the members of each cluster. A cluster that
// lost every member keeps its previous centroid.
func recomputeCentroids(points [][]float32, labels []int, previous [][]float32) [][]float32 {
	dim := len(previous[0])
	sums := make([][]float64, len(previous))
	counts := make([]int, len(previous))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, p := range points {
		c := labels[i]
		if c < 0 {
			continue
		}
		counts[c]++
		for j, v := range p {
			sums[c][j] += float64(v)
		}
	}
	out := make([][]float32, len(previous))
	for c := range out {
		if counts[c] == 0 {
			out[c] = clone(previous[c])
			continue
		}
		out[c] = make([]float32, dim)
		for j := range out[c] {
			out[c][j] = float32(sums[c][j] / float64(counts[c]))
		}
	}
	return out
}

func maxShift(before, after [][]float32) float64 {
	var worst float64
	for c := range before {
		if d := float64(vector.Euclidean.Distance(before[c], after[c])); d > worst {
			worst = d
		}
	}
	return worst
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}
