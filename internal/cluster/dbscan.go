package cluster

import (
	"context"

	"golang.org/x/sync/errgroup"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

const noise = -1

type dbscan struct {
	eps        float64
	minPoints  int
	workers    int
	metric     vector.Metric
	onProgress func(visited int)
}

// run labels density-connected points. Points are visited in index order so
// cluster numbering is stable; noise points get the label -1.
func (db dbscan) run(ctx context.Context, points [][]float32) (*partition, error) {
	neighbours, err := db.neighbourhoods(ctx, points)
	if err != nil {
		return nil, err
	}

	const unvisited = -2
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := range points {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, tcerrors.CancelledError("clustering cancelled", ctx.Err())
		}
		if labels[i] != unvisited {
			continue
		}
		if len(neighbours[i]) < db.minPoints {
			labels[i] = noise
			continue
		}

		c := next
		next++
		labels[i] = c
		queue := append([]int(nil), neighbours[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = c // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = c
			if len(neighbours[j]) >= db.minPoints {
				queue = append(queue, neighbours[j]...)
			}
		}
		if db.onProgress != nil {
			db.onProgress(i + 1)
		}
	}

	centroids := make([][]float32, next)
	if next > 0 {
		dim := len(points[0])
		for c := range centroids {
			centroids[c] = make([]float32, dim)
		}
		centroids = recomputeCentroids(points, labels, centroids)
	}
	return &partition{centroids: centroids, labels: labels, iterations: 1}, nil
}

// neighbourhoods lists, for every point, the indexes within eps (itself
// included), in ascending order.
func (db dbscan) neighbourhoods(ctx context.Context, points [][]float32) ([][]int, error) {
	out := make([][]int, len(points))
	workers := max(db.workers, 1)
	chunk := (len(points) + workers - 1) / workers
	if chunk == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(points); lo += chunk {
		hi := min(lo+chunk, len(points))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if gctx.Err() != nil {
					return tcerrors.CancelledError("clustering cancelled", gctx.Err())
				}
				var near []int
				for j, q := range points {
					if float64(db.metric.Distance(points[i], q)) <= db.eps {
						near = append(near, j)
					}
				}
				out[i] = near
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
