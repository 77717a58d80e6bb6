package vector

import (
	"context"
	"fmt"
	"sort"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Execution paths, reported to metrics.
const (
	PathHNSW       = "hnsw"
	PathExhaustive = "exhaustive"
	PathSubset     = "subset"
	PathFallback   = "fallback"
)

// cancelCheckEvery is how many distance computations run between ctx checks.
const cancelCheckEvery = 1024

// Hit is one search result.
type Hit struct {
	ID       string
	Distance float32
}

// CandidateSet restricts a search to a set of ids. filter.IDSet satisfies it.
type CandidateSet interface {
	Has(id string) bool
	Len() int
	Sorted() []string
}

type searchConfig struct {
	candidates CandidateSet
	exhaustive bool
	path       *string
}

// SearchOption tunes a single search.
type SearchOption func(*searchConfig)

// WithCandidates restricts results to ids in set. An empty set yields no hits.
func WithCandidates(set CandidateSet) SearchOption {
	return func(c *searchConfig) { c.candidates = set }
}

// Exhaustive forces a linear scan, which is always exact.
func Exhaustive() SearchOption {
	return func(c *searchConfig) { c.exhaustive = true }
}

// ReportPath stores the execution path the search took.
func ReportPath(path *string) SearchOption {
	return func(c *searchConfig) { c.path = path }
}

// Search returns up to k hits ordered by ascending distance (ties by id).
func (x *Index) Search(ctx context.Context, q []float32, k int, opts ...SearchOption) ([]Hit, error) {
	if k <= 0 {
		return nil, tcerrors.ValidationError(fmt.Sprintf("k must be positive, got %d", k), nil)
	}
	if len(q) != x.opts.Dimension {
		return nil, tcerrors.DimensionError(x.opts.Dimension, len(q))
	}
	var cfg searchConfig
	for _, o := range opts {
		o(&cfg)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.degraded != nil {
		return nil, tcerrors.ConsistencyError("vector index is degraded", x.degraded).
			WithSuggestion("run `tonecapture check --repair` to rebuild the indexes")
	}
	eligible := len(x.vecs)
	if cfg.candidates != nil {
		eligible = x.countStored(cfg.candidates)
	}
	if eligible == 0 {
		return []Hit{}, nil
	}

	query := x.opts.Metric.prepare(q)
	path := x.choosePath(cfg, eligible)
	hits, path, err := x.run(ctx, query, k, cfg.candidates, eligible, path)
	if err != nil {
		return nil, err
	}
	x.metrics.VectorSearch(path)
	if cfg.path != nil {
		*cfg.path = path
	}
	return hits, nil
}

// countStored returns how many ids of cand have a vector.
func (x *Index) countStored(cand CandidateSet) int {
	n := 0
	if cand.Len() <= len(x.vecs) {
		for _, id := range cand.Sorted() {
			if _, ok := x.vecs[id]; ok {
				n++
			}
		}
		return n
	}
	for id := range x.vecs {
		if cand.Has(id) {
			n++
		}
	}
	return n
}

// choosePath picks the execution path. eligible is the number of stored
// vectors the search may return.
func (x *Index) choosePath(cfg searchConfig, eligible int) string {
	switch {
	case cfg.exhaustive || x.graph == nil:
		if cfg.candidates != nil {
			return PathSubset
		}
		return PathExhaustive
	case cfg.candidates != nil && eligible < x.opts.ExhaustiveThreshold:
		return PathSubset
	default:
		return PathHNSW
	}
}

func (x *Index) run(ctx context.Context, q []float32, k int, cand CandidateSet, eligible int, path string) ([]Hit, string, error) {
	switch path {
	case PathSubset:
		hits, err := x.scanSubset(ctx, q, k, cand)
		return hits, path, err
	case PathExhaustive:
		hits, err := x.scanAll(ctx, q, k)
		return hits, path, err
	}

	hits, complete := x.beam(q, k, cand, eligible)
	if complete {
		return hits, PathHNSW, nil
	}
	var err error
	if cand != nil {
		hits, err = x.scanSubset(ctx, q, k, cand)
	} else {
		hits, err = x.scanAll(ctx, q, k)
	}
	return hits, PathFallback, err
}

// beam walks the graph with a growing result size until k eligible hits are
// found or the graph is exhausted. The layer-0 result size starts at
// EfSearch; coder/hnsw stops expanding once that many nodes are held and no
// closer node turns up, so it bounds how much of the graph is visited.
// complete is false when the caller should fall back to a scan.
func (x *Index) beam(q []float32, k int, cand CandidateSet, eligible int) (hits []Hit, complete bool) {
	need := min(k, eligible)
	if need == 0 {
		return []Hit{}, true
	}

	nodes := x.graph.Len()
	size := max(k, x.opts.EfSearch)
	for {
		hits = hits[:0]
		for _, n := range x.graph.Search(q, size) {
			id, live := x.ids[n.Key]
			if !live || (cand != nil && !cand.Has(id)) {
				continue
			}
			hits = append(hits, Hit{ID: id, Distance: x.opts.Metric.Distance(q, n.Value)})
		}
		if len(hits) >= need {
			sortHits(hits)
			return hits[:need], true
		}
		if size >= nodes {
			return nil, false
		}
		size *= 4
	}
}

func (x *Index) scanAll(ctx context.Context, q []float32, k int) ([]Hit, error) {
	hits := make([]Hit, 0, len(x.vecs))
	n := 0
	for id, v := range x.vecs {
		if n++; n%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, tcerrors.CancelledError("vector search cancelled", ctx.Err())
		}
		hits = append(hits, Hit{ID: id, Distance: x.opts.Metric.Distance(q, v)})
	}
	return topK(hits, k), nil
}

func (x *Index) scanSubset(ctx context.Context, q []float32, k int, cand CandidateSet) ([]Hit, error) {
	if cand == nil {
		return x.scanAll(ctx, q, k)
	}
	hits := make([]Hit, 0, cand.Len())
	for i, id := range cand.Sorted() {
		if i%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil, tcerrors.CancelledError("vector search cancelled", ctx.Err())
		}
		v, ok := x.vecs[id]
		if !ok {
			continue
		}
		hits = append(hits, Hit{ID: id, Distance: x.opts.Metric.Distance(q, v)})
	}
	return topK(hits, k), nil
}

func topK(hits []Hit, k int) []Hit {
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
}
