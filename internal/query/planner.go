// Package query plans hybrid retrieval: metadata filters, similarity search,
// or a filter-restricted similarity search.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/filter"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

// DefaultK is the result count of a similarity query that does not set K.
const DefaultK = 10

// Query modes, used as the metrics label.
const (
	ModeFilter     = "filter"
	ModeSimilarity = "similarity"
	ModeHybrid     = "hybrid"
)

// Records is the part of the registry the planner reads.
type Records interface {
	Get(ctx context.Context, id string) (*capture.Capture, error)
	GetMany(ctx context.Context, ids []string) ([]*capture.Capture, error)
	Deleted(ctx context.Context, ids []string) (map[string]bool, error)
}

// FilterIndex answers metadata predicates.
type FilterIndex interface {
	Query(ctx context.Context, p filter.Predicate) (filter.IDSet, error)
}

// VectorIndex answers nearest-neighbour searches.
type VectorIndex interface {
	Search(ctx context.Context, q []float32, k int, opts ...vector.SearchOption) ([]vector.Hit, error)
}

// Request describes one query. With neither Filter nor a similarity target
// every capture matches.
type Request struct {
	// Filter restricts results to matching captures. Nil means no filter.
	Filter filter.Predicate
	// Vector is a raw similarity target.
	Vector []float32
	// LikeID uses a stored capture's embedding as the similarity target.
	LikeID string
	// ExcludeSelf drops the LikeID capture from its own results.
	ExcludeSelf bool
	// K caps the result count. For filter-only queries 0 means no cap; for
	// similarity queries 0 means DefaultK.
	K int
	// MaxDistance drops hits farther than this when set.
	MaxDistance *float32
	// Exhaustive forces an exact scan.
	Exhaustive bool
}

func (r Request) similarity() bool { return r.Vector != nil || r.LikeID != "" }

// Mode reports how the request will be executed.
func (r Request) Mode() string {
	switch {
	case r.similarity() && r.Filter != nil:
		return ModeHybrid
	case r.similarity():
		return ModeSimilarity
	default:
		return ModeFilter
	}
}

func (r Request) describe() string {
	var parts []string
	if r.Filter != nil {
		parts = append(parts, r.Filter.String())
	}
	if r.LikeID != "" {
		parts = append(parts, "like "+r.LikeID)
	} else if r.Vector != nil {
		parts = append(parts, fmt.Sprintf("near <%d-dim vector>", len(r.Vector)))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

// Result is one matching capture. Distance is nil for filter-only queries.
type Result struct {
	Capture  *capture.Capture
	Distance *float32
}

// Planner executes requests against the registry and both indexes.
type Planner struct {
	records Records
	filter  FilterIndex
	vectors VectorIndex
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithMetrics records query count, latency and empty results.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New creates a planner. All three dependencies are required.
func New(records Records, f FilterIndex, v VectorIndex, opts ...Option) (*Planner, error) {
	if records == nil || f == nil || v == nil {
		return nil, tcerrors.InternalError("query planner needs a registry, a filter index and a vector index", nil)
	}
	p := &Planner{records: records, filter: f, vectors: v}
	for _, o := range opts {
		o(p)
	}
	p.logger = logging.OrDiscard(p.logger).With(slog.String("module", "query"))
	return p, nil
}

// Find executes req.
//
// Filter-only results come in registry insertion order. Similarity results
// come by ascending distance. A filter that matches nothing yields nothing,
// even when a similarity target is given.
func (p *Planner) Find(ctx context.Context, req Request) ([]Result, error) {
	start := time.Now()
	mode := req.Mode()

	results, err := p.find(ctx, req)
	if err != nil {
		p.logger.Debug("query failed",
			slog.String("mode", mode),
			slog.String("query", req.describe()),
			slog.String("error", err.Error()))
		return nil, err
	}
	p.metrics.ObserveQuery(mode, time.Since(start), len(results), req.describe())
	return results, nil
}

func (p *Planner) find(ctx context.Context, req Request) ([]Result, error) {
	if req.K < 0 {
		return nil, tcerrors.InvalidQueryError(fmt.Sprintf("k must not be negative, got %d", req.K), nil)
	}
	if req.Vector != nil && req.LikeID != "" {
		return nil, tcerrors.InvalidQueryError("give either a vector or a capture id to search like, not both", nil)
	}
	if req.MaxDistance != nil && *req.MaxDistance < 0 {
		return nil, tcerrors.InvalidQueryError("max distance must not be negative", nil)
	}
	if !req.similarity() {
		return p.filterOnly(ctx, req)
	}
	return p.similar(ctx, req)
}

func (p *Planner) filterOnly(ctx context.Context, req Request) ([]Result, error) {
	pred := req.Filter
	if pred == nil {
		pred = filter.All()
	}
	set, err := p.filter.Query(ctx, pred)
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return []Result{}, nil
	}
	ids := set.Sorted()
	caps, err := p.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if req.K > 0 && len(caps) > req.K {
		caps = caps[:req.K]
	}
	results := make([]Result, len(caps))
	for i, c := range caps {
		results[i] = Result{Capture: c}
	}
	return results, nil
}

func (p *Planner) similar(ctx context.Context, req Request) ([]Result, error) {
	target, err := p.target(ctx, req)
	if err != nil {
		return nil, err
	}
	k := req.K
	if k == 0 {
		k = DefaultK
	}
	self := ""
	if req.LikeID != "" && req.ExcludeSelf {
		self = req.LikeID
	}
	searchK := k
	if self != "" {
		searchK++
	}

	var opts []vector.SearchOption
	if req.Exhaustive {
		opts = append(opts, vector.Exhaustive())
	}
	if req.Filter != nil {
		set, err := p.filter.Query(ctx, req.Filter)
		if err != nil {
			return nil, err
		}
		if set.Len() == 0 {
			return []Result{}, nil
		}
		opts = append(opts, vector.WithCandidates(set))
	}

	hits, err := p.vectors.Search(ctx, target, searchK, opts...)
	if err != nil {
		return nil, err
	}

	kept := make([]vector.Hit, 0, len(hits))
	for _, h := range hits {
		if h.ID == self {
			continue
		}
		if req.MaxDistance != nil && h.Distance > *req.MaxDistance {
			continue
		}
		kept = append(kept, h)
	}
	if len(kept) > k {
		kept = kept[:k]
	}

	ids := make([]string, len(kept))
	for i, h := range kept {
		ids[i] = h.ID
	}
	caps, err := p.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*capture.Capture, len(caps))
	for _, c := range caps {
		byID[c.ID] = c
	}
	results := make([]Result, 0, len(kept))
	for _, h := range kept {
		c, ok := byID[h.ID]
		if !ok {
			continue
		}
		d := h.Distance
		results = append(results, Result{Capture: c, Distance: &d})
	}
	return results, nil
}

// target resolves the similarity vector of req.
func (p *Planner) target(ctx context.Context, req Request) ([]float32, error) {
	if req.LikeID == "" {
		return req.Vector, nil
	}
	c, err := p.records.Get(ctx, req.LikeID)
	if err != nil {
		return nil, err
	}
	if len(c.Embedding) == 0 {
		return nil, tcerrors.InvalidQueryError(fmt.Sprintf("capture %s has no embedding to search like", req.LikeID), nil).
			WithSuggestion("attach an embedding with `tonecapture add --embedding`")
	}
	return c.Embedding, nil
}

// load fetches ids from the registry in insertion order. Ids deleted while
// the query ran are dropped. Any other id an index returned but the registry
// does not have is a consistency failure.
func (p *Planner) load(ctx context.Context, ids []string) ([]*capture.Capture, error) {
	if len(ids) == 0 {
		return []*capture.Capture{}, nil
	}
	caps, err := p.records.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(caps) == len(ids) {
		return caps, nil
	}

	found := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		found[c.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	deleted, err := p.records.Deleted(ctx, missing)
	if err != nil {
		return nil, err
	}
	missing = slices.DeleteFunc(missing, func(id string) bool { return deleted[id] })
	if len(missing) == 0 {
		return caps, nil
	}
	p.logger.Warn("index returned captures the registry does not have",
		slog.Int("missing", len(missing)),
		slog.Any("ids", missing))
	return nil, tcerrors.ConsistencyError(
		fmt.Sprintf("%d indexed capture(s) missing from the registry", len(missing)), nil).
		WithDetail("ids", strings.Join(missing, ",")).
		WithSuggestion("run `tonecapture check` to compare the indexes with the registry")
}
