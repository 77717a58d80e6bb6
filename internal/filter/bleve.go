package filter

import (
	"context"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Field layout of a bleve document:
//
//	terms          every attribute value as an exact keyword term
//	n.<attribute>  numeric values
//	d.<attribute>  date values
const termsField = "terms"

func numField(attr string) string  { return "n." + attr }
func dateField(attr string) string { return "d." + attr }

// bleveBackend answers predicates with an in-memory bleve index.
type bleveBackend struct {
	idx bleve.Index
	ids   map[string]struct{}
}

func newBleveBackend() (*bleveBackend, error) {
	b := &bleveBackend{}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func newMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = keyword.Name
	m.StoreDynamic = false
	m.DocValuesDynamic = false
	return m
}

func (b *bleveBackend) open() error {
	idx, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return tcerrors.InternalError("failed to create bleve filter index", err)
	}
	b.idx = idx
	b.ids = make(map[string]struct{})
	return nil
}

func (b *bleveBackend) name() string { return "bleve" }

func (b *bleveBackend) reset() {
	_ = b.idx.Close()
	if err := b.open(); err != nil {
		// NewMemOnly only fails on a bad mapping, which is static.
		panic(err)
	}
}

func (b *bleveBackend) index(id string, attrs capture.Attributes) error {
	doc := map[string]any{}
	var terms []string
	for attr, vals := range attrs {
		var nums []float64
		var dates []time.Time
		for _, v := range vals {
			terms = append(terms, term(attr, v))
			switch v.Type() {
			case capture.TypeNumber:
				nums = append(nums, v.Num())
			case capture.TypeDate:
				dates = append(dates, v.Time())
			}
		}
		if len(nums) > 0 {
			doc[numField(attr)] = nums
		}
		if len(dates) > 0 {
			doc[dateField(attr)] = dates
		}
	}
	doc[termsField] = terms

	if err := b.idx.Index(id, doc); err != nil {
		return tcerrors.New(tcerrors.ErrCodeIndexApply, "bleve index failed", err).WithDetail("id", id)
	}
	b.ids[id] = struct{}{}
	return nil
}

func (b *bleveBackend) remove(id string) error {
	if _, ok := b.ids[id]; !ok {
		return nil
	}
	if err := b.idx.Delete(id); err != nil {
		return tcerrors.New(tcerrors.ErrCodeIndexApply, "bleve delete failed", err).WithDetail("id", id)
	}
	delete(b.ids, id)
	return nil
}

func (b *bleveBackend) count() int { return len(b.ids) }

func (b *bleveBackend) query(ctx context.Context, p Predicate) (IDSet, error) {
	q, err := b.compile(p)
	if err != nil {
		return nil, err
	}
	out := make(IDSet)
	if len(b.ids) == 0 {
		return out, nil
	}

	const page = 1000
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(q, page, from, false)
		req.Fields = nil
		req.SortBy([]string{"_id"})
		res, err := b.idx.SearchInContext(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, tcerrors.InternalError("bleve search failed", err)
		}
		for _, hit := range res.Hits {
			out[hit.ID] = struct{}{}
		}
		if len(res.Hits) < page {
			return out, nil
		}
	}
}

func (b *bleveBackend) compile(p Predicate) (query.Query, error) {
	switch p := p.(type) {
	case allPred:
		return bleve.NewMatchAllQuery(), nil
	case eqPred:
		return termQuery(p.attr, p.value), nil
	case inPred:
		if len(p.values) == 0 {
			return bleve.NewMatchNoneQuery(), nil
		}
		qs := make([]query.Query, len(p.values))
		for i, v := range p.values {
			qs[i] = termQuery(p.attr, v)
		}
		return bleve.NewDisjunctionQuery(qs...), nil
	case rangePred:
		loOrd, hiOrd, class, err := rangeBounds(p)
		if err != nil {
			return nil, err
		}
		return rangeQuery(p, class, loOrd, hiOrd), nil
	case andPred:
		if len(p.preds) == 0 {
			return bleve.NewMatchAllQuery(), nil
		}
		qs, err := b.compileAll(p.preds)
		if err != nil {
			return nil, err
		}
		return bleve.NewConjunctionQuery(qs...), nil
	case orPred:
		if len(p.preds) == 0 {
			return bleve.NewMatchNoneQuery(), nil
		}
		qs, err := b.compileAll(p.preds)
		if err != nil {
			return nil, err
		}
		return bleve.NewDisjunctionQuery(qs...), nil
	case notPred:
		inner, err := b.compile(p.pred)
		if err != nil {
			return nil, err
		}
		bq := bleve.NewBooleanQuery()
		bq.AddMust(bleve.NewMatchAllQuery())
		bq.AddMustNot(inner)
		return bq, nil
	}
	return nil, invalidQuery("unsupported predicate %T", p)
}

func (b *bleveBackend) compileAll(preds []Predicate) ([]query.Query, error) {
	out := make([]query.Query, len(preds))
	for i, sub := range preds {
		q, err := b.compile(sub)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func termQuery(attr string, v capture.Value) query.Query {
	q := bleve.NewTermQuery(term(attr, v))
	q.SetField(termsField)
	return q
}

func rangeQuery(p rangePred, class string, loOrd, hiOrd capture.Ordinal) query.Query {
	if class == "d" {
		var start, end time.Time
		var startIncl, endIncl *bool
		if p.lo.Set {
			start = p.lo.Value.Time()
			startIncl = boolPtr(p.lo.Inclusive)
		}
		if p.hi.Set {
			end = p.hi.Value.Time()
			endIncl = boolPtr(p.hi.Inclusive)
		}
		q := bleve.NewDateRangeInclusiveQuery(start, end, startIncl, endIncl)
		q.SetField(dateField(p.attr))
		return q
	}

	var lo, hi *float64
	var loIncl, hiIncl *bool
	if p.lo.Set {
		lo, loIncl = &loOrd.Num, boolPtr(p.lo.Inclusive)
	}
	if p.hi.Set {
		hi, hiIncl = &hiOrd.Num, boolPtr(p.hi.Inclusive)
	}
	q := bleve.NewNumericRangeInclusiveQuery(lo, hi, loIncl, hiIncl)
	q.SetField(numField(p.attr))
	return q
}

func boolPtr(b bool) *bool { return &b }

func (b *bleveBackend) close() error {
	return b.idx.Close()
}
