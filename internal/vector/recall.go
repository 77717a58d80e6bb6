package vector

import "context"

// Recall is the fraction of exact hits that also appear in approx.
// An empty exact list has recall 1.
func Recall(approx, exact []Hit) float64 {
	if len(exact) == 0 {
		return 1
	}
	found := make(map[string]struct{}, len(approx))
	for _, h := range approx {
		found[h.ID] = struct{}{}
	}
	n := 0
	for _, h := range exact {
		if _, ok := found[h.ID]; ok {
			n++
		}
	}
	return float64(n) / float64(len(exact))
}

// MeasureRecall averages recall@k of the index's normal search against an
// exhaustive scan over the given queries.
func (x *Index) MeasureRecall(ctx context.Context, queries [][]float32, k int) (float64, error) {
	if len(queries) == 0 {
		return 1, nil
	}
	var total float64
	for _, q := range queries {
		approx, err := x.Search(ctx, q, k)
		if err != nil {
			return 0, err
		}
		exact, err := x.Search(ctx, q, k, Exhaustive())
		if err != nil {
			return 0, err
		}
		total += Recall(approx, exact)
	}
	return total / float64(len(queries)), nil
}
