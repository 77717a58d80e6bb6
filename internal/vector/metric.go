package vector

import (
	"fmt"
	"math"

	"github.com/coder/hnsw"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Metric is the distance function an index is built with.
type Metric string

const (
	// Cosine is 1 - cos(a, b), in [0, 2]. A zero vector is at distance 1 from everything.
	Cosine Metric = "cosine"
	// Euclidean is the L2 distance.
	Euclidean Metric = "euclidean"
)

// ParseMetric accepts "cosine" (or "cos") and "euclidean" (or "l2").
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "cosine", "cos":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	}
	return "", tcerrors.ValidationError(fmt.Sprintf("unknown metric %q", s), nil).
		WithSuggestion("use cosine or euclidean")
}

// Distance returns the distance between a and b under m.
func (m Metric) Distance(a, b []float32) float32 {
	if m == Euclidean {
		return hnsw.EuclideanDistance(a, b)
	}
	return cosineDistance(a, b)
}

// prepare returns the stored form of v: a normalized copy for cosine, a
// plain copy otherwise.
func (m Metric) prepare(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if m == Cosine {
		normalizeVectorInPlace(out)
	}
	return out
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	if d < 0 {
		d = 0
	}
	return float32(d)
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
