package vectorindex

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

type Metric string

const (
	L2           Metric = "l2"
	InnerProduct Metric = "ip"
)

func ParseMetric(raw string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "l2", "euclidean":
		return L2, nil
	case "ip", "inner_product", "inner-product", "dot":
		return InnerProduct, nil
	default:
		return "", configErrorf("metric", "unsupported metric %q", raw)
	}
}

// SimilarityOriented reports whether larger scores rank first.
func (m Metric) SimilarityOriented() bool {
	return m == InnerProduct
}

func (m Metric) valid() bool {
	return m == L2 || m == InnerProduct
}

// Score is the value reported for a pair of vectors: squared euclidean
// distance for L2, raw dot product for InnerProduct.
func (m Metric) Score(a, b []float32) float32 {
	if m == InnerProduct {
		return dot(a, b)
	}
	return l2Squared(a, b)
}

// compare orders two scores so that the better one sorts first.
func (m Metric) compare(a, b float32) int {
	if m.SimilarityOriented() {
		return cmp.Compare(b, a)
	}
	return cmp.Compare(a, b)
}

// rank sorts neighbors best-first, breaking ties by insertion position, and
// truncates to k.
func rank(metric Metric, neighbors []Neighbor, k int) []Neighbor {
	slices.SortFunc(neighbors, func(a, b Neighbor) int {
		if c := metric.compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	if k >= 0 && len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}

func l2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalized(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
