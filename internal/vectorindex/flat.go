package vectorindex

import (
	"context"
	"fmt"
)

type flatBackend struct {
	metric  Metric
	dim     int
	vectors [][]float32
}

func newFlatBackend(metric Metric, dim int) *flatBackend {
	return &flatBackend{metric: metric, dim: dim}
}

func (b *flatBackend) Add(_ context.Context, entries []Entry) error {
	for _, entry := range entries {
		if len(entry.Vector) != b.dim {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimension, b.dim, len(entry.Vector))
		}
		if entry.Position != len(b.vectors) {
			return fmt.Errorf("add flat entry: position %d out of order", entry.Position)
		}
		b.vectors = append(b.vectors, entry.Vector)
	}
	return nil
}

func (b *flatBackend) Search(_ context.Context, query []float32, k int) ([]Neighbor, error) {
	return exhaustive(b.metric, b.vectors, query, k), nil
}

func (b *flatBackend) Len() int {
	return len(b.vectors)
}

func (b *flatBackend) Close() error {
	b.vectors = nil
	return nil
}

func exhaustive(metric Metric, vectors [][]float32, query []float32, k int) []Neighbor {
	neighbors := make([]Neighbor, len(vectors))
	for position, vector := range vectors {
		neighbors[position] = Neighbor{Position: position, Distance: metric.Score(query, vector)}
	}
	return rank(metric, neighbors, k)
}
