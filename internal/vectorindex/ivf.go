package vectorindex

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
)

const kmeansIterations = 10

// ivfBackend partitions vectors into inverted lists around k-means centroids
// trained on the first added batch.
type ivfBackend struct {
	metric    Metric
	dim       int
	nlist     int
	nprobe    int
	seed      uint64
	centroids [][]float32
	lists     [][]int
	vectors   [][]float32
}

func newIVFBackend(opts Options, dim int) *ivfBackend {
	return &ivfBackend{
		metric: opts.Metric,
		dim:    dim,
		nlist:  opts.NList,
		nprobe: opts.NProbe,
		seed:   opts.Seed,
	}
}

func (b *ivfBackend) Trained() bool {
	return len(b.centroids) > 0
}

func (b *ivfBackend) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("train ivf: no training vectors")
	}
	nlist := min(b.nlist, len(vectors))
	rng := rand.New(rand.NewPCG(b.seed, b.seed^0x9e3779b97f4a7c15))
	order := rng.Perm(len(vectors))

	centroids := make([][]float32, nlist)
	for i := range centroids {
		centroids[i] = slices.Clone(vectors[order[i]])
	}

	assignments := make([]int, len(vectors))
	for range kmeansIterations {
		for i, vector := range vectors {
			assignments[i] = nearestCentroid(centroids, vector)
		}
		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for i := range sums {
			sums[i] = make([]float64, b.dim)
		}
		for i, vector := range vectors {
			c := assignments[i]
			counts[c]++
			for d, x := range vector {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	b.centroids = centroids
	b.lists = make([][]int, nlist)
	return nil
}

func (b *ivfBackend) Add(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, entry := range entries {
		if len(entry.Vector) != b.dim {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimension, b.dim, len(entry.Vector))
		}
	}
	if !b.Trained() {
		batch := make([][]float32, len(entries))
		for i, entry := range entries {
			batch[i] = entry.Vector
		}
		if err := b.Train(batch); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if entry.Position != len(b.vectors) {
			return fmt.Errorf("add ivf entry: position %d out of order", entry.Position)
		}
		list := nearestCentroid(b.centroids, entry.Vector)
		b.lists[list] = append(b.lists[list], entry.Position)
		b.vectors = append(b.vectors, entry.Vector)
	}
	return nil
}

// Search scans the nprobe closest lists and keeps widening to further lists
// until at least k candidates have been collected.
func (b *ivfBackend) Search(_ context.Context, query []float32, k int) ([]Neighbor, error) {
	if len(b.vectors) == 0 {
		return nil, nil
	}
	want := min(k, len(b.vectors))

	type cell struct {
		list     int
		distance float32
	}
	cells := make([]cell, len(b.centroids))
	for i, centroid := range b.centroids {
		cells[i] = cell{list: i, distance: l2Squared(query, centroid)}
	}
	slices.SortFunc(cells, func(x, y cell) int {
		if c := cmp.Compare(x.distance, y.distance); c != 0 {
			return c
		}
		return cmp.Compare(x.list, y.list)
	})

	var candidates []Neighbor
	for i, p := range cells {
		if i >= b.nprobe && len(candidates) >= want {
			break
		}
		for _, position := range b.lists[p.list] {
			candidates = append(candidates, Neighbor{
				Position: position,
				Distance: b.metric.Score(query, b.vectors[position]),
			})
		}
	}
	return rank(b.metric, candidates, k), nil
}

func (b *ivfBackend) Len() int {
	return len(b.vectors)
}

func (b *ivfBackend) Close() error {
	b.vectors = nil
	b.lists = nil
	b.centroids = nil
	return nil
}

func nearestCentroid(centroids [][]float32, vector []float32) int {
	best := 0
	bestDistance := l2Squared(vector, centroids[0])
	for i := 1; i < len(centroids); i++ {
		if d := l2Squared(vector, centroids[i]); d < bestDistance {
			best, bestDistance = i, d
		}
	}
	return best
}
