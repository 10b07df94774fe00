package vectorindex

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// hnswBackend is a hierarchical navigable small world graph. Inner product
// vectors are normalized on insert and query, so scores are cosine
// similarities.
type hnswBackend struct {
	metric         Metric
	dim            int
	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	levelMult      float64
	rng            *rand.Rand

	vectors  [][]float32
	links    [][][]int
	entry    int
	maxLevel int
}

func newHNSWBackend(opts Options, dim int) *hnswBackend {
	return &hnswBackend{
		metric:         opts.Metric,
		dim:            dim,
		m:              opts.HNSWM,
		mMax0:          opts.HNSWM * 2,
		efConstruction: opts.EfConstruction,
		efSearch:       opts.EfSearch,
		levelMult:      1 / math.Log(float64(opts.HNSWM)),
		rng:            rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x632be59bd9b4e019)),
		entry:          -1,
	}
}

// distance is smaller-is-better for both metrics.
func (b *hnswBackend) distance(a, c []float32) float32 {
	if b.metric == InnerProduct {
		return -dot(a, c)
	}
	return l2Squared(a, c)
}

func (b *hnswBackend) score(d float32) float32 {
	if b.metric == InnerProduct {
		return -d
	}
	return d
}

func (b *hnswBackend) prepare(v []float32) []float32 {
	if b.metric == InnerProduct {
		return normalized(v)
	}
	return v
}

func (b *hnswBackend) Add(_ context.Context, entries []Entry) error {
	for _, entry := range entries {
		if len(entry.Vector) != b.dim {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimension, b.dim, len(entry.Vector))
		}
		if entry.Position != len(b.vectors) {
			return fmt.Errorf("add hnsw entry: position %d out of order", entry.Position)
		}
		b.insert(b.prepare(entry.Vector))
	}
	return nil
}

func (b *hnswBackend) randomLevel() int {
	return int(math.Floor(-math.Log(1-b.rng.Float64()) * b.levelMult))
}

func (b *hnswBackend) insert(vector []float32) {
	node := len(b.vectors)
	level := b.randomLevel()
	b.vectors = append(b.vectors, vector)
	b.links = append(b.links, make([][]int, level+1))

	if b.entry < 0 {
		b.entry = node
		b.maxLevel = level
		return
	}

	ep := b.entry
	for l := b.maxLevel; l > level; l-- {
		ep = b.greedy(vector, ep, l)
	}
	for l := min(level, b.maxLevel); l >= 0; l-- {
		found := b.searchLayer(vector, ep, b.efConstruction, l)
		neighbors := make([]int, 0, b.m)
		for _, c := range found {
			if len(neighbors) == b.m {
				break
			}
			neighbors = append(neighbors, c.node)
		}
		b.links[node][l] = neighbors

		limit := b.m
		if l == 0 {
			limit = b.mMax0
		}
		for _, nb := range neighbors {
			b.links[nb][l] = append(b.links[nb][l], node)
			if len(b.links[nb][l]) > limit {
				b.links[nb][l] = b.prune(nb, b.links[nb][l], limit)
			}
		}
		ep = found[0].node
	}

	if level > b.maxLevel {
		b.maxLevel = level
		b.entry = node
	}
}

func (b *hnswBackend) prune(node int, neighbors []int, limit int) []int {
	origin := b.vectors[node]
	slices.SortStableFunc(neighbors, func(x, y int) int {
		return cmp.Compare(b.distance(origin, b.vectors[x]), b.distance(origin, b.vectors[y]))
	})
	return slices.Clone(neighbors[:limit])
}

func (b *hnswBackend) greedy(query []float32, ep, level int) int {
	current := ep
	best := b.distance(query, b.vectors[current])
	for changed := true; changed; {
		changed = false
		for _, nb := range b.links[current][level] {
			if d := b.distance(query, b.vectors[nb]); d < best {
				best, current, changed = d, nb, true
			}
		}
	}
	return current
}

// searchLayer returns up to ef closest nodes on one layer, closest first.
func (b *hnswBackend) searchLayer(query []float32, ep, ef, level int) []candidate {
	visited := map[int]struct{}{ep: {}}
	first := candidate{node: ep, distance: b.distance(query, b.vectors[ep])}
	frontier := &minHeap{first}
	results := &maxHeap{first}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if c.distance > (*results)[0].distance && results.Len() >= ef {
			break
		}
		for _, nb := range b.links[c.node][level] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := b.distance(query, b.vectors[nb])
			if results.Len() < ef || d < (*results)[0].distance {
				heap.Push(frontier, candidate{node: nb, distance: d})
				heap.Push(results, candidate{node: nb, distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := slices.Clone([]candidate(*results))
	slices.SortFunc(out, func(x, y candidate) int {
		if c := cmp.Compare(x.distance, y.distance); c != 0 {
			return c
		}
		return cmp.Compare(x.node, y.node)
	})
	return out
}

// Search walks the graph with ef = max(efSearch, k). When the walk reaches
// fewer than min(k, n) nodes it falls back to an exhaustive scan so the
// result count never depends on graph connectivity.
func (b *hnswBackend) Search(_ context.Context, query []float32, k int) ([]Neighbor, error) {
	if len(b.vectors) == 0 {
		return nil, nil
	}
	query = b.prepare(query)
	want := min(k, len(b.vectors))

	ep := b.entry
	for l := b.maxLevel; l > 0; l-- {
		ep = b.greedy(query, ep, l)
	}
	found := b.searchLayer(query, ep, max(b.efSearch, k), 0)
	if len(found) < want {
		return exhaustive(b.metric, b.vectors, query, k), nil
	}

	neighbors := make([]Neighbor, len(found))
	for i, c := range found {
		neighbors[i] = Neighbor{Position: c.node, Distance: b.score(c.distance)}
	}
	return rank(b.metric, neighbors, k), nil
}

func (b *hnswBackend) Len() int {
	return len(b.vectors)
}

func (b *hnswBackend) Close() error {
	b.vectors = nil
	b.links = nil
	b.entry = -1
	return nil
}

type candidate struct {
	node     int
	distance float32
}

type minHeap []candidate

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].distance == h[j].distance {
		return h[i].node < h[j].node
	}
	return h[i].distance < h[j].distance
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxHeap []candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].distance == h[j].distance {
		return h[i].node > h[j].node
	}
	return h[i].distance > h[j].distance
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
