package vectorindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/duckmesh/sqlrag/internal/observability"
)

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Hit struct {
	Position int
	Chunk    Chunk
	Score    float32
}

type cacheKey struct {
	vector string
	k      int
}

// Index is an append-only nearest-neighbor index over embedded chunks.
// Concurrent searches are safe; Add, ClearCache and Destroy take the write
// lock.
type Index struct {
	mu       sync.RWMutex
	opts     Options
	embedder Embedder
	backend  Backend
	chunks   []Chunk
	vectors  [][]float32
	dim      int
	cache    *lru.Cache[cacheKey, []Neighbor]
}

// Build embeds every chunk in one batched call and indexes the result.
func Build(ctx context.Context, chunks []Chunk, embedder Embedder, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, configErrorf("chunks", "at least one chunk is required")
	}
	if embedder == nil {
		return nil, configErrorf("embedder", "embedding function is required")
	}
	vectors, err := embedder.EmbedDocuments(ctx, chunkTexts(chunks))
	if err != nil {
		return nil, err
	}
	return Restore(ctx, chunks, vectors, embedder, opts)
}

// Restore indexes chunks with precomputed vectors without calling the
// embedder.
func Restore(ctx context.Context, chunks []Chunk, vectors [][]float32, embedder Embedder, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, configErrorf("chunks", "at least one chunk is required")
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("restore index: %d vectors for %d chunks", len(vectors), len(chunks))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, configErrorf("vectors", "embedding dimension must be positive")
	}

	cache, err := lru.New[cacheKey, []Neighbor](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	backend, err := newBackend(ctx, opts, dim)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", opts.Kind, err)
	}

	ix := &Index{
		opts:     opts,
		embedder: embedder,
		backend:  backend,
		dim:      dim,
		cache:    cache,
	}
	if err := ix.add(ctx, chunks, vectors); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) Options() Options {
	return ix.opts
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks)
}

func (ix *Index) Dim() int {
	return ix.dim
}

func (ix *Index) Chunks() []Chunk {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.chunks)
}

func (ix *Index) Vectors() [][]float32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.vectors)
}

// Search returns the min(k, Len()) nearest entries. Identical (query, k)
// pairs are answered from the cache.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.backend == nil {
		return nil, ErrDestroyed
	}
	if k < 1 {
		return nil, configErrorf("k", "must be positive, got %d", k)
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimension, ix.dim, len(query))
	}
	k = min(k, len(ix.chunks))

	key := cacheKey{vector: vectorBits(query), k: k}
	neighbors, ok := ix.cache.Get(key)
	observability.ObserveIndexSearch(string(ix.opts.Kind), ok)
	if !ok {
		found, err := ix.backend.Search(ctx, query, k)
		if err != nil {
			return nil, fmt.Errorf("search %s index: %w", ix.opts.Kind, err)
		}
		neighbors = found
		ix.cache.Add(key, neighbors)
	}

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Position < 0 || n.Position >= len(ix.chunks) {
			continue
		}
		hits = append(hits, Hit{Position: n.Position, Chunk: ix.chunks[n.Position], Score: n.Distance})
	}
	return hits, nil
}

func (ix *Index) searchText(ctx context.Context, text string, k int) ([]Hit, error) {
	if ix.embedder == nil {
		return nil, configErrorf("embedder", "index has no embedding function")
	}
	query, err := ix.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return ix.Search(ctx, query, k)
}

func (ix *Index) SearchForChunks(ctx context.Context, text string, k int) ([]Chunk, error) {
	hits, err := ix.searchText(ctx, text, k)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, len(hits))
	for i, hit := range hits {
		chunks[i] = hit.Chunk
	}
	return chunks, nil
}

// SearchForScores returns one score per stored chunk, indexed by insertion
// position. Positions outside the top k hold +Inf.
func (ix *Index) SearchForScores(ctx context.Context, text string, k int) ([]float64, error) {
	hits, err := ix.searchText(ctx, text, k)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, ix.Len())
	for i := range scores {
		scores[i] = math.Inf(1)
	}
	for _, hit := range hits {
		if hit.Position < len(scores) {
			scores[hit.Position] = float64(hit.Score)
		}
	}
	return scores, nil
}

func (ix *Index) SearchForChunksWithScores(ctx context.Context, text string, k int) ([]Hit, error) {
	return ix.searchText(ctx, text, k)
}

// Add appends pre-embedded chunks. IVFFlat backends train on the first batch
// they see.
func (ix *Index) Add(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.backend == nil {
		return ErrDestroyed
	}
	return ix.add(ctx, chunks, vectors)
}

func (ix *Index) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if ix.embedder == nil {
		return configErrorf("embedder", "index has no embedding function")
	}
	vectors, err := ix.embedder.EmbedDocuments(ctx, chunkTexts(chunks))
	if err != nil {
		return err
	}
	return ix.Add(ctx, chunks, vectors)
}

func (ix *Index) add(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("add to index: %d vectors for %d chunks", len(vectors), len(chunks))
	}
	entries := make([]Entry, len(chunks))
	for i := range chunks {
		if len(vectors[i]) != ix.dim {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimension, ix.dim, len(vectors[i]))
		}
		entries[i] = Entry{Position: len(ix.chunks) + i, Chunk: chunks[i], Vector: vectors[i]}
	}
	if err := ix.backend.Add(ctx, entries); err != nil {
		return fmt.Errorf("add to %s index: %w", ix.opts.Kind, err)
	}
	ix.chunks = append(ix.chunks, chunks...)
	ix.vectors = append(ix.vectors, vectors...)
	ix.cache.Purge()
	return nil
}

func (ix *Index) ClearCache() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cache.Purge()
}

// Destroy releases the backend. Later calls fail with ErrDestroyed.
func (ix *Index) Destroy() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.backend == nil {
		return nil
	}
	err := ix.backend.Close()
	ix.backend = nil
	ix.cache.Purge()
	if err != nil {
		return fmt.Errorf("close %s backend: %w", ix.opts.Kind, err)
	}
	return nil
}

func vectorBits(v []float32) string {
	buf := make([]byte, 0, len(v)*4)
	for _, x := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
	}
	return string(buf)
}
