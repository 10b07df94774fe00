package vectorindex

import (
	"context"
	"strings"
)

type Kind string

const (
	Flat     Kind = "Flat"
	IVFFlat  Kind = "IVFFlat"
	HNSW     Kind = "HNSW"
	External Kind = "External"
)

const (
	DefaultNList          = 100
	DefaultNProbe         = 1
	DefaultHNSWM          = 32
	DefaultEfConstruction = 40
	DefaultEfSearch       = 16
	DefaultCacheSize      = 1024
	defaultSeed           = 1234
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "flat", "exact":
		return Flat, nil
	case "ivfflat", "ivf", "clustered":
		return IVFFlat, nil
	case "hnsw", "graph":
		return HNSW, nil
	case "external":
		return External, nil
	default:
		return "", configErrorf("kind", "unsupported index kind %q", raw)
	}
}

// Neighbor is a backend search hit addressed by insertion position.
type Neighbor struct {
	Position int
	Distance float32
}

// Entry is one indexed vector together with the chunk it was computed from.
type Entry struct {
	Position int
	Chunk    Chunk
	Vector   []float32
}

// Backend stores vectors and answers nearest-neighbor queries. Positions are
// assigned by the Index and are contiguous from zero.
type Backend interface {
	Add(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, query []float32, k int) ([]Neighbor, error)
	Len() int
	Close() error
}

// BackendFactory creates an External backend for the given dimension.
type BackendFactory func(ctx context.Context, dim int, metric Metric) (Backend, error)

type Options struct {
	Kind           Kind
	Metric         Metric
	NList          int
	NProbe         int
	HNSWM          int
	EfConstruction int
	EfSearch       int
	CacheSize      int
	Seed           uint64
	Factory        BackendFactory
}

func DefaultOptions() Options {
	return Options{
		Kind:           Flat,
		Metric:         L2,
		NList:          DefaultNList,
		NProbe:         DefaultNProbe,
		HNSWM:          DefaultHNSWM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		CacheSize:      DefaultCacheSize,
		Seed:           defaultSeed,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.Kind == "" {
		o.Kind = defaults.Kind
	}
	if o.Metric == "" {
		o.Metric = defaults.Metric
	}
	if o.NList == 0 {
		o.NList = defaults.NList
	}
	if o.NProbe == 0 {
		o.NProbe = defaults.NProbe
	}
	if o.HNSWM == 0 {
		o.HNSWM = defaults.HNSWM
	}
	if o.EfConstruction == 0 {
		o.EfConstruction = defaults.EfConstruction
	}
	if o.EfSearch == 0 {
		o.EfSearch = defaults.EfSearch
	}
	if o.CacheSize == 0 {
		o.CacheSize = defaults.CacheSize
	}
	if o.Seed == 0 {
		o.Seed = defaults.Seed
	}
	return o
}

func (o Options) validate() error {
	switch o.Kind {
	case Flat, IVFFlat, HNSW:
	case External:
		if o.Factory == nil {
			return configErrorf("factory", "external index kind requires a backend factory")
		}
	default:
		return configErrorf("kind", "unsupported index kind %q", o.Kind)
	}
	if !o.Metric.valid() {
		return configErrorf("metric", "unsupported metric %q", o.Metric)
	}
	if o.NList < 1 {
		return configErrorf("nlist", "must be positive, got %d", o.NList)
	}
	if o.NProbe < 1 {
		return configErrorf("nprobe", "must be positive, got %d", o.NProbe)
	}
	if o.HNSWM < 2 {
		return configErrorf("hnsw_m", "must be at least 2, got %d", o.HNSWM)
	}
	if o.EfConstruction < 1 {
		return configErrorf("ef_construction", "must be positive, got %d", o.EfConstruction)
	}
	if o.EfSearch < 1 {
		return configErrorf("ef_search", "must be positive, got %d", o.EfSearch)
	}
	if o.CacheSize < 1 {
		return configErrorf("cache_size", "must be positive, got %d", o.CacheSize)
	}
	return nil
}

func newBackend(ctx context.Context, opts Options, dim int) (Backend, error) {
	switch opts.Kind {
	case Flat:
		return newFlatBackend(opts.Metric, dim), nil
	case IVFFlat:
		return newIVFBackend(opts, dim), nil
	case HNSW:
		return newHNSWBackend(opts, dim), nil
	case External:
		return opts.Factory(ctx, dim, opts.Metric)
	default:
		return nil, configErrorf("kind", "unsupported index kind %q", opts.Kind)
	}
}
