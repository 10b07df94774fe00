// Package qdrant keeps index entries in Qdrant collections over gRPC.
package qdrant

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

const DefaultCollectionPrefix = "sqlrag"

var unsafeCollectionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsClient interface {
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store creates one collection per backend.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	prefix      string
}

func Dial(addr, prefix string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	store := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), prefix)
	store.conn = conn
	return store, nil
}

func NewWithClients(points pointsClient, collections collectionsClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultCollectionPrefix
	}
	return &Store{points: points, collections: collections, prefix: prefix}
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Factory creates a backend in a new collection named after namespace plus a
// random suffix.
func (s *Store) Factory(namespace string) vectorindex.BackendFactory {
	return func(ctx context.Context, dim int, metric vectorindex.Metric) (vectorindex.Backend, error) {
		return s.Open(ctx, s.CollectionName(namespace)+"_"+strings.ReplaceAll(uuid.NewString(), "-", ""), dim, metric)
	}
}

func (s *Store) CollectionName(namespace string) string {
	return s.prefix + "_" + strings.Trim(unsafeCollectionChars.ReplaceAllString(namespace, "_"), "_")
}

func (s *Store) Open(ctx context.Context, collection string, dim int, metric vectorindex.Metric) (*Backend, error) {
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	distance := pb.Distance_Euclid
	switch metric {
	case vectorindex.L2:
	case vectorindex.InnerProduct:
		distance = pb.Distance_Dot
	default:
		return nil, fmt.Errorf("unsupported metric %q", metric)
	}

	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dim), Distance: distance},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", collection, err)
	}
	return &Backend{store: s, collection: collection, dim: dim, metric: metric}, nil
}

type Backend struct {
	store      *Store
	collection string
	dim        int
	metric     vectorindex.Metric
	count      int
}

func (b *Backend) Collection() string {
	return b.collection
}

func (b *Backend) Add(ctx context.Context, entries []vectorindex.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(entries))
	for i, entry := range entries {
		if len(entry.Vector) != b.dim {
			return fmt.Errorf("%w: expected %d, got %d", vectorindex.ErrDimension, b.dim, len(entry.Vector))
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(entry.Position)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: entry.Vector}},
			},
			Payload: map[string]*pb.Value{
				"content": {Kind: &pb.Value_StringValue{StringValue: entry.Chunk.EmbedText()}},
			},
		}
	}

	wait := true
	if _, err := b.store.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: b.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), b.collection, err)
	}
	b.count += len(entries)
	return nil
}

// Search returns Euclid distances squared so they compare with the in-memory
// backends; Dot scores are returned as is.
func (b *Backend) Search(ctx context.Context, query []float32, k int) ([]vectorindex.Neighbor, error) {
	resp, err := b.store.points.Search(ctx, &pb.SearchPoints{
		CollectionName: b.collection,
		Vector:         query,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", b.collection, err)
	}

	neighbors := make([]vectorindex.Neighbor, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		score := point.GetScore()
		if b.metric == vectorindex.L2 {
			score *= score
		}
		neighbors = append(neighbors, vectorindex.Neighbor{Position: int(point.GetId().GetNum()), Distance: score})
	}
	slices.SortStableFunc(neighbors, func(x, y vectorindex.Neighbor) int {
		if x.Distance != y.Distance {
			if b.metric.SimilarityOriented() == (x.Distance > y.Distance) {
				return -1
			}
			return 1
		}
		return cmp.Compare(x.Position, y.Position)
	})
	return neighbors, nil
}

func (b *Backend) Len() int {
	return b.count
}

// Close drops the backend's collection.
func (b *Backend) Close() error {
	if _, err := b.store.collections.Delete(context.Background(), &pb.DeleteCollection{CollectionName: b.collection}); err != nil {
		return fmt.Errorf("delete collection %s: %w", b.collection, err)
	}
	return nil
}
