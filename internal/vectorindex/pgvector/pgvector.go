// Package pgvector keeps index entries in a PostgreSQL table using the
// pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

const DefaultTable = "sqlrag_embedding"

var tablePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// Store hands out backends that share one embeddings table. Every backend
// owns a namespace of rows and drops it on Close.
type Store struct {
	db    *sql.DB
	table string
}

func NewStore(db *sql.DB, table string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pgvector db is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid pgvector table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

// Factory creates backends whose namespace starts with prefix. Each build gets
// a fresh namespace so a rebuilt index never shares rows with the one it
// replaces.
func (s *Store) Factory(prefix string) vectorindex.BackendFactory {
	return func(ctx context.Context, dim int, metric vectorindex.Metric) (vectorindex.Backend, error) {
		return s.Open(ctx, prefix+"/"+uuid.NewString(), dim, metric)
	}
}

// Open returns a backend over namespace after deleting any rows left in it.
func (s *Store) Open(ctx context.Context, namespace string, dim int, metric vectorindex.Metric) (*Backend, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if !metric.SimilarityOriented() && metric != vectorindex.L2 {
		return nil, fmt.Errorf("unsupported metric %q", metric)
	}
	b := &Backend{db: s.db, table: s.table, namespace: namespace, dim: dim, metric: metric}
	if err := b.Reset(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

type Backend struct {
	db        *sql.DB
	table     string
	namespace string
	dim       int
	metric    vectorindex.Metric
	count     int
}

func (b *Backend) Namespace() string {
	return b.namespace
}

// Reset deletes every row of the backend's namespace.
func (b *Backend) Reset(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, b.table)
	if _, err := b.db.ExecContext(ctx, query, b.namespace); err != nil {
		return fmt.Errorf("reset namespace %q: %w", b.namespace, err)
	}
	b.count = 0
	return nil
}

func (b *Backend) Add(ctx context.Context, entries []vectorindex.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`INSERT INTO %s (namespace, position, content, embedding) VALUES ($1, $2, $3, $4)`, b.table)
	for _, entry := range entries {
		if len(entry.Vector) != b.dim {
			return fmt.Errorf("%w: expected %d, got %d", vectorindex.ErrDimension, b.dim, len(entry.Vector))
		}
		if _, err := tx.ExecContext(ctx, query, b.namespace, entry.Position, entry.Chunk.EmbedText(), pgvector.NewVector(entry.Vector)); err != nil {
			return fmt.Errorf("insert position %d: %w", entry.Position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	b.count += len(entries)
	return nil
}

// Search ranks rows with <-> for L2 and <#> for inner product. <#> yields the
// negated inner product, so the sign is flipped back.
func (b *Backend) Search(ctx context.Context, query []float32, k int) ([]vectorindex.Neighbor, error) {
	var statement string
	if b.metric.SimilarityOriented() {
		statement = fmt.Sprintf(`SELECT position, (embedding <#> $2) * -1 AS score
FROM %s
WHERE namespace = $1
ORDER BY score DESC, position
LIMIT $3`, b.table)
	} else {
		statement = fmt.Sprintf(`SELECT position, embedding <-> $2 AS score
FROM %s
WHERE namespace = $1
ORDER BY score, position
LIMIT $3`, b.table)
	}

	rows, err := b.db.QueryContext(ctx, statement, b.namespace, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	neighbors := make([]vectorindex.Neighbor, 0, k)
	for rows.Next() {
		var position int
		var score float64
		if err := rows.Scan(&position, &score); err != nil {
			return nil, fmt.Errorf("scan nearest row: %w", err)
		}
		if !b.metric.SimilarityOriented() {
			// the in-memory backends report squared L2
			score *= score
		}
		neighbors = append(neighbors, vectorindex.Neighbor{Position: position, Distance: float32(score)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest rows: %w", err)
	}
	return neighbors, nil
}

func (b *Backend) Len() int {
	return b.count
}

func (b *Backend) Close() error {
	return b.Reset(context.Background())
}
