package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/sqlrag/internal/config"
	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/vectorindex"
	"github.com/duckmesh/sqlrag/internal/vectorindex/pgvector"
	"github.com/duckmesh/sqlrag/internal/vectorindex/qdrant"
)

// indexStack resolves the index options of every context index and owns the
// connections of the external vector stores.
type indexStack struct {
	base     vectorindex.Options
	pgDB     *sql.DB
	pgvector *pgvector.Store
	qdrant   *qdrant.Store
}

func openIndexStack(ctx context.Context, cfg config.Config) (*indexStack, error) {
	kind, err := vectorindex.ParseKind(cfg.Index.Kind)
	if err != nil {
		return nil, err
	}
	metric, err := vectorindex.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return nil, err
	}
	stack := &indexStack{base: vectorindex.Options{
		Kind:           kind,
		Metric:         metric,
		NList:          cfg.Index.NList,
		NProbe:         cfg.Index.NProbe,
		HNSWM:          cfg.Index.HNSWM,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		CacheSize:      cfg.Index.CacheSize,
	}}

	switch cfg.VectorStore.Backend {
	case config.VectorStorePGVector:
		if cfg.VectorStore.PGVectorDSN == "" {
			return nil, fmt.Errorf("SQLRAG_VECTORSTORE_PGVECTOR_DSN is required for the pgvector backend")
		}
		db, err := sql.Open("pgx", cfg.VectorStore.PGVectorDSN)
		if err != nil {
			return nil, fmt.Errorf("open pgvector db: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping pgvector db: %w", err)
		}
		store, err := pgvector.NewStore(db, cfg.VectorStore.PGVectorTable)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		stack.pgDB = db
		stack.pgvector = store
	case config.VectorStoreQdrant:
		store, err := qdrant.Dial(cfg.VectorStore.QdrantAddr, cfg.VectorStore.QdrantCollectionPrefix)
		if err != nil {
			return nil, err
		}
		stack.qdrant = store
	}
	return stack, nil
}

// Options gives every index of every database its own external namespace
// when an external vector store is configured.
func (s *indexStack) Options(key dbcontext.Key, index string) vectorindex.Options {
	opts := s.base
	switch {
	case s.pgvector != nil:
		opts.Kind = vectorindex.External
		opts.Factory = s.pgvector.Factory(key.String() + "/" + index)
	case s.qdrant != nil:
		opts.Kind = vectorindex.External
		opts.Factory = s.qdrant.Factory(key.DBType + "_" + key.DBName + "_" + index)
	}
	return opts
}

func (s *indexStack) Ping(ctx context.Context) error {
	if s.pgDB == nil {
		return nil
	}
	if err := s.pgDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pgvector db: %w", err)
	}
	return nil
}

func (s *indexStack) Close() {
	if s.qdrant != nil {
		_ = s.qdrant.Close()
	}
	if s.pgDB != nil {
		_ = s.pgDB.Close()
	}
}
