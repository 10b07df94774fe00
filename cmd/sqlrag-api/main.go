package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/duckmesh/sqlrag/internal/api"
	"github.com/duckmesh/sqlrag/internal/config"
	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/embedding"
	"github.com/duckmesh/sqlrag/internal/events"
	"github.com/duckmesh/sqlrag/internal/llm"
	"github.com/duckmesh/sqlrag/internal/nl2sql"
	"github.com/duckmesh/sqlrag/internal/observability"
	"github.com/duckmesh/sqlrag/internal/sqldb"
	s3store "github.com/duckmesh/sqlrag/internal/storage/s3"
	"github.com/duckmesh/sqlrag/internal/vectorindex/snapshot"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env file", slog.Any("error", err))
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv("sqlrag-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	embedder, err := embedding.NewOpenAI(embedding.OpenAIConfig{
		BaseURL:           cfg.AI.BaseURL,
		APIKey:            cfg.AI.APIKey,
		Model:             cfg.AI.EmbeddingModel,
		Timeout:           cfg.AI.Timeout,
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
	})
	if err != nil {
		logger.Error("failed to initialize embedder", slog.Any("error", err))
		os.Exit(1)
	}
	model, err := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:           cfg.AI.BaseURL,
		APIKey:            cfg.AI.APIKey,
		Model:             cfg.AI.ChatModel,
		Temperature:       cfg.AI.Temperature,
		Timeout:           cfg.AI.Timeout,
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
	})
	if err != nil {
		logger.Error("failed to initialize language model", slog.Any("error", err))
		os.Exit(1)
	}

	indexes, err := openIndexStack(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize vector store", slog.Any("error", err))
		os.Exit(1)
	}
	defer indexes.Close()

	var snapshots dbcontext.SnapshotStore
	if cfg.ObjectStore.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		snapshots = &snapshot.Store{Objects: objectStore, Logger: logger}
	}

	coordinator := dbcontext.NewCoordinator(dbcontext.NewRegistry(), logger)
	defer coordinator.Close()

	build := func(ctx context.Context, key dbcontext.Key) (*dbcontext.Context, error) {
		entry, ok := cfg.Databases.Lookup(key.DBType, key.DBName)
		if !ok {
			return nil, dbcontext.ErrNotInitialized
		}
		db, err := sqldb.Open(ctx, sqldb.Config{
			Type:            entry.Type,
			Name:            entry.Name,
			DSN:             entry.DSN,
			MaxOpenConns:    cfg.Databases.MaxOpenConns,
			MaxIdleConns:    cfg.Databases.MaxIdleConns,
			ConnMaxIdleTime: cfg.Databases.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Databases.ConnMaxLifetime,
			SampleRows:      cfg.Databases.SampleRows,
		})
		if err != nil {
			return nil, err
		}
		dbctx, err := dbcontext.New(ctx, key, db, dbcontext.Options{
			Embedder:           embedder,
			LLM:                model,
			IndexOptions:       indexes.Options,
			IncludeSQLExamples: cfg.Workflow.IncludeSQLExamples,
			RefreshSQLExamples: cfg.Workflow.RefreshSQLExamples,
			Snapshots:          snapshots,
			Logger:             logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return dbctx, nil
	}

	if cfg.Events.Enabled {
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name(cfg.Service.Name))
		if err != nil {
			logger.Error("failed to connect to nats", slog.Any("error", err))
			os.Exit(1)
		}
		defer nc.Close()
		subscriber := &events.Subscriber{Conn: nc, Subject: cfg.Events.Subject, Notifier: coordinator, Logger: logger}
		if err := subscriber.Start(); err != nil {
			logger.Error("failed to subscribe to schema events", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = subscriber.Stop() }()
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:      logger,
		Coordinator: coordinator,
		Build:       build,
		Workflow: &nl2sql.Workflow{
			LLM:           model,
			Logger:        logger,
			TopK:          cfg.Index.TopK,
			EnforceSelect: cfg.Workflow.EnforceSelect,
		},
		Clauses: &nl2sql.ClauseWorkflow{
			LLM:           model,
			Logger:        logger,
			TopK:          cfg.Index.TopK,
			EnforceSelect: cfg.Workflow.EnforceSelect,
		},
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabasesConfigured(cfg),
			api.CheckObjectStoreConfig(cfg),
			indexes.Ping,
		),
		DependencyTimeout: time.Second,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address), slog.Int("databases", len(cfg.Databases.Entries)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
}
