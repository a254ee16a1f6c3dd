package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/api"
	"github.com/kb-engine/backend/internal/api/handlers"
	"github.com/kb-engine/backend/internal/embedding"
	"github.com/kb-engine/backend/internal/evaluation"
	"github.com/kb-engine/backend/internal/indexing"
	"github.com/kb-engine/backend/internal/ingestion"
	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/internal/llm/templates"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/providers"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/pkg/circuitbreaker"
	"github.com/kb-engine/backend/pkg/config"
	appLogger "github.com/kb-engine/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting knowledge base engine",
		zap.String("metadata", cfg.Storage.MetadataProvider),
		zap.String("vectordb", cfg.VectorDB.Provider),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("generation", cfg.Generation.Provider),
	)

	metrics.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := providers.NewMetadataStore(ctx, cfg.Storage)
	if err != nil {
		appLogger.Fatal("Failed to create metadata store", zap.Error(err))
	}
	defer store.Close()

	vectors, err := providers.NewVectorStore(ctx, cfg.VectorDB)
	if err != nil {
		appLogger.Fatal("Failed to create vector store", zap.Error(err))
	}
	defer vectors.Close()

	embedder, err := providers.NewEmbeddingProvider(cfg.Embedding)
	if err != nil {
		appLogger.Fatal("Failed to create embedding provider", zap.Error(err))
	}
	generator, err := providers.NewGenerationProvider(cfg.Generation)
	if err != nil {
		appLogger.Fatal("Failed to create generation provider", zap.Error(err))
	}

	prompts, err := templates.Load(cfg.Generation.DefaultLocale)
	if err != nil {
		appLogger.Fatal("Failed to load prompt templates", zap.Error(err))
	}

	checks := map[string]handlers.Check{
		"metadata": func(ctx context.Context) error {
			_, err := store.ListKnowledgeBases(ctx, 1, 1)
			return err
		},
		"vectordb": func(ctx context.Context) error {
			_, err := vectors.CollectionExists(ctx, "readiness_check")
			return err
		},
		"embedding":  breakerCheck(embedder.Breaker()),
		"generation": breakerCheck(generator.Breaker()),
	}

	var (
		embeddingCache embedding.Cache
		rewriteCache   query.RewriteCache
	)
	cache, err := providers.NewCache(ctx, cfg.Redis)
	switch {
	case err != nil:
		appLogger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
	case cache != nil:
		defer cache.Close()
		embeddingCache = cache
		rewriteCache = cache
		checks["redis"] = cache.Ping
	}

	gateway := embedding.NewGateway(embedder, cfg.Embedding.BatchSize, embeddingCache)

	describer := ingestion.NewDescriber(generator, prompts, ingestion.DescriberConfig{
		Workers:     cfg.Processing.ImageWorkers,
		MinDelay:    cfg.Processing.ImageMinDelay(),
		MaxAttempts: cfg.Processing.ImageMaxAttempts,
		Backoff:     time.Duration(cfg.Processing.ImageBackoffSec) * time.Second,
		MaxBackoff:  time.Duration(cfg.Processing.ImageMaxBackoffSec) * time.Second,
	})
	processor := ingestion.NewProcessor(describer, cfg.Processing.MinPageChunkLength)
	writer := indexing.NewWriter(vectors, gateway, cfg.VectorDB.BatchSize)
	retriever := retrieval.NewRetriever(vectors, gateway, store, cfg.Retrieval.Alpha)
	rewriter := query.NewRewriter(generator, prompts, rewriteCache)
	engine := query.NewEngine(retriever, rewriter, generator, prompts, query.Config{
		DefaultLimit:   cfg.Retrieval.DefaultLimit,
		RewriteEnabled: cfg.Retrieval.RewriteEnabled,
	})

	service := knowledge.NewService(store, processor, writer, engine, gateway.Dimension(), knowledge.Config{
		Root:                cfg.Storage.Root,
		ChunkSize:           cfg.Processing.ChunkSize,
		AllowedContentTypes: cfg.Processing.AllowedContentTypes,
		MaxUploadBytes:      cfg.Processing.MaxUploadBytes,
		PageSize:            cfg.Processing.PageSize,
		IndexPageSize:       cfg.Indexing.PageSize,
		IndexAttempts:       cfg.Indexing.Attempts,
		IndexRetryDelay:     cfg.Indexing.RetryDelay(),
	})

	app, limiter := api.NewApp(api.Config{
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:         cfg.Server.BodyLimit,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Development:       cfg.Server.Development,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MaxUploadBytes:    cfg.Processing.MaxUploadBytes,
		AccessLog:         cfg.Server.AccessLog,
	}, service, evaluation.NewEvaluator(service, gateway), checks)
	defer limiter.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func breakerCheck(cb *circuitbreaker.CircuitBreaker) handlers.Check {
	return func(context.Context) error {
		if cb.State() == circuitbreaker.StateOpen {
			return errors.New("circuit breaker open")
		}
		return nil
	}
}
