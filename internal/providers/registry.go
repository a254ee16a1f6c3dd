// Package providers turns the configured provider names into concrete
// backends. Each choice is resolved once at startup.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kb-engine/backend/internal/cache/redis"
	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/storage"
	"github.com/kb-engine/backend/internal/storage/mongo"
	"github.com/kb-engine/backend/internal/storage/sqlite"
	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/internal/vector/memory"
	"github.com/kb-engine/backend/internal/vector/qdrant"
	"github.com/kb-engine/backend/internal/vector/zilliz"
	"github.com/kb-engine/backend/pkg/config"
)

type (
	metadataFactory   func(ctx context.Context, cfg config.StorageConfig) (storage.Store, error)
	vectorFactory     func(ctx context.Context, cfg config.VectorDBConfig) (vector.Store, error)
	embeddingFactory  func(cfg config.EmbeddingConfig) (*llm.Client, error)
	generationFactory func(cfg config.GenerationConfig) (*llm.Client, error)
)

var metadataStores = map[string]metadataFactory{
	"sqlite": newSQLite,
	"mongo":  newMongo,
}

var vectorStores = map[string]vectorFactory{
	"milvus": newMilvus,
	"zilliz": newMilvus,
	"qdrant": newQdrant,
	"memory": newMemory,
}

var embeddingProviders = map[string]embeddingFactory{
	"openai":     newOpenAIEmbedding,
	"compatible": newOpenAIEmbedding,
}

var generationProviders = map[string]generationFactory{
	"openai":     newOpenAIGeneration,
	"compatible": newOpenAIGeneration,
}

// NewMetadataStore opens the metadata store named by storage.metadataProvider
// and makes sure its schema exists.
func NewMetadataStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	f, ok := metadataStores[strings.ToLower(cfg.MetadataProvider)]
	if !ok {
		return nil, unknown("metadata", cfg.MetadataProvider, metadataStores)
	}
	return f(ctx, cfg)
}

func NewVectorStore(ctx context.Context, cfg config.VectorDBConfig) (vector.Store, error) {
	f, ok := vectorStores[strings.ToLower(cfg.Provider)]
	if !ok {
		return nil, unknown("vector", cfg.Provider, vectorStores)
	}
	return f(ctx, cfg)
}

func NewEmbeddingProvider(cfg config.EmbeddingConfig) (*llm.Client, error) {
	name := strings.ToLower(cfg.Provider)
	f, ok := embeddingProviders[name]
	if !ok {
		return nil, unknown("embedding", cfg.Provider, embeddingProviders)
	}
	if name == "compatible" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding provider %q requires embedding.baseURL", name)
	}
	return f(cfg)
}

func NewGenerationProvider(cfg config.GenerationConfig) (*llm.Client, error) {
	name := strings.ToLower(cfg.Provider)
	f, ok := generationProviders[name]
	if !ok {
		return nil, unknown("generation", cfg.Provider, generationProviders)
	}
	if name == "compatible" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("generation provider %q requires generation.baseURL", name)
	}
	return f(cfg)
}

// NewCache connects to Redis when it is enabled. A nil client means caching
// is off.
func NewCache(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return redis.NewClient(ctx, cfg.Host, cfg.Port, cfg.Password, cfg.DB, cfg.TTL())
}

func newSQLite(_ context.Context, cfg config.StorageConfig) (storage.Store, error) {
	c, err := sqlite.NewClient(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := c.InitSchema(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newMongo(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	c, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	if err := c.InitSchema(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newMilvus(ctx context.Context, cfg config.VectorDBConfig) (vector.Store, error) {
	c, err := zilliz.NewClient(ctx, cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newQdrant(_ context.Context, cfg config.VectorDBConfig) (vector.Store, error) {
	return qdrant.NewClient(qdrant.Config{
		URL:     cfg.Endpoint,
		APIKey:  cfg.APIKey,
		Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	}), nil
}

func newMemory(context.Context, config.VectorDBConfig) (vector.Store, error) {
	return memory.NewStore(), nil
}

func newOpenAIEmbedding(cfg config.EmbeddingConfig) (*llm.Client, error) {
	return llm.NewClient("embedding", llm.Config{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		EmbeddingModel: cfg.Model,
		Dimension:      cfg.Dimension,
		DocumentPrefix: cfg.DocumentPrefix,
		QueryPrefix:    cfg.QueryPrefix,
	}), nil
}

func newOpenAIGeneration(cfg config.GenerationConfig) (*llm.Client, error) {
	return llm.NewClient("generation", llm.Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
	}), nil
}

func unknown[F any](kind, name string, known map[string]F) error {
	names := make([]string, 0, len(known))
	for k := range known {
		names = append(names, k)
	}
	sort.Strings(names)
	return fmt.Errorf("unknown %s provider %q (supported: %s)", kind, name, strings.Join(names, ", "))
}
