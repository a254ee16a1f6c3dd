package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Storage    StorageConfig
	VectorDB   VectorDBConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Redis      RedisConfig
	Processing ProcessingConfig
	Indexing   IndexingConfig
	Retrieval  RetrievalConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
	AccessLog      bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type StorageConfig struct {
	Root             string
	MetadataProvider string
	SQLitePath       string
	MongoURI         string
	MongoDatabase    string
}

type VectorDBConfig struct {
	Provider   string
	Endpoint   string
	APIKey     string
	BatchSize  int
	TimeoutSec int
}

type EmbeddingConfig struct {
	Provider       string
	Model          string
	BaseURL        string
	APIKey         string
	Dimension      int
	BatchSize      int
	DocumentPrefix string
	QueryPrefix    string
}

type GenerationConfig struct {
	Provider      string
	Model         string
	BaseURL       string
	APIKey        string
	Temperature   float32
	MaxTokens     int
	TimeoutSec    int
	DefaultLocale string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLMin   int
}

type ProcessingConfig struct {
	ChunkSize           int
	MinPageChunkLength  int
	ImageWorkers        int
	ImageMinDelayMs     int
	ImageMaxAttempts    int
	ImageBackoffSec     int
	ImageMaxBackoffSec  int
	AllowedContentTypes []string
	MaxUploadBytes      int64
	PageSize            int
}

type IndexingConfig struct {
	PageSize     int
	Attempts     int
	RetryDelayMs int
}

type RetrievalConfig struct {
	Alpha          float64
	DefaultLimit   int
	RewriteEnabled bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

func (c ProcessingConfig) ImageMinDelay() time.Duration {
	return time.Duration(c.ImageMinDelayMs) * time.Millisecond
}

func (c IndexingConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLMin) * time.Minute
}

// Load reads .env (if present), config.yaml (if present) and KB_ENGINE_*
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/kb-engine")

	v.SetEnvPrefix("KB_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		return fmt.Errorf("retrieval.alpha must be within [0, 1], got %v", c.Retrieval.Alpha)
	}
	if c.Processing.ChunkSize <= 0 {
		return fmt.Errorf("processing.chunkSize must be positive")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Processing.ImageWorkers <= 0 {
		return fmt.Errorf("processing.imageWorkers must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 300)
	v.SetDefault("server.bodyLimit", 50*1024*1024)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)
	v.SetDefault("server.accessLog", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("storage.root", "./data/assets")
	v.SetDefault("storage.metadataProvider", "sqlite")
	v.SetDefault("storage.sqlitePath", "./data/kb.db")
	v.SetDefault("storage.mongoURI", "mongodb://localhost:27017")
	v.SetDefault("storage.mongoDatabase", "kb_engine")

	v.SetDefault("vectordb.provider", "qdrant")
	v.SetDefault("vectordb.endpoint", "http://localhost:6333")
	v.SetDefault("vectordb.apiKey", "")
	v.SetDefault("vectordb.batchSize", 64)
	v.SetDefault("vectordb.timeoutSec", 30)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.baseURL", "")
	v.SetDefault("embedding.apiKey", "")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.documentPrefix", "")
	v.SetDefault("embedding.queryPrefix", "")
	v.SetDefault("embedding.batchSize", 64)

	v.SetDefault("generation.provider", "openai")
	v.SetDefault("generation.model", "gpt-4o-mini")
	v.SetDefault("generation.baseURL", "")
	v.SetDefault("generation.apiKey", "")
	v.SetDefault("generation.temperature", 0.1)
	v.SetDefault("generation.maxTokens", 1024)
	v.SetDefault("generation.timeoutSec", 60)
	v.SetDefault("generation.defaultLocale", "en")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlMin", 60)

	v.SetDefault("processing.chunkSize", 600)
	v.SetDefault("processing.minPageChunkLength", 50)
	v.SetDefault("processing.imageWorkers", 1)
	v.SetDefault("processing.imageMinDelayMs", 1000)
	v.SetDefault("processing.imageMaxAttempts", 5)
	v.SetDefault("processing.imageBackoffSec", 5)
	v.SetDefault("processing.imageMaxBackoffSec", 20)
	v.SetDefault("processing.allowedContentTypes", []string{"text/plain", "text/markdown", "text/html", "application/pdf"})
	v.SetDefault("processing.maxUploadBytes", 20*1024*1024)
	v.SetDefault("processing.pageSize", 50)

	v.SetDefault("indexing.pageSize", 100)
	v.SetDefault("indexing.attempts", 3)
	v.SetDefault("indexing.retryDelayMs", 1000)

	v.SetDefault("retrieval.alpha", 0.8)
	v.SetDefault("retrieval.defaultLimit", 10)
	v.SetDefault("retrieval.rewriteEnabled", true)

	v.SetDefault("ratelimit.requestsPerMinute", 120)
}
