package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AssetUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_asset_uploads_total",
			Help: "Asset uploads by outcome (created, deduplicated, rejected)",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_engine_processing_duration_seconds",
			Help:    "Time spent turning one asset into chunks",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"status"},
	)

	ChunksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_chunks_created_total",
			Help: "Chunks persisted by content type",
		},
		[]string{"content_type"},
	)

	ImageDescriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_image_descriptions_total",
			Help: "Image description outcomes (described, failed, empty)",
		},
		[]string{"outcome"},
	)

	IndexedPoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_indexed_points_total",
			Help: "Chunks handled by the vector index writer (inserted, skipped, failed)",
		},
		[]string{"outcome"},
	)

	EmbeddingBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_engine_embedding_batch_size",
			Help:    "Texts per embedding provider call",
			Buckets: []float64{1, 4, 16, 32, 64, 128, 256},
		},
	)

	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_engine_retrieval_duration_seconds",
			Help:    "Retrieval duration by mode",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"mode"},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_engine_retrieval_results_count",
			Help:    "Documents returned per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"mode"},
	)

	QueryRewrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_query_rewrites_total",
			Help: "Query rewrite outcomes (rewritten, fallback, cached)",
		},
		[]string{"outcome"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_engine_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kb_engine_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func Init() {
	prometheus.MustRegister(AssetUploads)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(ChunksCreated)
	prometheus.MustRegister(ImageDescriptions)
	prometheus.MustRegister(IndexedPoints)
	prometheus.MustRegister(EmbeddingBatchSize)
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(QueryRewrites)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CircuitBreakerState)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
