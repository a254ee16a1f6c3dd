// Package api assembles the HTTP application around the knowledge service.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/kb-engine/backend/internal/api/handlers"
	"github.com/kb-engine/backend/internal/evaluation"
	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/middleware/ratelimit"
	"github.com/kb-engine/backend/internal/middleware/security"
	"github.com/kb-engine/backend/internal/middleware/validation"
	"github.com/kb-engine/backend/pkg/logger"
)

type Config struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	BodyLimit         int
	AllowedOrigins    []string
	Development       bool
	RequestsPerMinute int
	MaxUploadBytes    int64
	// AccessLog enables the per-request log line.
	AccessLog bool
}

// NewApp builds the fiber application. The returned limiter must be stopped
// on shutdown.
func NewApp(cfg Config, service *knowledge.Service, evaluator *evaluation.Evaluator, checks map[string]handlers.Check) (*fiber.App, *ratelimit.RateLimiter) {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BodyLimit:    cfg.BodyLimit,
	})

	origins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + ratelimit.APIKeyHeader,
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.Development,
	}))

	health := handlers.NewHealthHandler(checks)
	app.Get("/health", health.Health)
	app.Get("/ready", health.Ready)
	app.Get("/metrics", metrics.MetricsHandler())

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            logger.Named("ratelimit"),
	})

	chat := handlers.NewWebSocketHandler(service)
	app.Get("/ws/knowledge-bases/:kbID/chat", limiter.Middleware(), chat.Upgrade, websocket.New(chat.HandleConnection))

	api := app.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger.Named("validation"),
	}))

	kbs := handlers.NewKnowledgeBaseHandler(service)
	api.Post("/knowledge-bases", kbs.Create)
	api.Get("/knowledge-bases", kbs.List)
	api.Get("/knowledge-bases/:kbID", kbs.Get)
	api.Delete("/knowledge-bases/:kbID", kbs.Delete)
	api.Post("/knowledge-bases/:kbID/process", kbs.Process)
	api.Post("/knowledge-bases/:kbID/index", kbs.Index)

	assets := handlers.NewAssetHandler(service)
	api.Post("/knowledge-bases/:kbID/assets", assets.Upload)
	api.Get("/knowledge-bases/:kbID/assets", assets.List)
	api.Delete("/knowledge-bases/:kbID/assets/:assetID", assets.Delete)
	api.Post("/knowledge-bases/:kbID/assets/:assetID/process", assets.Process)
	api.Post("/knowledge-bases/:kbID/assets/:assetID/index", assets.Index)

	queries := handlers.NewQueryHandler(service)
	api.Post("/knowledge-bases/:kbID/search", queries.Search)
	api.Post("/knowledge-bases/:kbID/answer", queries.Answer)

	evals := handlers.NewEvaluationHandler(evaluator)
	api.Post("/knowledge-bases/:kbID/evaluate", evals.Evaluate)

	return app, limiter
}
