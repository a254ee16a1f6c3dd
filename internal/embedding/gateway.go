// Package embedding batches texts through an embedding provider and checks
// what comes back. Calls are not retried at this layer.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/pkg/logger"
	"github.com/kb-engine/backend/pkg/utils"
)

const DefaultBatchSize = 64

// Cache stores query embeddings between requests.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32) error
}

type Gateway struct {
	provider  llm.EmbeddingProvider
	batchSize int
	cache     Cache
}

// NewGateway builds a gateway. cache may be nil.
func NewGateway(provider llm.EmbeddingProvider, batchSize int, cache Cache) *Gateway {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Gateway{provider: provider, batchSize: batchSize, cache: cache}
}

func (g *Gateway) Dimension() int {
	return g.provider.Dimension()
}

// EmbedDocuments embeds texts with the document role, one provider call per
// batch. Any failure fails the whole call with EmbeddingFailed.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		vectors, err := g.embed(ctx, texts[start:end], llm.RoleDocument)
		if err != nil {
			return nil, apperr.New(apperr.EmbeddingFailed, "EmbedDocuments", err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery embeds one search query with the query role, consulting the
// cache first when one is configured.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(g.provider.Model() + "|" + string(llm.RoleQuery) + "|" + text)

	if g.cache != nil {
		cached, ok, err := g.cache.GetEmbedding(ctx, key)
		switch {
		case err != nil:
			logger.Warn("Embedding cache lookup failed", zap.Error(err))
		case ok && len(cached) == g.provider.Dimension():
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return cached, nil
		default:
			metrics.CacheMisses.WithLabelValues("embedding").Inc()
		}
	}

	vectors, err := g.embed(ctx, []string{text}, llm.RoleQuery)
	if err != nil {
		return nil, apperr.New(apperr.EmbeddingFailed, "EmbedQuery", err)
	}

	if g.cache != nil {
		if err := g.cache.SetEmbedding(ctx, key, vectors[0]); err != nil {
			logger.Warn("Embedding cache store failed", zap.Error(err))
		}
	}
	return vectors[0], nil
}

func (g *Gateway) embed(ctx context.Context, texts []string, role llm.Role) ([][]float32, error) {
	metrics.EmbeddingBatchSize.Observe(float64(len(texts)))

	vectors, err := g.provider.Embed(ctx, texts, role)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
	}
	dim := g.provider.Dimension()
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	return vectors, nil
}
