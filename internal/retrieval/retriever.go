// Package retrieval answers queries against one knowledge base with vector
// search, full-text search, or a weighted fusion of both.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode maps a request value onto a Mode. Empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeSemantic, ModeLexical, ModeHybrid:
		return m, nil
	}
	return "", apperr.Newf(apperr.InvalidInput, "ParseMode", "unknown search mode %q", s)
}

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type TextSearcher interface {
	SearchText(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error)
}

type Retriever struct {
	vectors  vector.Store
	embedder QueryEmbedder
	text     TextSearcher
	alpha    float64
}

// NewRetriever builds a retriever. An alpha outside [0, 1] falls back to
// DefaultAlpha.
func NewRetriever(vectors vector.Store, embedder QueryEmbedder, text TextSearcher, alpha float64) *Retriever {
	if alpha < 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Retriever{vectors: vectors, embedder: embedder, text: text, alpha: alpha}
}

// Retrieve returns at most limit documents, best first. No match is an empty
// list, not an error.
func (r *Retriever) Retrieve(ctx context.Context, kb *models.KnowledgeBase, query string, limit int, mode Mode) ([]models.RetrievedDocument, error) {
	if limit <= 0 {
		return nil, apperr.Newf(apperr.InvalidInput, "Retrieve", "limit must be positive, got %d", limit)
	}

	start := time.Now()
	var (
		docs []models.RetrievedDocument
		err  error
	)
	switch mode {
	case ModeSemantic:
		docs, err = r.Semantic(ctx, kb.ID, query, limit)
	case ModeLexical:
		docs, err = r.Lexical(ctx, kb.ID, query, limit)
	case ModeHybrid, "":
		mode = ModeHybrid
		docs, err = r.Hybrid(ctx, kb.ID, query, limit)
	default:
		return nil, apperr.Newf(apperr.InvalidInput, "Retrieve", "unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []models.RetrievedDocument{}
	}

	metrics.RetrievalDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	metrics.RetrievalResults.WithLabelValues(string(mode)).Observe(float64(len(docs)))
	logger.Info("Retrieval completed",
		zap.String("knowledge_base", kb.Name),
		zap.String("mode", string(mode)),
		zap.Int("results", len(docs)),
		zap.Duration("duration", time.Since(start)),
	)
	return docs, nil
}

// Semantic embeds the query with the query role and searches the knowledge
// base's collection.
func (r *Retriever) Semantic(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error) {
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.vectors.Search(ctx, vector.CollectionName(knowledgeBaseID), vec, limit, nil)
	if err != nil {
		if errors.Is(err, vector.ErrCollectionNotFound) {
			return nil, apperr.New(apperr.NotFound, "Semantic", fmt.Errorf("knowledge base %s is not indexed: %w", knowledgeBaseID, err))
		}
		return nil, apperr.New(apperr.VectorStoreError, "Semantic", err)
	}

	docs := make([]models.RetrievedDocument, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, fromPoint(h))
	}
	return docs, nil
}

// Lexical runs full-text search over the query's keywords.
func (r *Retriever) Lexical(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error) {
	keywords := ExtractKeywords(query)
	if keywords == "" {
		return []models.RetrievedDocument{}, nil
	}
	logger.Debug("Full-text search", zap.String("keywords", keywords))

	docs, err := r.text.SearchText(ctx, knowledgeBaseID, keywords, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run full-text search: %w", err)
	}
	return docs, nil
}

// Hybrid runs both paths concurrently with 2*limit candidates each and fuses
// the results.
func (r *Retriever) Hybrid(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error) {
	var semantic, lexical []models.RetrievedDocument

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, err = r.Semantic(gctx, knowledgeBaseID, query, 2*limit)
		return err
	})
	g.Go(func() error {
		var err error
		lexical, err = r.Lexical(gctx, knowledgeBaseID, query, 2*limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Fuse(semantic, lexical, r.alpha, limit), nil
}

func fromPoint(h vector.ScoredPoint) models.RetrievedDocument {
	meta := make(map[string]any, len(h.Payload))
	var text string
	for k, v := range h.Payload {
		if k == vector.PayloadText {
			text, _ = v.(string)
			continue
		}
		meta[k] = v
	}
	return models.RetrievedDocument{Text: text, Score: h.Score, Metadata: meta}
}
