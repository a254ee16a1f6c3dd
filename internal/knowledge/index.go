package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/indexing"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/pkg/logger"
	"github.com/kb-engine/backend/pkg/retry"
)

type IndexOptions struct {
	// Reset drops and recreates the collection first.
	Reset bool
	// SkipDuplicates leaves chunks whose (asset_id, chunk_order) is already
	// indexed alone.
	SkipDuplicates bool
}

type IndexResult struct {
	Collection  string `json:"collection"`
	Inserted    int    `json:"inserted"`
	Skipped     int    `json:"skipped"`
	FailedPages int    `json:"failed_pages"`
}

// IndexAsset writes the asset's current chunks to the knowledge base
// collection. For an asset, Reset removes only that asset's existing vectors;
// the collection is never dropped.
func (s *Service) IndexAsset(ctx context.Context, knowledgeBaseID, assetID string, opts IndexOptions) (*IndexResult, error) {
	kb, err := s.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	asset, err := s.GetAsset(ctx, kb.ID, assetID)
	if err != nil {
		return nil, err
	}

	n, err := s.store.CountChunks(ctx, kb.ID, asset.ID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Newf(apperr.NotFound, "IndexAsset", "asset %s has no chunks, process it first", asset.ID)
	}

	name, err := s.writer.EnsureCollection(ctx, kb.ID, s.dimension, false)
	if err != nil {
		return nil, err
	}
	if opts.Reset {
		if err := s.writer.ResetAsset(ctx, name, asset.ID); err != nil {
			return nil, err
		}
	}

	res := &IndexResult{Collection: name}
	for page := 1; ; page++ {
		chunks, err := s.store.ListChunks(ctx, kb.ID, asset.ID, page, s.cfg.IndexPageSize)
		if err != nil {
			return res, err
		}
		stats, err := s.writer.Upsert(ctx, name, chunks, opts.SkipDuplicates)
		if err != nil {
			return res, err
		}
		res.Inserted += stats.Inserted
		res.Skipped += stats.Skipped
		if len(chunks) < s.cfg.IndexPageSize {
			break
		}
	}

	logger.Info("Asset indexed",
		zap.String("collection", name),
		zap.String("asset_id", asset.ID),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// IndexKnowledgeBase writes every chunk of the knowledge base to its
// collection page by page. Each page is retried on its own; a page that still
// fails is counted and the run moves on.
func (s *Service) IndexKnowledgeBase(ctx context.Context, knowledgeBaseID string, opts IndexOptions) (*IndexResult, error) {
	kb, err := s.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}

	name, err := s.writer.EnsureCollection(ctx, kb.ID, s.dimension, opts.Reset)
	if err != nil {
		return nil, err
	}

	res := &IndexResult{Collection: name}
	var lastErr error
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		chunks, err := s.store.ListChunks(ctx, kb.ID, "", page, s.cfg.IndexPageSize)
		if err != nil {
			return res, err
		}
		if len(chunks) == 0 {
			break
		}

		stats, err := s.indexPage(ctx, name, chunks, opts.SkipDuplicates)
		if err != nil {
			res.FailedPages++
			lastErr = err
			logger.Error("Index page failed",
				zap.String("collection", name),
				zap.Int("page", page),
				zap.Int("chunks", len(chunks)),
				zap.Error(err),
			)
		} else {
			res.Inserted += stats.Inserted
			res.Skipped += stats.Skipped
		}

		if len(chunks) < s.cfg.IndexPageSize {
			break
		}
	}

	logger.Info("Knowledge base indexed",
		zap.String("collection", name),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed_pages", res.FailedPages),
	)

	if res.FailedPages > 0 && res.Inserted+res.Skipped == 0 {
		kind := apperr.KindOf(lastErr)
		if kind == "" {
			kind = apperr.VectorStoreError
		}
		return res, apperr.New(kind, "IndexKnowledgeBase", fmt.Errorf("no chunks indexed in %s: %w", kb.Name, lastErr))
	}
	return res, nil
}

func (s *Service) indexPage(ctx context.Context, name string, chunks []models.Chunk, skipDuplicates bool) (indexing.Stats, error) {
	cfg := retry.Fixed("index_page", s.cfg.IndexAttempts, s.cfg.IndexRetryDelay, logger.GetLogger())
	return retry.DoWithResult(ctx, cfg, func() (indexing.Stats, error) {
		return s.writer.Upsert(ctx, name, chunks, skipDuplicates)
	})
}
