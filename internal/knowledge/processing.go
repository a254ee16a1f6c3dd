package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

type ProcessOptions struct {
	// ChunkSize overrides the configured chunk size when positive.
	ChunkSize int
	// SkipExisting leaves assets that already have chunks untouched.
	SkipExisting bool
	// Reset also clears the asset's vectors before new chunks are written.
	Reset bool
}

type ProcessResult struct {
	AssetID string `json:"asset_id"`
	Chunks  int    `json:"chunks"`
	Skipped bool   `json:"skipped"`
}

type Failure struct {
	AssetID string `json:"asset_id"`
	Error   string `json:"error"`
}

type BatchResult struct {
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Chunks    int       `json:"chunks"`
	Failures  []Failure `json:"failures,omitempty"`
}

// ProcessAsset turns one asset into chunks numbered 1..N, replacing any
// chunks it had before.
func (s *Service) ProcessAsset(ctx context.Context, knowledgeBaseID, assetID string, opts ProcessOptions) (*ProcessResult, error) {
	if _, err := s.GetKnowledgeBase(ctx, knowledgeBaseID); err != nil {
		return nil, err
	}
	asset, err := s.GetAsset(ctx, knowledgeBaseID, assetID)
	if err != nil {
		return nil, err
	}
	return s.processAsset(ctx, asset, opts)
}

func (s *Service) processAsset(ctx context.Context, asset *models.Asset, opts ProcessOptions) (*ProcessResult, error) {
	if opts.SkipExisting && !opts.Reset {
		n, err := s.store.CountChunks(ctx, asset.KnowledgeBaseID, asset.ID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return &ProcessResult{AssetID: asset.ID, Chunks: int(n), Skipped: true}, nil
		}
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.cfg.ChunkSize
	}

	start := time.Now()
	units, err := s.processor.Process(ctx, asset.Path, chunkSize)
	if err != nil {
		return nil, err
	}

	chunks := make([]models.Chunk, len(units))
	for i, u := range units {
		chunks[i] = models.Chunk{
			ID:              models.NewID(),
			KnowledgeBaseID: asset.KnowledgeBaseID,
			AssetID:         asset.ID,
			Order:           i + 1,
			Text:            u.Text,
			Metadata:        u.Metadata,
		}
	}
	n, err := s.store.ReplaceChunks(ctx, asset.KnowledgeBaseID, asset.ID, chunks)
	if err != nil {
		return nil, apperr.New(apperr.ProcessingFailed, "ProcessAsset", fmt.Errorf("failed to store chunks: %w", err))
	}
	if opts.Reset {
		if err := s.writer.ResetAsset(ctx, vector.CollectionName(asset.KnowledgeBaseID), asset.ID); err != nil {
			return nil, err
		}
	}

	for _, c := range chunks {
		ct, _ := c.Metadata[models.MetaContentType].(string)
		metrics.ChunksCreated.WithLabelValues(ct).Inc()
	}
	logger.Info("Asset processed",
		zap.String("asset_id", asset.ID),
		zap.String("name", asset.Name),
		zap.Int("chunks", n),
		zap.Duration("duration", time.Since(start)),
	)
	return &ProcessResult{AssetID: asset.ID, Chunks: n}, nil
}

// ProcessKnowledgeBase processes every asset page by page. A failing asset is
// recorded and the run continues; the run fails only when no asset was
// processed or skipped.
func (s *Service) ProcessKnowledgeBase(ctx context.Context, knowledgeBaseID string, opts ProcessOptions) (*BatchResult, error) {
	kb, err := s.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		assets, err := s.store.ListAssets(ctx, kb.ID, page, s.cfg.PageSize)
		if err != nil {
			return res, err
		}

		for i := range assets {
			r, err := s.processAsset(ctx, &assets[i], opts)
			switch {
			case err != nil:
				res.Failed++
				res.Failures = append(res.Failures, Failure{AssetID: assets[i].ID, Error: err.Error()})
				logger.Warn("Asset processing failed",
					zap.String("asset_id", assets[i].ID),
					zap.String("name", assets[i].Name),
					zap.Error(err),
				)
			case r.Skipped:
				res.Skipped++
			default:
				res.Processed++
				res.Chunks += r.Chunks
			}
		}

		if len(assets) < s.cfg.PageSize {
			break
		}
	}

	logger.Info("Knowledge base processed",
		zap.String("knowledge_base_id", kb.ID),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("chunks", res.Chunks),
	)

	if res.Processed+res.Skipped == 0 {
		return res, apperr.Newf(apperr.ProcessingFailed, "ProcessKnowledgeBase", "no assets processed in %s (%d failed)", kb.Name, res.Failed)
	}
	return res, nil
}
