// Package indexing writes chunk embeddings into per-knowledge-base vector
// collections.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/storage"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

const DefaultBatchSize = 64

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Stats counts what one Upsert call did.
type Stats struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

func (s *Stats) Add(o Stats) {
	s.Inserted += o.Inserted
	s.Skipped += o.Skipped
}

type Writer struct {
	store     vector.Store
	embedder  Embedder
	batchSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewWriter(store vector.Store, embedder Embedder, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Writer{
		store:     store,
		embedder:  embedder,
		batchSize: batchSize,
		locks:     make(map[string]*sync.Mutex),
	}
}

// EnsureCollection creates the knowledge base's collection when missing, or
// recreates it when reset is set, and returns its name.
func (w *Writer) EnsureCollection(ctx context.Context, knowledgeBaseID string, dim int, reset bool) (string, error) {
	name := vector.CollectionName(knowledgeBaseID)
	if err := w.store.CreateCollection(ctx, name, dim, reset); err != nil {
		return "", apperr.New(apperr.VectorStoreError, "EnsureCollection", err)
	}
	return name, nil
}

// Upsert embeds and writes chunks in batches. With skipDuplicates, chunks
// whose (asset_id, chunk_order) already has a point are left alone. A failing
// batch stops the call; earlier batches stay written.
func (w *Writer) Upsert(ctx context.Context, name string, chunks []models.Chunk, skipDuplicates bool) (Stats, error) {
	var stats Stats
	for start := 0; start < len(chunks); start += w.batchSize {
		end := min(start+w.batchSize, len(chunks))
		s, err := w.upsertBatch(ctx, name, chunks[start:end], skipDuplicates)
		stats.Add(s)
		if err != nil {
			metrics.IndexedPoints.WithLabelValues("failed").Add(float64(end - start - s.Skipped))
			return stats, err
		}
	}
	return stats, nil
}

func (w *Writer) upsertBatch(ctx context.Context, name string, batch []models.Chunk, skipDuplicates bool) (Stats, error) {
	var stats Stats

	// The duplicate check and the write share the lock so overlapping
	// batches cannot both claim the same chunk.
	lock := w.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	if skipDuplicates {
		kept, err := w.withoutExisting(ctx, name, batch)
		if err != nil {
			return stats, err
		}
		stats.Skipped = len(batch) - len(kept)
		metrics.IndexedPoints.WithLabelValues("skipped").Add(float64(stats.Skipped))
		batch = kept
	}
	if len(batch) == 0 {
		return stats, nil
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := w.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.New(apperr.EmbeddingFailed, "Upsert", err)
		}
		return stats, err
	}

	points := make([]vector.Point, len(batch))
	for i, c := range batch {
		id, err := vector.PointID(c.ID)
		if err != nil {
			return stats, apperr.New(apperr.InvalidInput, "Upsert", err)
		}
		payload := storage.SearchMetadata(c)
		payload[vector.PayloadText] = c.Text
		points[i] = vector.Point{ID: id, Vector: vectors[i], Payload: payload}
	}

	if err := w.store.Upsert(ctx, name, points, true); err != nil {
		return stats, apperr.New(apperr.VectorStoreError, "Upsert", err)
	}

	stats.Inserted = len(points)
	metrics.IndexedPoints.WithLabelValues("inserted").Add(float64(len(points)))
	logger.Debug("Indexed batch",
		zap.String("collection", name),
		zap.Int("points", len(points)),
	)
	return stats, nil
}

// withoutExisting drops chunks that already have a point, using one filter
// query for the whole batch.
func (w *Writer) withoutExisting(ctx context.Context, name string, batch []models.Chunk) ([]models.Chunk, error) {
	groups := make([]map[string]any, len(batch))
	for i, c := range batch {
		groups[i] = identity(c)
	}

	hits, err := w.store.SearchByFilter(ctx, name, vector.Filter{Any: groups}, len(batch))
	if err != nil {
		if errors.Is(err, vector.ErrCollectionNotFound) {
			return nil, apperr.New(apperr.NotFound, "Upsert", err)
		}
		return nil, apperr.New(apperr.VectorStoreError, "Upsert", fmt.Errorf("failed to look up existing points: %w", err))
	}
	if len(hits) == 0 {
		return batch, nil
	}

	var kept []models.Chunk
	for i, c := range batch {
		f := vector.Filter{Match: groups[i]}
		exists := false
		for _, h := range hits {
			if f.Matches(h.Payload) {
				exists = true
				break
			}
		}
		if !exists {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func identity(c models.Chunk) map[string]any {
	return map[string]any{
		models.MetaAssetID:    c.AssetID,
		models.MetaChunkOrder: c.Order,
	}
}

// ResetAsset removes every point of one asset.
func (w *Writer) ResetAsset(ctx context.Context, name, assetID string) error {
	return w.DeleteByFilter(ctx, name, vector.Filter{Match: map[string]any{models.MetaAssetID: assetID}})
}

func (w *Writer) DeleteByFilter(ctx context.Context, name string, filter vector.Filter) error {
	lock := w.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := w.store.DeleteByFilter(ctx, name, filter); err != nil {
		return apperr.New(apperr.VectorStoreError, "DeleteByFilter", err)
	}
	return nil
}

func (w *Writer) DropCollection(ctx context.Context, name string) error {
	lock := w.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := w.store.DropCollection(ctx, name); err != nil {
		return apperr.New(apperr.VectorStoreError, "DropCollection", err)
	}
	return nil
}

func (w *Writer) collectionLock(name string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[name]
	if !ok {
		l = &sync.Mutex{}
		w.locks[name] = l
	}
	return l
}
