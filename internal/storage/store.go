// Package storage declares the metadata store contract shared by the sqlite
// and mongo backends.
package storage

import (
	"context"

	"github.com/kb-engine/backend/internal/storage/models"
)

// Store persists knowledge bases, assets and chunks. Lookups of missing
// records fail with apperr.NotFound. Pages are 1-based.
type Store interface {
	CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
	GetKnowledgeBaseByName(ctx context.Context, name string) (*models.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, page, pageSize int) ([]models.KnowledgeBase, error)
	// DeleteKnowledgeBase removes the knowledge base with its assets and chunks.
	DeleteKnowledgeBase(ctx context.Context, id string) error

	// CreateAsset fails with apperr.DuplicateResource when a non-empty content
	// hash already exists in the same knowledge base.
	CreateAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, knowledgeBaseID, assetID string) (*models.Asset, error)
	// FindAssetByHash returns nil, nil when no asset matches. An empty hash
	// never matches.
	FindAssetByHash(ctx context.Context, knowledgeBaseID, hash string) (*models.Asset, error)
	ListAssets(ctx context.Context, knowledgeBaseID string, page, pageSize int) ([]models.Asset, error)
	// DeleteAsset removes the asset and its chunks.
	DeleteAsset(ctx context.Context, knowledgeBaseID, assetID string) error

	InsertChunks(ctx context.Context, chunks []models.Chunk) (int, error)
	// ReplaceChunks swaps the asset's chunks for chunks. A failed replace
	// leaves the previous chunks in place.
	ReplaceChunks(ctx context.Context, knowledgeBaseID, assetID string, chunks []models.Chunk) (int, error)
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	// ListChunks orders by asset then chunk order. An empty assetID lists the
	// whole knowledge base.
	ListChunks(ctx context.Context, knowledgeBaseID, assetID string, page, pageSize int) ([]models.Chunk, error)
	CountChunks(ctx context.Context, knowledgeBaseID, assetID string) (int64, error)
	DeleteChunksByAsset(ctx context.Context, knowledgeBaseID, assetID string) (int64, error)

	// SearchText runs the store's native full-text search over one knowledge
	// base. Result metadata carries id, asset_id, knowledge_base_id and
	// chunk_order alongside the chunk's own metadata.
	SearchText(ctx context.Context, knowledgeBaseID, query string, limit int) ([]models.RetrievedDocument, error)

	Close() error
}

// SearchMetadata merges the identity fields of c into a copy of its metadata.
func SearchMetadata(c models.Chunk) map[string]any {
	meta := make(map[string]any, len(c.Metadata)+4)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[models.MetaID] = c.ID
	meta[models.MetaAssetID] = c.AssetID
	meta[models.MetaKnowledgeBaseID] = c.KnowledgeBaseID
	meta[models.MetaChunkOrder] = c.Order
	return meta
}

// Offset converts a 1-based page into a row offset.
func Offset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}
