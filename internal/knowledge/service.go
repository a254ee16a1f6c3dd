// Package knowledge is the boundary of the ingestion and retrieval core:
// knowledge bases, their assets, processing into chunks, indexing and search.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/indexing"
	"github.com/kb-engine/backend/internal/ingestion"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/storage"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

const (
	DefaultPageSize      = 50
	DefaultIndexPageSize = 100
)

// Processor turns a stored file into text units.
type Processor interface {
	Process(ctx context.Context, path string, chunkSize int) ([]ingestion.Unit, error)
}

type Config struct {
	Root                string
	ChunkSize           int
	AllowedContentTypes []string
	MaxUploadBytes      int64
	PageSize            int
	IndexPageSize       int
	IndexAttempts       int
	IndexRetryDelay     time.Duration
}

type Service struct {
	store     storage.Store
	processor Processor
	writer    *indexing.Writer
	engine    *query.Engine
	dimension int
	cfg       Config
}

// NewService wires the core. dimension is the embedding size used when
// collections are created.
func NewService(store storage.Store, processor Processor, writer *indexing.Writer, engine *query.Engine, dimension int, cfg Config) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = ingestion.DefaultChunkSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.IndexPageSize <= 0 {
		cfg.IndexPageSize = DefaultIndexPageSize
	}
	if cfg.IndexAttempts <= 0 {
		cfg.IndexAttempts = 3
	}
	if cfg.IndexRetryDelay <= 0 {
		cfg.IndexRetryDelay = time.Second
	}
	return &Service{
		store:     store,
		processor: processor,
		writer:    writer,
		engine:    engine,
		dimension: dimension,
		cfg:       cfg,
	}
}

// CreateKnowledgeBase validates the name, provisions the asset directory and
// stores the record. Names are unique ignoring case.
func (s *Service) CreateKnowledgeBase(ctx context.Context, name string) (*models.KnowledgeBase, error) {
	normalized, err := models.NormalizeKnowledgeBaseName(name)
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "CreateKnowledgeBase", err)
	}

	existing, err := s.store.GetKnowledgeBaseByName(ctx, normalized)
	switch {
	case err == nil && existing != nil:
		return nil, apperr.Newf(apperr.DuplicateResource, "CreateKnowledgeBase", "knowledge base %q already exists", normalized)
	case err != nil && !errors.Is(err, apperr.NotFound):
		return nil, err
	}

	now := time.Now().UTC()
	kb := &models.KnowledgeBase{
		ID:        models.NewID(),
		Name:      normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	kb.DirPath = filepath.Join(s.cfg.Root, kb.ID)

	if err := os.MkdirAll(kb.DirPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge base directory: %w", err)
	}
	if err := s.store.CreateKnowledgeBase(ctx, kb); err != nil {
		os.RemoveAll(kb.DirPath)
		return nil, err
	}

	logger.Info("Knowledge base created", zap.String("id", kb.ID), zap.String("name", kb.Name))
	return kb, nil
}

func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	if !models.IsValidID(id) {
		return nil, apperr.Newf(apperr.NotFound, "GetKnowledgeBase", "knowledge base %q", id)
	}
	return s.store.GetKnowledgeBase(ctx, id)
}

func (s *Service) ListKnowledgeBases(ctx context.Context, page, pageSize int) ([]models.KnowledgeBase, error) {
	page, pageSize = s.paging(page, pageSize)
	return s.store.ListKnowledgeBases(ctx, page, pageSize)
}

// DeleteKnowledgeBase drops the vector collection, the records and the asset
// directory.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, id string) error {
	kb, err := s.GetKnowledgeBase(ctx, id)
	if err != nil {
		return err
	}

	if err := s.writer.DropCollection(ctx, vector.CollectionName(kb.ID)); err != nil {
		return err
	}
	if err := s.store.DeleteKnowledgeBase(ctx, kb.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(kb.DirPath); err != nil {
		logger.Warn("Failed to remove knowledge base directory", zap.String("dir", kb.DirPath), zap.Error(err))
	}

	logger.Info("Knowledge base deleted", zap.String("id", kb.ID), zap.String("name", kb.Name))
	return nil
}

func (s *Service) paging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}
	return page, pageSize
}
