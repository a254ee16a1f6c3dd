package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/internal/ingestion"
	"github.com/kb-engine/backend/internal/metrics"
	"github.com/kb-engine/backend/internal/storage/models"
	"github.com/kb-engine/backend/internal/vector"
	"github.com/kb-engine/backend/pkg/logger"
)

// extensionTypes covers extensions missing from minimal system mime tables.
var extensionTypes = map[string]string{
	".txt": "text/plain",
	".md":  "text/markdown",
	".pdf": "application/pdf",
}

// Upload is one incoming file. Size may be -1 when unknown.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

type UploadResult struct {
	Asset *models.Asset `json:"asset"`

	// Duplicate is set when identical content already existed and no new
	// asset was created.
	Duplicate bool `json:"duplicate"`
}

// UploadAsset stores a file in the knowledge base. Content already present in
// the same knowledge base returns the existing asset.
func (s *Service) UploadAsset(ctx context.Context, knowledgeBaseID string, up Upload) (*UploadResult, error) {
	kb, err := s.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}

	name := models.SanitizeFileName(up.FileName)
	contentType, err := s.validateUpload(name, up)
	if err != nil {
		metrics.AssetUploads.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if err := os.MkdirAll(kb.DirPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge base directory: %w", err)
	}
	tmp, size, err := s.spool(kb.DirPath, up.Reader)
	if err != nil {
		metrics.AssetUploads.WithLabelValues("rejected").Inc()
		return nil, err
	}
	defer os.Remove(tmp)

	hash := ingestion.HashFile(ctx, tmp)
	if existing, err := s.store.FindAssetByHash(ctx, kb.ID, hash); err != nil {
		return nil, err
	} else if existing != nil {
		logger.Info("Duplicate upload, reusing asset",
			zap.String("knowledge_base_id", kb.ID),
			zap.String("asset_id", existing.ID),
		)
		metrics.AssetUploads.WithLabelValues("deduplicated").Inc()
		return &UploadResult{Asset: existing, Duplicate: true}, nil
	}

	path, err := uniquePath(kb.DirPath, name)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to store asset: %w", err)
	}

	asset := &models.Asset{
		ID:              models.NewID(),
		KnowledgeBaseID: kb.ID,
		Path:            path,
		ContentType:     contentType,
		Name:            name,
		Size:            size,
		ContentHash:     hash,
		UploadedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateAsset(ctx, asset); err != nil {
		os.Remove(path)
		if errors.Is(err, apperr.DuplicateResource) {
			if existing, ferr := s.store.FindAssetByHash(ctx, kb.ID, hash); ferr == nil && existing != nil {
				metrics.AssetUploads.WithLabelValues("deduplicated").Inc()
				return &UploadResult{Asset: existing, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	metrics.AssetUploads.WithLabelValues("created").Inc()
	logger.Info("Asset uploaded",
		zap.String("knowledge_base_id", kb.ID),
		zap.String("asset_id", asset.ID),
		zap.String("name", name),
		zap.Int64("size", size),
	)
	return &UploadResult{Asset: asset}, nil
}

func (s *Service) validateUpload(name string, up Upload) (string, error) {
	if name == "" || up.Reader == nil {
		return "", apperr.Newf(apperr.InvalidInput, "UploadAsset", "a named file is required")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !ingestion.Supported(ext) {
		return "", apperr.Newf(apperr.UnsupportedFileType, "UploadAsset", "extension %q", ext)
	}
	if s.cfg.MaxUploadBytes > 0 && up.Size > s.cfg.MaxUploadBytes {
		return "", apperr.Newf(apperr.InvalidInput, "UploadAsset", "file exceeds %d bytes", s.cfg.MaxUploadBytes)
	}

	contentType := up.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = extensionTypes[ext]
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if len(s.cfg.AllowedContentTypes) == 0 {
		return contentType, nil
	}
	for _, allowed := range s.cfg.AllowedContentTypes {
		if strings.EqualFold(allowed, contentType) {
			return contentType, nil
		}
	}
	return "", apperr.Newf(apperr.UnsupportedFileType, "UploadAsset", "content type %q", contentType)
}

// spool copies r into a temporary file in dir, enforcing the upload limit.
func (s *Service) spool(dir string, r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()

	src := r
	if s.cfg.MaxUploadBytes > 0 {
		src = io.LimitReader(r, s.cfg.MaxUploadBytes+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("failed to write upload: %w", err)
	}
	if s.cfg.MaxUploadBytes > 0 && n > s.cfg.MaxUploadBytes {
		os.Remove(f.Name())
		return "", 0, apperr.Newf(apperr.InvalidInput, "UploadAsset", "file exceeds %d bytes", s.cfg.MaxUploadBytes)
	}
	return f.Name(), n, nil
}

// uniquePath returns a path in dir for name behind a fresh random prefix.
func uniquePath(dir, name string) (string, error) {
	for i := 0; i < 10; i++ {
		path := filepath.Join(dir, models.RandomFilePrefix()+"_"+name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("failed to find a free file name for %s", name)
}

func (s *Service) GetAsset(ctx context.Context, knowledgeBaseID, assetID string) (*models.Asset, error) {
	if !models.IsValidID(assetID) {
		return nil, apperr.Newf(apperr.NotFound, "GetAsset", "asset %q", assetID)
	}
	return s.store.GetAsset(ctx, knowledgeBaseID, assetID)
}

func (s *Service) ListAssets(ctx context.Context, knowledgeBaseID string, page, pageSize int) ([]models.Asset, error) {
	if _, err := s.GetKnowledgeBase(ctx, knowledgeBaseID); err != nil {
		return nil, err
	}
	page, pageSize = s.paging(page, pageSize)
	return s.store.ListAssets(ctx, knowledgeBaseID, page, pageSize)
}

// DeleteAsset removes the file, the asset's vectors, its chunks and the
// asset record.
func (s *Service) DeleteAsset(ctx context.Context, knowledgeBaseID, assetID string) error {
	asset, err := s.GetAsset(ctx, knowledgeBaseID, assetID)
	if err != nil {
		return err
	}

	if err := os.Remove(asset.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove asset file", zap.String("path", asset.Path), zap.Error(err))
	}
	if err := s.writer.ResetAsset(ctx, vector.CollectionName(knowledgeBaseID), asset.ID); err != nil {
		return err
	}
	if err := s.store.DeleteAsset(ctx, knowledgeBaseID, asset.ID); err != nil {
		return err
	}

	logger.Info("Asset deleted", zap.String("knowledge_base_id", knowledgeBaseID), zap.String("asset_id", asset.ID))
	return nil
}
