package ingestion

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/kb-engine/backend/pkg/logger"
	"github.com/kb-engine/backend/pkg/utils"
)

// HashFile returns the SHA-256 of the file at path, or "" when it cannot be
// read. An empty hash never matches an existing asset.
func HashFile(ctx context.Context, path string) string {
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("Failed to open file for hashing", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer f.Close()
	return HashReader(ctx, f)
}

// HashReader returns the SHA-256 of everything in r, or "" on failure.
func HashReader(ctx context.Context, r io.Reader) string {
	sum, err := utils.HashReader(ctx, r)
	if err != nil {
		logger.Warn("Failed to hash content", zap.Error(err))
		return ""
	}
	return sum
}
