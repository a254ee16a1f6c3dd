package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/kb-engine/backend/internal/apperr"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Newf(apperr.NotFound, "op", "kb"), fiber.StatusNotFound},
		{apperr.Newf(apperr.UnsupportedFileType, "op", ".exe"), fiber.StatusUnsupportedMediaType},
		{apperr.Newf(apperr.InvalidInput, "op", "name"), fiber.StatusBadRequest},
		{apperr.Newf(apperr.DuplicateResource, "op", "name"), fiber.StatusConflict},
		{apperr.Newf(apperr.ProcessingFailed, "op", "empty"), fiber.StatusUnprocessableEntity},
		{apperr.Newf(apperr.EmbeddingFailed, "op", "down"), fiber.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", apperr.Newf(apperr.VectorStoreError, "op", "down")), fiber.StatusBadGateway},
		{fiber.NewError(fiber.StatusBadRequest, "bad body"), fiber.StatusBadRequest},
		{context.DeadlineExceeded, fiber.StatusInternalServerError},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"Classes", "are", "\n", "blueprints."}, splitIntoWords("Classes  are\nblueprints."))
	assert.Nil(t, splitIntoWords("   "))
	assert.Equal(t, []string{"مرحبا", "بكم"}, splitIntoWords("مرحبا بكم"))
}
