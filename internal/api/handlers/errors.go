package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/apperr"
	"github.com/kb-engine/backend/pkg/logger"
)

// StatusFor maps an error onto the HTTP status a client sees.
func StatusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.UnsupportedFileType:
		return fiber.StatusUnsupportedMediaType
	case apperr.InvalidInput:
		return fiber.StatusBadRequest
	case apperr.DuplicateResource:
		return fiber.StatusConflict
	case apperr.ProcessingFailed:
		return fiber.StatusUnprocessableEntity
	case apperr.EmbeddingFailed, apperr.VectorStoreError:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	body := fiber.Map{"error": err.Error()}
	if kind := apperr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	if status == fiber.StatusInternalServerError {
		body["error"] = "internal server error"
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"kind":  string(apperr.InvalidInput),
	})
}
