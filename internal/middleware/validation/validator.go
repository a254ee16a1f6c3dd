// Package validation rejects malformed requests before they reach handlers.
package validation

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxQueryLength int
	// MaxUploadBytes caps the declared size of asset uploads. Zero disables
	// the check.
	MaxUploadBytes      int64
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		path := c.Path()
		switch {
		case strings.HasSuffix(path, "/search"), strings.HasSuffix(path, "/answer"):
			return validateQuery(c, cfg)
		case strings.HasSuffix(path, "/assets"):
			if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
				return reject(c, fiber.StatusBadRequest, "Uploads must be multipart/form-data")
			}
			if cfg.MaxUploadBytes > 0 && int64(c.Request().Header.ContentLength()) > cfg.MaxUploadBytes {
				return reject(c, fiber.StatusRequestEntityTooLarge, "Upload exceeds maximum size")
			}
		}

		return c.Next()
	}
}

func validateQuery(c *fiber.Ctx, cfg Config) error {
	var req map[string]any
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
	}

	q, ok := req["query"].(string)
	if !ok || strings.TrimSpace(q) == "" {
		return reject(c, fiber.StatusBadRequest, "Query is required and must be a string")
	}
	if !utf8.ValidString(q) {
		return reject(c, fiber.StatusBadRequest, "Query must be valid UTF-8")
	}
	if utf8.RuneCountInString(q) > cfg.MaxQueryLength {
		cfg.Logger.Warn("Query exceeds maximum length",
			zap.String("ip", c.IP()),
			zap.Int("length", utf8.RuneCountInString(q)),
		)
		return reject(c, fiber.StatusBadRequest, "Query exceeds maximum length")
	}
	if limit, ok := req["limit"].(float64); ok && limit < 0 {
		return reject(c, fiber.StatusBadRequest, "Limit must not be negative")
	}

	if sanitized := sanitizeString(q); sanitized != q {
		req["query"] = sanitized
		body, err := json.Marshal(req)
		if err != nil {
			return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
		}
		c.Request().SetBody(body)
	}

	return c.Next()
}

func allowedType(contentType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(contentType, a) {
			return true
		}
	}
	return false
}

// sanitizeString drops NUL and other control characters except newlines and
// tabs.
func sanitizeString(input string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, input)
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}
