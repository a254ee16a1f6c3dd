package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/pkg/logger"
)

type QueryHandler struct {
	service *knowledge.Service
}

func NewQueryHandler(service *knowledge.Service) *QueryHandler {
	return &QueryHandler{
		service: service,
	}
}

type queryRequest struct {
	Query         string        `json:"query"`
	Limit         int           `json:"limit"`
	Mode          string        `json:"mode"`
	Rewrite       *bool         `json:"rewrite"`
	CrossLanguage *bool         `json:"cross_language"`
	Locale        string        `json:"locale"`
	History       []llm.Message `json:"history"`
}

func (h *QueryHandler) Search(c *fiber.Ctx) error {
	req, mode, err := parseQueryRequest(c)
	if err != nil {
		return respondError(c, err)
	}

	res, err := h.service.Search(c.UserContext(), c.Params("kbID"), query.SearchRequest{
		Query:         req.Query,
		Limit:         req.Limit,
		Mode:          mode,
		Rewrite:       req.Rewrite,
		CrossLanguage: req.CrossLanguage,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *QueryHandler) Answer(c *fiber.Ctx) error {
	req, mode, err := parseQueryRequest(c)
	if err != nil {
		return respondError(c, err)
	}

	res, err := h.service.Answer(c.UserContext(), c.Params("kbID"), query.AnswerRequest{
		Query:         req.Query,
		Limit:         req.Limit,
		Mode:          mode,
		Rewrite:       req.Rewrite,
		CrossLanguage: req.CrossLanguage,
		Locale:        req.Locale,
		History:       req.History,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func parseQueryRequest(c *fiber.Ctx) (*queryRequest, retrieval.Mode, error) {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Warn("Failed to parse request body", zap.Error(err))
		return nil, "", fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	mode, err := retrieval.ParseMode(req.Mode)
	if err != nil {
		return nil, "", err
	}
	return &req, mode, nil
}
