package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/pkg/logger"
)

type KnowledgeBaseHandler struct {
	service *knowledge.Service
}

func NewKnowledgeBaseHandler(service *knowledge.Service) *KnowledgeBaseHandler {
	return &KnowledgeBaseHandler{
		service: service,
	}
}

func (h *KnowledgeBaseHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Warn("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	kb, err := h.service.CreateKnowledgeBase(c.UserContext(), req.Name)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(kb)
}

func (h *KnowledgeBaseHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	pageSize := c.QueryInt("page_size", 0)

	kbs, err := h.service.ListKnowledgeBases(c.UserContext(), page, pageSize)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"knowledge_bases": kbs,
		"page":            page,
	})
}

func (h *KnowledgeBaseHandler) Get(c *fiber.Ctx) error {
	kb, err := h.service.GetKnowledgeBase(c.UserContext(), c.Params("kbID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(kb)
}

func (h *KnowledgeBaseHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.DeleteKnowledgeBase(c.UserContext(), c.Params("kbID")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Process chunks every asset of the knowledge base.
func (h *KnowledgeBaseHandler) Process(c *fiber.Ctx) error {
	opts, err := processOptions(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := h.service.ProcessKnowledgeBase(c.UserContext(), c.Params("kbID"), opts)
	if err != nil {
		if res != nil {
			return c.Status(StatusFor(err)).JSON(fiber.Map{
				"error":  err.Error(),
				"result": res,
			})
		}
		return respondError(c, err)
	}
	return c.JSON(res)
}

// Index writes every chunk of the knowledge base to its vector collection.
func (h *KnowledgeBaseHandler) Index(c *fiber.Ctx) error {
	var req struct {
		Reset          bool `json:"reset"`
		SkipDuplicates bool `json:"skip_duplicates"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	res, err := h.service.IndexKnowledgeBase(c.UserContext(), c.Params("kbID"), knowledge.IndexOptions{
		Reset:          req.Reset,
		SkipDuplicates: req.SkipDuplicates,
	})
	if err != nil {
		if res != nil {
			return c.Status(StatusFor(err)).JSON(fiber.Map{
				"error":  err.Error(),
				"result": res,
			})
		}
		return respondError(c, err)
	}
	return c.JSON(res)
}

func processOptions(c *fiber.Ctx) (knowledge.ProcessOptions, error) {
	var req struct {
		ChunkSize    int  `json:"chunk_size"`
		SkipExisting bool `json:"skip_existing"`
		Reset        bool `json:"reset"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return knowledge.ProcessOptions{}, err
		}
	}
	return knowledge.ProcessOptions{
		ChunkSize:    req.ChunkSize,
		SkipExisting: req.SkipExisting,
		Reset:        req.Reset,
	}, nil
}
