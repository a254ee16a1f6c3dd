package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/pkg/logger"
)

type AssetHandler struct {
	service *knowledge.Service
}

func NewAssetHandler(service *knowledge.Service) *AssetHandler {
	return &AssetHandler{
		service: service,
	}
}

// Upload accepts a multipart form with the file under "file".
func (h *AssetHandler) Upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "A file is required in the \"file\" form field")
	}

	f, err := fh.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return respondError(c, err)
	}
	defer f.Close()

	res, err := h.service.UploadAsset(c.UserContext(), c.Params("kbID"), knowledge.Upload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(fiber.HeaderContentType),
		Size:        fh.Size,
		Reader:      f,
	})
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func (h *AssetHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	assets, err := h.service.ListAssets(c.UserContext(), c.Params("kbID"), page, c.QueryInt("page_size", 0))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"assets": assets,
		"page":   page,
	})
}

func (h *AssetHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.DeleteAsset(c.UserContext(), c.Params("kbID"), c.Params("assetID")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AssetHandler) Process(c *fiber.Ctx) error {
	opts, err := processOptions(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := h.service.ProcessAsset(c.UserContext(), c.Params("kbID"), c.Params("assetID"), opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// Index writes the asset's chunks to the vector collection. Reset defaults to
// true so a re-index does not leave vectors of removed chunks behind.
func (h *AssetHandler) Index(c *fiber.Ctx) error {
	var req struct {
		Reset          *bool `json:"reset"`
		SkipDuplicates bool  `json:"skip_duplicates"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	opts := knowledge.IndexOptions{Reset: true, SkipDuplicates: req.SkipDuplicates}
	if req.Reset != nil {
		opts.Reset = *req.Reset
	}

	res, err := h.service.IndexAsset(c.UserContext(), c.Params("kbID"), c.Params("assetID"), opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
