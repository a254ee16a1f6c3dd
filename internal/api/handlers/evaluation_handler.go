package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kb-engine/backend/internal/evaluation"
	"github.com/kb-engine/backend/internal/retrieval"
)

type EvaluationHandler struct {
	evaluator *evaluation.Evaluator
}

func NewEvaluationHandler(evaluator *evaluation.Evaluator) *EvaluationHandler {
	return &EvaluationHandler{
		evaluator: evaluator,
	}
}

// Evaluate scores a labelled query set against the knowledge base, once per
// requested mode. No modes means all three.
func (h *EvaluationHandler) Evaluate(c *fiber.Ctx) error {
	var req struct {
		evaluation.Dataset
		Limit int      `json:"limit"`
		Modes []string `json:"modes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	modes := []retrieval.Mode{retrieval.ModeSemantic, retrieval.ModeLexical, retrieval.ModeHybrid}
	if len(req.Modes) > 0 {
		modes = modes[:0]
		for _, m := range req.Modes {
			mode, err := retrieval.ParseMode(m)
			if err != nil {
				return respondError(c, err)
			}
			modes = append(modes, mode)
		}
	}

	reports, err := h.evaluator.Compare(c.UserContext(), c.Params("kbID"), &req.Dataset, req.Limit, modes...)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"reports": reports,
	})
}
