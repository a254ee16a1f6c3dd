package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/internal/knowledge"
	"github.com/kb-engine/backend/internal/llm"
	"github.com/kb-engine/backend/internal/query"
	"github.com/kb-engine/backend/internal/retrieval"
	"github.com/kb-engine/backend/pkg/logger"
)

// maxChatHistory bounds the turns replayed to the model on each question.
const maxChatHistory = 10

type WebSocketHandler struct {
	service *knowledge.Service
}

func NewWebSocketHandler(service *knowledge.Service) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
	}
}

// Upgrade rejects plain HTTP requests on the chat route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection answers questions against one knowledge base. The
// conversation so far is sent along with each new question.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	kbID := c.Params("kbID")
	logger.Info("WebSocket connection established", zap.String("knowledge_base_id", kbID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("knowledge_base_id", kbID))
	}()

	var history []llm.Message
	for {
		var msg struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Limit   int    `json:"limit"`
			Mode    string `json:"mode"`
			Locale  string `json:"locale"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		switch msg.Type {
		case "reset":
			history = nil
			continue
		case "query":
		default:
			continue
		}

		mode, err := retrieval.ParseMode(msg.Mode)
		if err != nil {
			h.sendError(c, err)
			continue
		}

		res, err := h.streamResponse(c, kbID, query.AnswerRequest{
			Query:   msg.Content,
			Limit:   msg.Limit,
			Mode:    mode,
			Locale:  msg.Locale,
			History: history,
		})
		if err != nil {
			logger.Warn("Failed to stream response", zap.Error(err))
			h.sendError(c, err)
			continue
		}

		history = append(history,
			llm.Message{Role: llm.MessageRoleUser, Content: res.Query},
			llm.Message{Role: llm.MessageRoleAssistant, Content: res.Answer},
		)
		if len(history) > maxChatHistory {
			history = history[len(history)-maxChatHistory:]
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, kbID string, req query.AnswerRequest) (*query.AnswerResponse, error) {
	if err := h.sendChunk(c, "status", "Searching knowledge base..."); err != nil {
		return nil, err
	}

	res, err := h.service.Answer(context.Background(), kbID, req)
	if err != nil {
		return nil, err
	}

	words := splitIntoWords(res.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return nil, err
		}
	}

	if err := h.sendComplete(c, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(fiber.Map{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, res *query.AnswerResponse) error {
	return c.WriteJSON(fiber.Map{
		"type":            "complete",
		"message_id":      res.ID,
		"effective_query": res.EffectiveQuery,
		"sources":         res.Sources,
		"latency_ms":      res.LatencyMS,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) {
	msg := fiber.Map{
		"type":   "error",
		"error":  err.Error(),
		"status": StatusFor(err),
	}
	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}

// splitIntoWords breaks text on spaces, keeping newlines as their own tokens.
func splitIntoWords(text string) []string {
	var words []string
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\n' {
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
			if r == '\n' {
				words = append(words, "\n")
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}
