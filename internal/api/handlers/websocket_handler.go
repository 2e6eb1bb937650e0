package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/auth"
	"github.com/raghub/backend/internal/retrieval"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/pkg/logger"
)

// WebSocketHandler streams answers over a socket. The HTTP auth
// middleware runs on the upgrade request, so the scope and principal
// arrive through connection locals.
type WebSocketHandler struct {
	engine *retrieval.Engine
}

func NewWebSocketHandler(engine *retrieval.Engine) *WebSocketHandler {
	return &WebSocketHandler{engine: engine}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	scope, _ := c.Locals("scope").(*tenant.Scope)
	principal, _ := c.Locals("principal").(*auth.Principal)
	if scope == nil || principal == nil {
		h.sendError(c, "unauthenticated")
		c.Close()
		return
	}

	logger.Info("WebSocket connection established",
		zap.String("tenant_id", scope.Tenant.ID),
		zap.String("user_id", principal.User.ID),
	)

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("tenant_id", scope.Tenant.ID))
	}()

	for {
		var msg struct {
			Type        string   `json:"type"`
			Question    string   `json:"question"`
			CategoryIDs []string `json:"category_ids"`
			TopK        int      `json:"top_k"`
			Mode        string   `json:"mode"`
		}
		if err := c.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != "query" {
			continue
		}

		req := retrieval.AnswerRequest{
			Question:    msg.Question,
			CategoryIDs: msg.CategoryIDs,
			TopK:        msg.TopK,
			Mode:        models.RetrievalMode(msg.Mode),
		}
		if err := h.streamAnswer(c, scope, principal, req); err != nil {
			logger.Error("Failed to stream answer", zap.Error(err))
			h.sendError(c, "failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, scope *tenant.Scope, principal *auth.Principal, req retrieval.AnswerRequest) error {
	h.sendChunk(c, "status", "Searching documents...")

	resp, err := h.engine.Answer(context.Background(), scope, principal, req)
	if err != nil {
		return err
	}

	for _, chunk := range splitForStreaming(resp.Answer) {
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":           "complete",
		"interaction_id": resp.InteractionID,
		"citations":      resp.Citations,
		"confidence":     resp.Confidence,
		"abstained":      resp.Abstained,
		"blocked":        resp.Blocked,
		"reason":         resp.Reason,
		"retrieved":      resp.Retrieved,
		"used":           resp.Used,
		"latency_ms":     resp.LatencyMS,
	})
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}

// splitForStreaming breaks the answer into word-sized frames, keeping
// newlines as their own frame so clients can render paragraphs.
func splitForStreaming(text string) []string {
	var frames []string
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		for i, word := range words {
			if i < len(words)-1 {
				word += " "
			}
			frames = append(frames, word)
		}
		frames = append(frames, "\n")
	}
	if len(frames) > 0 {
		frames = frames[:len(frames)-1]
	}
	return frames
}
