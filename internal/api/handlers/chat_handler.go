package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/api"
	"github.com/raghub/backend/internal/history"
	authmw "github.com/raghub/backend/internal/middleware/auth"
	"github.com/raghub/backend/internal/metrics"
	"github.com/raghub/backend/internal/retrieval"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/logger"
)

type ChatHandler struct {
	engine   *retrieval.Engine
	recorder *history.Recorder
}

func NewChatHandler(engine *retrieval.Engine, recorder *history.Recorder) *ChatHandler {
	return &ChatHandler{engine: engine, recorder: recorder}
}

type queryRequest struct {
	Question    string       `json:"question"`
	CategoryIDs []string     `json:"category_ids"`
	TopK        int          `json:"top_k"`
	Filters     queryFilters `json:"filters"`
	Mode        string       `json:"mode"`
	Stream      bool         `json:"stream"`
}

type queryFilters struct {
	CategoryIDs []string `json:"category_ids"`
}

// categoryFilter merges the top-level category list with the filters
// block; both spellings are accepted.
func (r queryRequest) categoryFilter() []string {
	if len(r.CategoryIDs) == 0 {
		return r.Filters.CategoryIDs
	}
	seen := make(map[string]bool, len(r.CategoryIDs))
	merged := make([]string, 0, len(r.CategoryIDs)+len(r.Filters.CategoryIDs))
	for _, id := range append(append([]string{}, r.CategoryIDs...), r.Filters.CategoryIDs...) {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}

type queryMetrics struct {
	LatencyMS  int     `json:"latency_ms"`
	Retrieved  int     `json:"retrieved"`
	Used       int     `json:"used"`
	Confidence float64 `json:"confidence"`
}

type queryGuardrail struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

type queryResponse struct {
	InteractionID string            `json:"interaction_id"`
	Answer        string            `json:"answer"`
	Citations     []models.Citation `json:"citations"`
	Abstained     bool              `json:"abstained"`
	Metrics       queryMetrics      `json:"metrics"`
	Guardrail     queryGuardrail    `json:"guardrail"`
}

func toQueryResponse(resp *retrieval.AnswerResponse) queryResponse {
	return queryResponse{
		InteractionID: resp.InteractionID,
		Answer:        resp.Answer,
		Citations:     resp.Citations,
		Abstained:     resp.Abstained,
		Metrics: queryMetrics{
			LatencyMS:  resp.LatencyMS,
			Retrieved:  resp.Retrieved,
			Used:       resp.Used,
			Confidence: resp.Confidence,
		},
		Guardrail: queryGuardrail{
			Blocked: resp.Blocked,
			Reason:  resp.Reason,
		},
	}
}

// HandleQuery answers a question over the documents the caller can see.
// Requests with stream set still get the complete payload here; token
// streaming is served on the websocket route.
func (h *ChatHandler) HandleQuery(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   fiber.Map{"code": "InvalidArgument", "message": "invalid request body"},
		})
	}

	resp, err := h.engine.Answer(c.Context(), scope, principal, retrieval.AnswerRequest{
		Question:    req.Question,
		CategoryIDs: req.categoryFilter(),
		TopK:        req.TopK,
		Mode:        models.RetrievalMode(req.Mode),
	})
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return api.Fail(c, err)
	}

	status := "ok"
	switch {
	case resp.Abstained:
		status = "abstained"
		metrics.QueryAbstained.Inc()
	case resp.Blocked:
		status = "blocked"
	}
	metrics.QueryTotal.WithLabelValues(status).Inc()
	metrics.QueryDuration.WithLabelValues(string(principal.Mode)).Observe(float64(resp.LatencyMS) / 1000)
	metrics.ConfidenceScore.Observe(resp.Confidence)

	logger.Debug("Query answered",
		zap.String("tenant_id", scope.Tenant.ID),
		zap.String("status", status),
		zap.Int("latency_ms", resp.LatencyMS),
	)

	return api.OK(c, toQueryResponse(resp))
}

// GetHistory lists the caller's own chat history, newest first.
func (h *ChatHandler) GetHistory(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	limit := c.QueryInt("limit", 50)
	interactions, err := h.recorder.Interactions(c.Context(), scope, principal.User.ID, limit)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"interactions": toInteractionViews(interactions)})
}

// GetEvents lists audit events. Admin only.
func (h *ChatHandler) GetEvents(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	kind := models.EventKind(c.Query("kind"))
	limit := c.QueryInt("limit", 100)
	events, err := h.recorder.Events(c.Context(), scope, kind, limit)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"events": events})
}

type interactionView struct {
	ID         string            `json:"id"`
	Question   string            `json:"question"`
	Answer     string            `json:"answer"`
	Citations  []models.Citation `json:"citations"`
	Confidence float64           `json:"confidence"`
	LatencyMS  int               `json:"latency_ms"`
	CreatedAt  int64             `json:"created_at"`
}

func toInteractionViews(interactions []models.Interaction) []interactionView {
	views := make([]interactionView, len(interactions))
	for i, in := range interactions {
		views[i] = interactionView{
			ID:         in.ID,
			Question:   in.Question,
			Answer:     in.Answer,
			Citations:  in.Citations,
			Confidence: in.Confidence,
			LatencyMS:  in.LatencyMS,
			CreatedAt:  in.CreatedAt.Unix(),
		}
	}
	return views
}
