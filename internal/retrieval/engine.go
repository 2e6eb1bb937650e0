// Package retrieval answers questions over a tenant's documents with
// hybrid search: a dense leg against the tenant's vector partition and
// a lexical leg against the partition's full-text index, fused by
// reciprocal rank.
package retrieval

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/raghub/backend/internal/auth"
	"github.com/raghub/backend/internal/history"
	"github.com/raghub/backend/internal/llm"
	"github.com/raghub/backend/internal/metrics"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/internal/vector/milvus"
	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/circuitbreaker"
	"github.com/raghub/backend/pkg/config"
	"github.com/raghub/backend/pkg/logger"
	"github.com/raghub/backend/pkg/retry"
)

// LLM is the slice of the llm client the engine needs.
type LLM interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// VectorSearcher runs dense knn inside one tenant partition.
type VectorSearcher interface {
	Search(ctx context.Context, partition string, queryEmbedding []float32, topK int, categoryIDs []string) ([]milvus.SearchHit, error)
}

type Engine struct {
	llm      LLM
	vector   VectorSearcher
	recorder *history.Recorder
	cfg      config.RetrievalConfig

	breaker  *circuitbreaker.CircuitBreaker
	retryCfg retry.Config
}

type AnswerRequest struct {
	Question    string
	CategoryIDs []string             // empty = everything the user can see
	TopK        int                  // 0 = configured default
	Mode        models.RetrievalMode // empty = the principal's effective mode
}

type AnswerResponse struct {
	InteractionID string            `json:"interaction_id"`
	Answer        string            `json:"answer"`
	Citations     []models.Citation `json:"citations"`
	Confidence    float64           `json:"confidence"`
	Abstained     bool              `json:"abstained"`
	Blocked       bool              `json:"blocked"`
	Reason        string            `json:"reason,omitempty"`
	Retrieved     int               `json:"retrieved"`
	Used          int               `json:"used"`
	LatencyMS     int               `json:"latency_ms"`
}

func NewEngine(llmClient LLM, vector VectorSearcher, recorder *history.Recorder, cfg config.RetrievalConfig) *Engine {
	breaker := circuitbreaker.NewCircuitBreaker("vector-search", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})
	retryCfg := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   50 * time.Millisecond,
		MaxDelay:       500 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}
	return &Engine{
		llm:      llmClient,
		vector:   vector,
		recorder: recorder,
		cfg:      cfg,
		breaker:  breaker,
		retryCfg: retryCfg,
	}
}

// Answer runs the full retrieval flow for one question. The category
// filter is intersected with the principal's assignments before any
// search runs; a request for categories outside the principal's scope
// fails before touching the index.
func (e *Engine) Answer(ctx context.Context, scope *tenant.Scope, principal *auth.Principal, req AnswerRequest) (*AnswerResponse, error) {
	if req.Question == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "question is empty")
	}

	categories, err := principal.ScopeFor(req.CategoryIDs)
	if err != nil {
		return nil, err
	}

	if e.cfg.LatencyBudgetMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.LatencyBudgetMS)*time.Millisecond)
		defer cancel()
	}

	mode := principal.Mode
	if req.Mode.Valid() {
		mode = req.Mode
	}

	start := time.Now()
	log := logger.With(
		zap.String("tenant_id", scope.Tenant.ID),
		zap.String("user_id", principal.User.ID),
	)

	ret, err := e.retrieve(ctx, scope, mode, req.Question, categories, req.TopK)
	if err != nil {
		return nil, err
	}
	chunks, docs, confidence := ret.chunks, ret.docs, ret.confidence

	if len(chunks) == 0 || confidence < e.cfg.MinConfidence {
		log.Info("Abstaining",
			zap.Int("chunks", len(chunks)),
			zap.Float64("confidence", confidence),
		)
		return e.finish(ctx, scope, principal, req.Question, &AnswerResponse{
			Answer:     AbstainAnswer,
			Citations:  []models.Citation{},
			Confidence: confidence,
			Abstained:  true,
		}, llm.Usage{}, start), nil
	}

	tenantPrompt := ""
	if mode == models.ModeCustomized {
		if profile, perr := scope.Partition.ChunkingProfile(ctx); perr == nil {
			tenantPrompt = profile.SystemPrompt
		}
	}

	system, user := buildPrompt(req.Question, chunks, docs, tenantPrompt)
	completion, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
	})
	if err != nil {
		// Running out of latency budget mid-generation degrades to an
		// abstention instead of an error response.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("Latency budget exhausted during generation")
			return e.finish(context.WithoutCancel(ctx), scope, principal, req.Question, &AnswerResponse{
				Answer:     AbstainAnswer,
				Citations:  []models.Citation{},
				Confidence: confidence,
				Abstained:  true,
			}, llm.Usage{}, start), nil
		}
		return nil, apperr.Wrap(apperr.CodeInternalError, "generation failed", err)
	}

	if completion.Blocked {
		log.Warn("Generation blocked by provider", zap.String("reason", completion.Reason))
		return e.finish(ctx, scope, principal, req.Question, &AnswerResponse{
			Answer:     BlockedAnswer,
			Citations:  []models.Citation{},
			Confidence: confidence,
			Blocked:    true,
			Reason:     completion.Reason,
			Retrieved:  ret.fetched,
		}, completion.Usage, start), nil
	}

	answer := completion.Content
	if e.cfg.RedactPII {
		answer = redactPII(answer)
	}

	resp := &AnswerResponse{
		Answer:     answer,
		Citations:  buildCitations(chunks, docs),
		Confidence: confidence,
		Retrieved:  ret.fetched,
		Used:       len(chunks),
	}
	return e.finish(ctx, scope, principal, req.Question, resp, completion.Usage, start), nil
}

// retrievedSet is one retrieve pass: the surviving chunk rows in rank
// order, their documents, and the fused confidence of the pool.
type retrievedSet struct {
	chunks     []models.Chunk
	docs       map[string]*models.Document
	confidence float64
	fetched    int
}

// retrieve runs the search legs for the mode, filters to current
// versions of ready documents, fuses, caps per document, and loads the
// surviving chunk rows in rank order. A leg failure degrades to the
// other leg; when every leg fails the caller gets an infra error, not
// an abstention over evidence that was never looked at.
func (e *Engine) retrieve(ctx context.Context, scope *tenant.Scope, mode models.RetrievalMode, question string, categories []string, topK int) (*retrievedSet, error) {
	fetchK := e.cfg.FetchK
	if fetchK <= 0 {
		fetchK = 20
	}

	dense, denseErr := e.denseLeg(ctx, scope, question, categories, fetchK)
	if denseErr != nil {
		logger.Warn("Dense retrieval failed", zap.Error(denseErr))
	}

	var lexical []ranked
	var lexErr error
	// Basic mode is dense-only; advanced and customized add the lexical
	// leg for exact-term recall.
	if mode != models.ModeBasic {
		lexical, lexErr = e.lexicalLeg(ctx, scope, question, categories, fetchK)
		if lexErr != nil {
			logger.Warn("Lexical retrieval failed", zap.Error(lexErr))
		}
	}

	if denseErr != nil && (mode == models.ModeBasic || lexErr != nil) {
		code := apperr.CodeInternalError
		if errors.Is(denseErr, circuitbreaker.ErrCircuitOpen) || errors.Is(denseErr, circuitbreaker.ErrTooManyRequests) {
			code = apperr.CodeRateLimited
		}
		return nil, apperr.Wrap(code, "retrieval backends unavailable", denseErr)
	}

	if len(dense) == 0 && len(lexical) == 0 {
		return &retrievedSet{}, nil
	}

	fused := fuseRRF(dense, lexical)

	docs := make(map[string]*models.Document)
	filtered := fused[:0]
	for _, c := range fused {
		doc, ok := docs[c.DocumentID]
		if !ok {
			var err error
			doc, err = scope.Partition.GetDocument(ctx, c.DocumentID)
			if err != nil {
				continue
			}
			docs[c.DocumentID] = doc
		}
		if doc.State != models.DocReady {
			continue
		}
		filtered = append(filtered, c)
	}

	legs := 1
	if mode != models.ModeBasic {
		legs = 2
	}
	confidence := fusedConfidence(filtered, legs)

	if topK <= 0 {
		topK = e.cfg.TopK
	}
	if topK <= 0 {
		topK = 5
	}
	selected := capPerDocument(filtered, topK, e.cfg.MaxDocShare)

	ids := make([]string, len(selected))
	for i, c := range selected {
		ids[i] = c.ChunkID
	}
	rows, err := scope.Partition.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Drop hits whose chunk row no longer exists (stale vectors from a
	// version that was swapped out) and anything past the token budget.
	current := rows[:0]
	for _, row := range rows {
		if doc, ok := docs[row.DocumentID]; ok && row.Version == doc.CurrentVersion {
			current = append(current, row)
		}
	}

	if mode == models.ModeCustomized {
		if profile, perr := scope.Partition.ChunkingProfile(ctx); perr == nil && profile.Rerank {
			current = rerankByOverlap(current, question)
		}
	}
	current = fitBudget(current, e.cfg.TokenBudget)

	return &retrievedSet{
		chunks:     current,
		docs:       docs,
		confidence: confidence,
		fetched:    len(filtered),
	}, nil
}

func (e *Engine) denseLeg(ctx context.Context, scope *tenant.Scope, question string, categories []string, fetchK int) ([]ranked, error) {
	embedding, err := e.llm.GenerateEmbedding(ctx, question)
	if err != nil {
		return nil, err
	}

	var hits []milvus.SearchHit
	err = e.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, e.retryCfg, func() error {
			var serr error
			hits, serr = e.vector.Search(ctx, scope.VectorPartition(), embedding, fetchK, categories)
			return serr
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]ranked, len(hits))
	for i, h := range hits {
		out[i] = ranked{ChunkID: h.ChunkID, DocumentID: h.DocumentID}
	}
	return out, nil
}

func (e *Engine) lexicalLeg(ctx context.Context, scope *tenant.Scope, question string, categories []string, fetchK int) ([]ranked, error) {
	hits, err := scope.Partition.LexicalSearch(ctx, question, categories, fetchK)
	if err != nil {
		return nil, err
	}
	out := make([]ranked, len(hits))
	for i, h := range hits {
		out[i] = ranked{ChunkID: h.ChunkID, DocumentID: h.DocumentID}
	}
	return out, nil
}

// fusedConfidence normalizes the best fused score against the maximum
// a chunk ranked first in every leg would get, yielding a value in
// (0, 1] that abstention thresholds against.
func fusedConfidence(candidates []ranked, legs int) float64 {
	if len(candidates) == 0 || legs == 0 {
		return 0
	}
	best := candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score > best {
			best = c.Score
		}
	}
	max := float64(legs) / float64(rrfK+1)
	return best / max
}

func buildCitations(chunks []models.Chunk, docs map[string]*models.Document) []models.Citation {
	seen := make(map[string]bool)
	citations := make([]models.Citation, 0, len(chunks))
	for _, c := range chunks {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true

		citation := models.Citation{DocumentID: c.DocumentID, Snippet: snippet(c.Text)}
		if doc, ok := docs[c.DocumentID]; ok {
			citation.FileName = doc.FileName
			citation.Locator = doc.Locator
		}
		citations = append(citations, citation)
	}
	return citations
}

func snippet(text string) string {
	const maxLen = 200
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}

// finish stamps latency, records the interaction, and returns the
// response. Recording failures never surface to the caller.
func (e *Engine) finish(ctx context.Context, scope *tenant.Scope, principal *auth.Principal, question string, resp *AnswerResponse, usage llm.Usage, start time.Time) *AnswerResponse {
	resp.LatencyMS = int(time.Since(start).Milliseconds())

	if usage.PromptTokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	}

	resp.InteractionID = e.recorder.RecordInteraction(ctx, scope, &models.Interaction{
		UserID:     principal.User.ID,
		Question:   question,
		Answer:     resp.Answer,
		Citations:  resp.Citations,
		LatencyMS:  resp.LatencyMS,
		TokensIn:   usage.PromptTokens,
		TokensOut:  usage.CompletionTokens,
		Confidence: resp.Confidence,
	})

	e.recorder.RecordEvent(ctx, scope, principal.User.ID, models.EventQuery, map[string]interface{}{
		"interaction_id": resp.InteractionID,
		"abstained":      resp.Abstained,
		"blocked":        resp.Blocked,
		"confidence":     resp.Confidence,
		"latency_ms":     resp.LatencyMS,
	})
	return resp
}
