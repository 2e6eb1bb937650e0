package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raghub/backend/internal/auth"
	"github.com/raghub/backend/internal/history"
	"github.com/raghub/backend/internal/llm"
	"github.com/raghub/backend/internal/storage"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/internal/vector/milvus"
	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/config"
)

type fakeLLM struct {
	answer      string
	blocked     bool
	completeErr error
	lastRequest llm.CompletionRequest
}

func (f *fakeLLM) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.lastRequest = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	if f.blocked {
		return &llm.CompletionResponse{Blocked: true, Reason: "content_filter"}, nil
	}
	return &llm.CompletionResponse{
		Content: f.answer,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}, nil
}

type fakeSearcher struct {
	hits []milvus.SearchHit
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, partition string, emb []float32, topK int, categoryIDs []string) ([]milvus.SearchHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type engineFixture struct {
	scope     *tenant.Scope
	principal *auth.Principal
	llm       *fakeLLM
	searcher  *fakeSearcher
	engine    *Engine
	doc       *models.Document
	chunkIDs  []string
}

func defaultRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:          5,
		FetchK:        20,
		TokenBudget:   2000,
		MinConfidence: 0.3,
		MaxDocShare:   0.6,
	}
}

// newEngineFixture provisions a partition with one ready document whose
// chunks are committed at version 1, and a principal scoped to its
// category.
func newEngineFixture(t *testing.T, cfg config.RetrievalConfig) *engineFixture {
	t.Helper()
	ctx := context.Background()

	part, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { part.Close() })
	scope := &tenant.Scope{
		Tenant:    &models.Tenant{ID: "t1", DefaultMode: models.ModeBasic},
		Partition: part,
	}

	cat, err := part.CreateCategory(ctx, "kb")
	require.NoError(t, err)
	doc, err := part.CreateDocument(ctx, &models.Document{
		CategoryID: cat.ID,
		FileName:   "policy.txt",
		Locator:    "tenants/t1/kb/policy.txt",
	})
	require.NoError(t, err)
	require.NoError(t, part.TransitionDocument(ctx, doc.ID, models.DocIngesting, ""))

	texts := []string{
		"refunds are processed within thirty days of purchase",
		"shipping is free for orders above fifty dollars",
		"gift cards are final sale and cannot be refunded",
	}
	chunks := make([]models.Chunk, len(texts))
	ids := make([]string, len(texts))
	for i, text := range texts {
		ids[i] = fmt.Sprintf("chunk-%d", i)
		chunks[i] = models.Chunk{
			ID:         ids[i],
			DocumentID: doc.ID,
			CategoryID: cat.ID,
			Version:    1,
			Ordinal:    i,
			Text:       text,
			TextHash:   fmt.Sprintf("h%d", i),
			Embedding:  []float32{0.1, 0.2, 0.3},
		}
	}
	require.NoError(t, part.CommitChunkVersion(ctx, doc.ID, 1, chunks))

	user, err := part.CreateUser(ctx, "user@example.com", models.RoleUser)
	require.NoError(t, err)
	require.NoError(t, part.AssignCategories(ctx, user.ID, []string{cat.ID}))

	llmClient := &fakeLLM{answer: "Refunds take thirty days."}
	searcher := &fakeSearcher{}
	for i, id := range ids {
		searcher.hits = append(searcher.hits, milvus.SearchHit{
			ChunkID:    id,
			DocumentID: doc.ID,
			Version:    1,
			Score:      1.0 - float32(i)*0.1,
		})
	}

	return &engineFixture{
		scope: scope,
		principal: &auth.Principal{
			User:       &models.User{ID: user.ID, Role: models.RoleUser},
			Categories: []string{cat.ID},
			Mode:       models.ModeBasic,
		},
		llm:      llmClient,
		searcher: searcher,
		engine:   NewEngine(llmClient, searcher, history.NewRecorder(), cfg),
		doc:      doc,
		chunkIDs: ids,
	}
}

func TestAnswerHappyPath(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	ctx := context.Background()

	resp, err := f.engine.Answer(ctx, f.scope, f.principal, AnswerRequest{Question: "how long do refunds take?"})
	require.NoError(t, err)

	assert.Equal(t, "Refunds take thirty days.", resp.Answer)
	assert.False(t, resp.Abstained)
	assert.False(t, resp.Blocked)
	assert.NotEmpty(t, resp.InteractionID)
	assert.InDelta(t, 1.0, resp.Confidence, 1e-9)
	assert.Equal(t, 3, resp.Retrieved)
	assert.Equal(t, 3, resp.Used)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, f.doc.ID, resp.Citations[0].DocumentID)
	assert.Equal(t, "policy.txt", resp.Citations[0].FileName)
	assert.NotEmpty(t, resp.Citations[0].Snippet)

	// The context passages made it into the prompt.
	assert.Contains(t, f.llm.lastRequest.UserPrompt, "[Source 1] policy.txt")
	assert.Contains(t, f.llm.lastRequest.UserPrompt, "thirty days of purchase")

	// The interaction is queryable from history.
	interactions, err := history.NewRecorder().Interactions(ctx, f.scope, f.principal.User.ID, 10)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, resp.InteractionID, interactions[0].ID)
	assert.Equal(t, 100, interactions[0].TokensIn)
	assert.Equal(t, 20, interactions[0].TokensOut)
}

func TestAnswerAbstainsWithoutHits(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.searcher.hits = nil

	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "anything?"})
	require.NoError(t, err)
	assert.True(t, resp.Abstained)
	assert.Equal(t, AbstainAnswer, resp.Answer)
	assert.Empty(t, resp.Citations)
	assert.Zero(t, resp.Confidence)
	assert.NotEmpty(t, resp.InteractionID)
}

func TestAnswerAbstainsBelowConfidenceThreshold(t *testing.T) {
	cfg := defaultRetrievalConfig()
	cfg.MinConfidence = 1.1 // nothing can reach this
	f := newEngineFixture(t, cfg)

	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Abstained)
	assert.Equal(t, AbstainAnswer, resp.Answer)
}

func TestAnswerBlockedCompletion(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.llm.blocked = true

	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Blocked)
	assert.False(t, resp.Abstained)
	assert.Equal(t, BlockedAnswer, resp.Answer)
	assert.Equal(t, "content_filter", resp.Reason)
	assert.Empty(t, resp.Citations)
}

func TestAnswerValidation(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	ctx := context.Background()

	_, err := f.engine.Answer(ctx, f.scope, f.principal, AnswerRequest{})
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidArgument))

	// Categories outside the caller's scope fail before any search.
	_, err = f.engine.Answer(ctx, f.scope, f.principal, AnswerRequest{
		Question:    "q",
		CategoryIDs: []string{"not-mine"},
	})
	assert.True(t, apperr.IsCode(err, apperr.CodeNoCategoryAccess))

	// A principal with no categories cannot query at all.
	empty := &auth.Principal{User: f.principal.User, Mode: models.ModeBasic}
	_, err = f.engine.Answer(ctx, f.scope, empty, AnswerRequest{Question: "q"})
	assert.True(t, apperr.IsCode(err, apperr.CodeNoCategoryAccess))
}

func TestAnswerGenerationFailure(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.llm.completeErr = errors.New("provider exploded")

	_, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "q"})
	assert.True(t, apperr.IsCode(err, apperr.CodeInternalError))
}

func TestAnswerFiltersStaleVectors(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	ctx := context.Background()

	// Commit version 2 with different chunk IDs; the searcher still
	// returns version 1 hits, as a vector store that was not yet pruned
	// would.
	require.NoError(t, f.scope.Partition.TransitionDocument(ctx, f.doc.ID, models.DocIngesting, ""))
	v2 := []models.Chunk{{
		ID:         "chunk-v2-0",
		DocumentID: f.doc.ID,
		CategoryID: f.doc.CategoryID,
		Version:    2,
		Ordinal:    0,
		Text:       "entirely new content",
		TextHash:   "h-v2",
		Embedding:  []float32{0.1, 0.2, 0.3},
	}}
	require.NoError(t, f.scope.Partition.CommitChunkVersion(ctx, f.doc.ID, 2, v2))

	resp, err := f.engine.Answer(ctx, f.scope, f.principal, AnswerRequest{Question: "q"})
	require.NoError(t, err)
	// Every hit resolved to a swapped-out chunk row, so nothing survives
	// and the engine abstains instead of answering from stale text.
	assert.True(t, resp.Abstained)
}

func TestAnswerSkipsUnreadyDocuments(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	ctx := context.Background()

	require.NoError(t, f.scope.Partition.SoftDeleteDocument(ctx, f.doc.ID))

	resp, err := f.engine.Answer(ctx, f.scope, f.principal, AnswerRequest{Question: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Abstained)
}

func TestAnswerAdvancedModeUsesLexicalLeg(t *testing.T) {
	cfg := defaultRetrievalConfig()
	f := newEngineFixture(t, cfg)
	f.principal.Mode = models.ModeAdvanced
	f.searcher.err = errors.New("vector store down")

	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "refunds"})
	require.NoError(t, err)
	// The lexical leg alone carries the answer when the dense leg fails.
	assert.False(t, resp.Abstained)
	assert.Equal(t, "Refunds take thirty days.", resp.Answer)
}

func TestAnswerBasicModeIsDenseOnly(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.searcher.hits = nil

	// Basic mode never runs the lexical leg, so an empty dense result
	// abstains even though the index would match the terms.
	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "refunds"})
	require.NoError(t, err)
	assert.True(t, resp.Abstained)
}

func TestAnswerSurfacesVectorOutage(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.searcher.err = errors.New("milvus: connection refused")

	// Basic mode has no surviving leg, so the outage is an infra error,
	// not a confident-sounding abstention.
	_, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "refunds"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInternalError))
}

func TestAnswerRequestModeOverridesPrincipal(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.searcher.err = errors.New("vector store down")

	// The principal is basic, but the request asks for advanced, whose
	// lexical leg keeps the query alive through the dense outage.
	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{
		Question: "refunds",
		Mode:     models.ModeAdvanced,
	})
	require.NoError(t, err)
	assert.False(t, resp.Abstained)
	assert.Equal(t, "Refunds take thirty days.", resp.Answer)
}

func TestAnswerRequestTopKLimitsContext(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())

	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{
		Question: "how long do refunds take?",
		TopK:     1,
	})
	require.NoError(t, err)
	assert.False(t, resp.Abstained)
	assert.Equal(t, 1, resp.Used)
}

func TestAnswerRedactsPII(t *testing.T) {
	cfg := defaultRetrievalConfig()
	cfg.RedactPII = true
	f := newEngineFixture(t, cfg)
	f.llm.answer = "Contact jane@example.com for refunds."

	resp, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "q"})
	require.NoError(t, err)
	assert.NotContains(t, resp.Answer, "jane@example.com")
	assert.Contains(t, resp.Answer, "[redacted email]")
}

func TestAnswerCustomizedModeTenantPrompt(t *testing.T) {
	f := newEngineFixture(t, defaultRetrievalConfig())
	f.principal.Mode = models.ModeCustomized
	require.NoError(t, f.scope.Partition.SetChunkingProfile(context.Background(), &models.ChunkingProfile{
		WindowSize:   800,
		Overlap:      80,
		SystemPrompt: "Answer in French.",
	}))

	_, err := f.engine.Answer(context.Background(), f.scope, f.principal, AnswerRequest{Question: "refunds"})
	require.NoError(t, err)
	assert.Contains(t, f.llm.lastRequest.SystemPrompt, "Answer in French.")
}
