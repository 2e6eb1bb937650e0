package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raghub/backend/internal/storage/models"
)

func TestBuildPrompt(t *testing.T) {
	chunks := []models.Chunk{
		{DocumentID: "d1", Text: "Refunds take thirty days.", Metadata: models.ChunkMetadata{Section: "Returns"}},
		{DocumentID: "d2", Text: "Shipping is free over fifty dollars."},
	}
	docs := map[string]*models.Document{
		"d1": {ID: "d1", FileName: "policy.pdf"},
		"d2": {ID: "d2", FileName: "shipping.md"},
	}

	system, user := buildPrompt("what is the refund window?", chunks, docs, "")
	assert.Equal(t, defaultSystemPrompt, system)
	assert.Contains(t, user, "[Source 1] policy.pdf, section Returns:")
	assert.Contains(t, user, "[Source 2] shipping.md:")
	assert.Contains(t, user, "Refunds take thirty days.")
	assert.True(t, strings.HasSuffix(user, "Question: what is the refund window?"))
}

func TestBuildPromptTenantPreamble(t *testing.T) {
	system, _ := buildPrompt("q", nil, nil, "Answer in French.")
	assert.True(t, strings.HasPrefix(system, "Answer in French.\n\n"))
	// The grounding rules are never replaced, only prefixed.
	assert.Contains(t, system, "Answer ONLY from the provided context passages.")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, estimateTokens(""))
	assert.Equal(t, 2, estimateTokens("abcd"))
	assert.Equal(t, 26, estimateTokens(strings.Repeat("x", 100)))
}

func TestFitBudget(t *testing.T) {
	chunks := []models.Chunk{
		{ID: "a", Text: strings.Repeat("x", 400)}, // ~101 tokens
		{ID: "b", Text: strings.Repeat("y", 400)},
		{ID: "c", Text: strings.Repeat("z", 400)},
	}

	got := fitBudget(chunks, 250)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	// Zero budget disables the cutoff.
	assert.Len(t, fitBudget(chunks, 0), 3)

	// A budget smaller than the best chunk keeps nothing.
	assert.Empty(t, fitBudget(chunks, 50))
}

func TestRedactPII(t *testing.T) {
	in := "Contact jane.doe@example.com or call +1 (555) 123-4567. SSN 123-45-6789, card 4111 1111 1111 1111."
	out := redactPII(in)
	assert.NotContains(t, out, "jane.doe@example.com")
	assert.NotContains(t, out, "123-45-6789")
	assert.NotContains(t, out, "4111")
	assert.Contains(t, out, "[redacted email]")
	assert.Contains(t, out, "[redacted ssn]")

	// Plain prose passes through untouched.
	assert.Equal(t, "thirty day refund window", redactPII("thirty day refund window"))
}
