package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raghub/backend/internal/retrieval"
	"github.com/raghub/backend/internal/storage/models"
)

func TestQueryRequestCategoryFilter(t *testing.T) {
	// Either spelling alone works.
	req := queryRequest{CategoryIDs: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, req.categoryFilter())

	req = queryRequest{Filters: queryFilters{CategoryIDs: []string{"c"}}}
	assert.Equal(t, []string{"c"}, req.categoryFilter())

	// Both together merge without duplicates.
	req = queryRequest{
		CategoryIDs: []string{"a", "b"},
		Filters:     queryFilters{CategoryIDs: []string{"b", "c"}},
	}
	assert.Equal(t, []string{"a", "b", "c"}, req.categoryFilter())

	assert.Nil(t, queryRequest{}.categoryFilter())
}

func TestToQueryResponseShape(t *testing.T) {
	resp := toQueryResponse(&retrieval.AnswerResponse{
		InteractionID: "int-1",
		Answer:        "forty five days",
		Citations:     []models.Citation{{DocumentID: "d1", FileName: "policy.pdf"}},
		Confidence:    0.82,
		Retrieved:     7,
		Used:          3,
		LatencyMS:     412,
		Blocked:       true,
		Reason:        "content_filter",
	})

	assert.Equal(t, "int-1", resp.InteractionID)
	assert.Equal(t, 412, resp.Metrics.LatencyMS)
	assert.Equal(t, 7, resp.Metrics.Retrieved)
	assert.Equal(t, 3, resp.Metrics.Used)
	assert.InDelta(t, 0.82, resp.Metrics.Confidence, 1e-9)
	assert.True(t, resp.Guardrail.Blocked)
	assert.Equal(t, "content_filter", resp.Guardrail.Reason)
}
