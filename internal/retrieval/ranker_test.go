package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raghub/backend/internal/storage/models"
)

func TestFuseRRFSingleLeg(t *testing.T) {
	dense := []ranked{
		{ChunkID: "a", DocumentID: "d1"},
		{ChunkID: "b", DocumentID: "d1"},
		{ChunkID: "c", DocumentID: "d2"},
	}
	fused := fuseRRF(dense)
	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].ChunkID)
	assert.Equal(t, "b", fused[1].ChunkID)
	assert.Equal(t, "c", fused[2].ChunkID)
	assert.InDelta(t, 1.0/61.0, fused[0].Score, 1e-9)
	assert.Greater(t, fused[0].Score, fused[1].Score)
}

func TestFuseRRFBothLegsBoostSharedHits(t *testing.T) {
	dense := []ranked{
		{ChunkID: "a", DocumentID: "d1"},
		{ChunkID: "b", DocumentID: "d1"},
	}
	lexical := []ranked{
		{ChunkID: "b", DocumentID: "d1"},
		{ChunkID: "c", DocumentID: "d2"},
	}
	fused := fuseRRF(dense, lexical)
	require.Len(t, fused, 3)

	// b appears in both legs, so it outranks either leg's solo top hit.
	assert.Equal(t, "b", fused[0].ChunkID)
	assert.InDelta(t, 1.0/62.0+1.0/61.0, fused[0].Score, 1e-9)
	assert.Equal(t, "a", fused[1].ChunkID)
	assert.Equal(t, "c", fused[2].ChunkID)
}

func TestFuseRRFTiesKeepFirstSeenOrder(t *testing.T) {
	dense := []ranked{{ChunkID: "a", DocumentID: "d1"}}
	lexical := []ranked{{ChunkID: "z", DocumentID: "d2"}}
	fused := fuseRRF(dense, lexical)
	require.Len(t, fused, 2)
	// Equal scores: the dense leg was passed first, so it wins the tie.
	assert.Equal(t, "a", fused[0].ChunkID)
	assert.Equal(t, "z", fused[1].ChunkID)
}

func TestFuseRRFEmpty(t *testing.T) {
	assert.Empty(t, fuseRRF(nil, nil))
	assert.Empty(t, fuseRRF())
}

func TestCapPerDocument(t *testing.T) {
	candidates := []ranked{
		{ChunkID: "a1", DocumentID: "a"},
		{ChunkID: "a2", DocumentID: "a"},
		{ChunkID: "a3", DocumentID: "a"},
		{ChunkID: "b1", DocumentID: "b"},
		{ChunkID: "c1", DocumentID: "c"},
	}

	// topK=4, share 0.5: two per document at most.
	got := capPerDocument(candidates, 4, 0.5)
	require.Len(t, got, 4)
	assert.Equal(t, "a1", got[0].ChunkID)
	assert.Equal(t, "a2", got[1].ChunkID)
	assert.Equal(t, "b1", got[2].ChunkID)
	assert.Equal(t, "c1", got[3].ChunkID)
}

func TestCapPerDocumentRelaxesWhenPoolIsShallow(t *testing.T) {
	candidates := []ranked{
		{ChunkID: "a1", DocumentID: "a"},
		{ChunkID: "a2", DocumentID: "a"},
		{ChunkID: "a3", DocumentID: "a"},
	}
	// The cap allows one chunk from document a, but nothing else exists:
	// overflow fills the remaining slots rather than returning one result.
	got := capPerDocument(candidates, 3, 0.3)
	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0].ChunkID)
}

func TestCapPerDocumentTruncatesToTopK(t *testing.T) {
	candidates := []ranked{
		{ChunkID: "a1", DocumentID: "a"},
		{ChunkID: "b1", DocumentID: "b"},
		{ChunkID: "c1", DocumentID: "c"},
	}
	got := capPerDocument(candidates, 2, 1.0)
	require.Len(t, got, 2)

	assert.Nil(t, capPerDocument(candidates, 0, 1.0))
	assert.Nil(t, capPerDocument(nil, 5, 1.0))
}

func TestRerankByOverlapOrdersByTermCount(t *testing.T) {
	chunks := []models.Chunk{
		{ID: "a", Text: "Shipping rates for domestic orders"},
		{ID: "b", Text: "Refund windows and store credit"},
		{ID: "c", Text: "Refund requests for domestic orders ship back free"},
	}

	got := rerankByOverlap(chunks, "refund domestic orders")
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "b", got[2].ID)
}

func TestRerankByOverlapNoTerms(t *testing.T) {
	chunks := []models.Chunk{{ID: "a"}, {ID: "b"}}
	got := rerankByOverlap(chunks, "   ")
	assert.Equal(t, chunks, got)
}
