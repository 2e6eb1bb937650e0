package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raghub/backend/internal/storage/models"
)

func seedReadyDocument(t *testing.T, p *Partition, name string) *models.Document {
	t.Helper()
	ctx := context.Background()
	cat, err := p.CreateCategory(ctx, "cat-"+name)
	require.NoError(t, err)
	doc, err := p.CreateDocument(ctx, &models.Document{
		CategoryID: cat.ID,
		FileName:   name,
		Locator:    "tenants/t1/" + name,
	})
	require.NoError(t, err)
	require.NoError(t, p.TransitionDocument(ctx, doc.ID, models.DocIngesting, ""))
	return doc
}

func makeChunks(doc *models.Document, version, n int, texts ...string) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		text := fmt.Sprintf("chunk %d of %s", i, doc.FileName)
		if i < len(texts) {
			text = texts[i]
		}
		chunks[i] = models.Chunk{
			ID:         fmt.Sprintf("%s-v%d-c%d", doc.ID, version, i),
			DocumentID: doc.ID,
			CategoryID: doc.CategoryID,
			Version:    version,
			Ordinal:    i,
			Text:       text,
			TextHash:   fmt.Sprintf("h%d", i),
			Embedding:  []float32{0.1, 0.2, 0.3},
			Metadata:   models.ChunkMetadata{Page: i + 1, TotalChunks: n},
		}
	}
	return chunks
}

func TestCommitChunkVersionSwapsAtomically(t *testing.T) {
	p := openTestPartition(t)
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "guide.txt")

	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 3)))

	got, err := p.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocReady, got.State)
	assert.Equal(t, 1, got.CurrentVersion)

	v1, err := p.ListChunks(ctx, doc.ID, 1)
	require.NoError(t, err)
	require.Len(t, v1, 3)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v1[0].Embedding)
	assert.Equal(t, 1, v1[0].Metadata.Page)

	// Re-ingest: committing version 2 removes every version 1 row.
	require.NoError(t, p.TransitionDocument(ctx, doc.ID, models.DocIngesting, ""))
	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 2, makeChunks(doc, 2, 2)))

	got, err = p.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentVersion)

	v1, err = p.ListChunks(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, v1)
	v2, err := p.ListChunks(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.Len(t, v2, 2)
}

func TestDiscardChunkVersion(t *testing.T) {
	p := openTestPartition(t)
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "draft.txt")

	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 2)))

	// A failed re-ingestion leaves version 2 rows behind only until the
	// pipeline discards them; version 1 stays servable throughout.
	require.NoError(t, p.TransitionDocument(ctx, doc.ID, models.DocIngesting, ""))
	tx, err := p.begin()
	require.NoError(t, err)
	for _, c := range makeChunks(doc, 2, 2) {
		_, err = tx.Exec(
			`INSERT INTO chunks (id, document_id, category_id, version, ordinal, text, text_hash, embedding, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			c.ID, c.DocumentID, c.CategoryID, c.Version, c.Ordinal, c.Text, c.TextHash, "[]", "{}")
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	require.NoError(t, p.DiscardChunkVersion(ctx, doc.ID, 2))

	v2, err := p.ListChunks(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, v2)
	v1, err := p.ListChunks(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Len(t, v1, 2)

	got, err := p.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentVersion)
}

func TestGetChunksPreservesRequestOrder(t *testing.T) {
	p := openTestPartition(t)
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "ordered.txt")
	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 3)))

	ids := []string{
		doc.ID + "-v1-c2",
		doc.ID + "-v1-c0",
		"missing",
	}
	got, err := p.GetChunks(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Ordinal)
	assert.Equal(t, 0, got[1].Ordinal)

	got, err = p.GetChunks(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLexicalSearch(t *testing.T) {
	p := openTestPartition(t)
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "faq.txt")

	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 3,
		"refunds are processed within thirty days",
		"shipping is free above fifty dollars",
		"the refund form lives on the portal",
	)))

	hits, err := p.LexicalSearch(ctx, "refund", []string{doc.CategoryID}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, doc.ID, h.DocumentID)
	}

	// Out-of-scope category sees nothing.
	hits, err = p.LexicalSearch(ctx, "refund", []string{"other"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Blank queries and empty scopes short-circuit.
	hits, err = p.LexicalSearch(ctx, "   ", []string{doc.CategoryID}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = p.LexicalSearch(ctx, "refund", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalSearchQuotesOperators(t *testing.T) {
	p := openTestPartition(t)
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "ops.txt")
	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 1,
		"escalation policy for production incidents",
	)))

	// FTS5 operators in user input must not produce a syntax error.
	for _, q := range []string{`policy AND NOT`, `"policy`, `policy*`, `(policy)`} {
		_, err := p.LexicalSearch(ctx, q, []string{doc.CategoryID}, 10)
		assert.NoError(t, err, "query %q", q)
	}
}

// Binaries built without -tags sqlite_fts5 serve lexical search from a
// term scan over the chunks table; this forces that path regardless of
// how the test binary was built.
func TestLexicalSearchScanFallback(t *testing.T) {
	p := openTestPartition(t)
	p.fts5 = false
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "faq.txt")

	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 3,
		"refunds are processed within thirty days",
		"shipping is free above fifty dollars",
		"the refund window for shipping damage is ninety days",
	)))

	hits, err := p.LexicalSearch(ctx, "refund shipping", []string{doc.CategoryID}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// The chunk matching both terms outranks single-term matches.
	assert.Equal(t, doc.ID+"-v1-c2", hits[0].ChunkID)
	assert.Less(t, hits[0].Rank, hits[1].Rank)

	hits, err = p.LexicalSearch(ctx, "refund", []string{"other"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSoftDeleteRemovesChunks(t *testing.T) {
	p := openTestPartition(t)
	ctx := context.Background()
	doc := seedReadyDocument(t, p, "gone.txt")
	require.NoError(t, p.CommitChunkVersion(ctx, doc.ID, 1, makeChunks(doc, 1, 2,
		"tax treatment of stock grants",
	)))

	require.NoError(t, p.SoftDeleteDocument(ctx, doc.ID))

	got, err := p.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocDeleted, got.State)

	chunks, err := p.ListChunks(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	hits, err := p.LexicalSearch(ctx, "tax", []string{doc.CategoryID}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Deleting twice is idempotent.
	require.NoError(t, p.SoftDeleteDocument(ctx, doc.ID))

	// Deleted documents disappear from listings.
	docs, err := p.ListDocuments(ctx, []string{doc.CategoryID})
	require.NoError(t, err)
	assert.Empty(t, docs)
}
