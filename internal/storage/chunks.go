package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/raghub/backend/internal/storage/models"
)

func encodeEmbedding(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(vec)
	return string(b)
}

func decodeEmbedding(raw string) []float32 {
	if raw == "" {
		return nil
	}
	var v []float32
	_ = json.Unmarshal([]byte(raw), &v)
	return v
}

// CommitChunkVersion atomically swaps a document's chunk set: the new
// version's rows are inserted, current_version is flipped, the document
// becomes ready, and the superseded version's rows are removed, all in
// one transaction. A concurrent reader sees either the fully old or the
// fully new version, never a mix.
func (p *Partition) CommitChunkVersion(ctx context.Context, documentID string, version int, chunks []models.Chunk) error {
	tx, err := p.begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks
				(id, document_id, category_id, version, ordinal, text, text_hash, embedding, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.CategoryID, version, c.Ordinal,
			c.Text, c.TextHash, encodeEmbedding(c.Embedding), c.Metadata.Marshal(), now,
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Ordinal, err)
		}
		if p.fts5 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks_fts (text, chunk_id, document_id, category_id, version)
				 VALUES (?, ?, ?, ?, ?)`,
				c.Text, c.ID, c.DocumentID, c.CategoryID, version,
			); err != nil {
				return fmt.Errorf("failed to index chunk %d: %w", c.Ordinal, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET current_version = ?, state = ?, diagnostic = '', updated_at = ? WHERE id = ?`,
		version, string(models.DocReady), now, documentID,
	); err != nil {
		return fmt.Errorf("failed to flip chunk version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND version != ?`, documentID, version,
	); err != nil {
		return fmt.Errorf("failed to drop stale chunks: %w", err)
	}
	if p.fts5 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE document_id = ? AND version != ?`, documentID, version,
		); err != nil {
			return fmt.Errorf("failed to drop stale lexical rows: %w", err)
		}
	}

	return tx.Commit()
}

// DiscardChunkVersion removes an uncommitted version's rows after a
// range failure so no partially written version is ever servable.
func (p *Partition) DiscardChunkVersion(ctx context.Context, documentID string, version int) error {
	tx, err := p.begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND version = ?`, documentID, version); err != nil {
		return fmt.Errorf("failed to discard chunks: %w", err)
	}
	if p.fts5 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE document_id = ? AND version = ?`, documentID, version); err != nil {
			return fmt.Errorf("failed to discard lexical rows: %w", err)
		}
	}
	return tx.Commit()
}

const chunkColumns = `id, document_id, category_id, version, ordinal, text, text_hash, embedding, metadata, created_at`

func scanChunk(row interface{ Scan(...interface{}) error }) (*models.Chunk, error) {
	var c models.Chunk
	var embedding, metadata string
	var created int64
	err := row.Scan(&c.ID, &c.DocumentID, &c.CategoryID, &c.Version, &c.Ordinal,
		&c.Text, &c.TextHash, &embedding, &metadata, &created)
	if err != nil {
		return nil, err
	}
	c.Embedding = decodeEmbedding(embedding)
	c.Metadata = models.UnmarshalChunkMetadata(metadata)
	c.CreatedAt = time.Unix(created, 0)
	return &c, nil
}

// ListChunks returns the chunks of one document version in ordinal order.
func (p *Partition) ListChunks(ctx context.Context, documentID string, version int) ([]models.Chunk, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? AND version = ? ORDER BY ordinal`,
		documentID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// GetChunks resolves chunk IDs to full rows; missing IDs are skipped.
func (p *Partition) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		byID[c.ID] = *c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// LexicalHit is one sparse-match candidate from the FTS index.
type LexicalHit struct {
	ChunkID    string
	DocumentID string
	Rank       float64 // bm25, lower is better
}

// LexicalSearch runs the sparse leg of hybrid retrieval over the FTS5
// index, restricted to the given category scope. Without FTS5 compiled
// in it degrades to a term scan over the chunks table.
func (p *Partition) LexicalSearch(ctx context.Context, query string, categoryIDs []string, limit int) ([]LexicalHit, error) {
	if strings.TrimSpace(query) == "" || len(categoryIDs) == 0 {
		return nil, nil
	}
	if !p.fts5 {
		return p.lexicalScan(ctx, query, categoryIDs, limit)
	}

	placeholders := strings.Repeat("?,", len(categoryIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []interface{}{ftsQuery(query)}
	for _, id := range categoryIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx,
		`SELECT chunk_id, document_id, bm25(chunks_fts) AS rank
		 FROM chunks_fts
		 WHERE chunks_fts MATCH ? AND category_id IN (`+placeholders+`)
		 ORDER BY rank LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed lexical search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// lexicalScan is the FTS5-less fallback: substring term matching over
// the chunks table, ranked by how many query terms a chunk contains.
// The rank is negated so lower stays better, matching bm25.
func (p *Partition) lexicalScan(ctx context.Context, query string, categoryIDs []string, limit int) ([]LexicalHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	matched := make([]string, len(terms))
	args := make([]interface{}, 0, len(terms)+len(categoryIDs)+1)
	for i, term := range terms {
		matched[i] = `(instr(lower(text), ?) > 0)`
		args = append(args, term)
	}
	score := strings.Join(matched, " + ")

	placeholders := strings.Repeat("?,", len(categoryIDs))
	placeholders = placeholders[:len(placeholders)-1]
	for _, id := range categoryIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, document_id, matched FROM (
			SELECT id, document_id, `+score+` AS matched
			FROM chunks
			WHERE category_id IN (`+placeholders+`)
		 ) WHERE matched > 0
		 ORDER BY matched DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed lexical scan: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		var count int
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		h.Rank = -float64(count)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'.,;:!?()`)
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

// ftsQuery quotes each term so user input cannot inject FTS5 operators.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}
