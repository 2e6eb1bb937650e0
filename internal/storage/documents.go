package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
)

func (p *Partition) CreateDocument(ctx context.Context, doc *models.Document) (*models.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.State == "" {
		doc.State = models.DocUploaded
	}
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if _, err := p.GetCategory(ctx, doc.CategoryID); err != nil {
		return nil, err
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO documents
			(id, category_id, file_name, locator, content_hash, size, mime, state, current_version, diagnostic, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.CategoryID, doc.FileName, doc.Locator, doc.ContentHash,
		doc.Size, doc.Mime, string(doc.State), doc.CurrentVersion, doc.Diagnostic,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

func scanDocument(row interface{ Scan(...interface{}) error }) (*models.Document, error) {
	var doc models.Document
	var state string
	var created, updated int64
	err := row.Scan(&doc.ID, &doc.CategoryID, &doc.FileName, &doc.Locator,
		&doc.ContentHash, &doc.Size, &doc.Mime, &state, &doc.CurrentVersion,
		&doc.Diagnostic, &created, &updated)
	if err != nil {
		return nil, err
	}
	doc.State = models.DocumentState(state)
	doc.CreatedAt = time.Unix(created, 0)
	doc.UpdatedAt = time.Unix(updated, 0)
	return &doc, nil
}

const documentColumns = `id, category_id, file_name, locator, content_hash, size, mime, state, current_version, diagnostic, created_at, updated_at`

func (p *Partition) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeObjectNotFound, "document %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns non-deleted documents in the given categories.
func (p *Partition) ListDocuments(ctx context.Context, categoryIDs []string) ([]models.Document, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(categoryIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(categoryIDs)+1)
	for _, id := range categoryIDs {
		args = append(args, id)
	}
	args = append(args, string(models.DocDeleted))

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE category_id IN (`+placeholders+`) AND state != ?
		 ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// TransitionDocument moves the document through its lifecycle state
// machine, rejecting transitions the machine does not permit.
func (p *Partition) TransitionDocument(ctx context.Context, id string, to models.DocumentState, diagnostic string) error {
	doc, err := p.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !doc.State.CanTransition(to) {
		return apperr.Newf(apperr.CodeIngestFailed, "illegal state transition %s -> %s", doc.State, to)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE documents SET state = ?, diagnostic = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), diagnostic, time.Now().Unix(), id, string(doc.State))
	if err != nil {
		return fmt.Errorf("failed to transition document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a race with a concurrent transition
		return apperr.Newf(apperr.CodeIngestFailed, "document %s changed state concurrently", id)
	}
	return nil
}

// SetContentHash records the hash of the document's extracted text so
// a re-ingestion of byte-identical content can be skipped.
func (p *Partition) SetContentHash(ctx context.Context, id, hash string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE documents SET content_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set content hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeObjectNotFound, "document %s not found", id)
	}
	return nil
}

// SoftDeleteDocument marks the document deleted and destroys its chunks
// in the same transaction so none remain retrievable.
func (p *Partition) SoftDeleteDocument(ctx context.Context, id string) error {
	doc, err := p.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.State == models.DocDeleted {
		return nil
	}
	if !doc.State.CanTransition(models.DocDeleted) {
		return apperr.Newf(apperr.CodeIngestFailed, "cannot delete document in state %s", doc.State)
	}

	tx, err := p.begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET state = ?, updated_at = ? WHERE id = ?`,
		string(models.DocDeleted), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark document deleted: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if p.fts5 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete lexical rows: %w", err)
		}
	}
	return tx.Commit()
}
