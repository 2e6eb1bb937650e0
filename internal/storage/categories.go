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

func (p *Partition) CreateCategory(ctx context.Context, name string) (*models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.CodeInternalError, "category name is required")
	}

	cat := &models.Category{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, created_at) VALUES (?, ?, ?)`,
		cat.ID, cat.Name, cat.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, apperr.Newf(apperr.CodeCategoryInUse, "category %q already exists", name)
		}
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	return cat, nil
}

func (p *Partition) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	var cat models.Category
	var created int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM categories WHERE id = ?`, id,
	).Scan(&cat.ID, &cat.Name, &created)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeObjectNotFound, "category %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	cat.CreatedAt = time.Unix(created, 0)
	return &cat, nil
}

func (p *Partition) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var cats []models.Category
	for rows.Next() {
		var cat models.Category
		var created int64
		if err := rows.Scan(&cat.ID, &cat.Name, &created); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		cat.CreatedAt = time.Unix(created, 0)
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

// DeleteCategory refuses while any non-deleted document still
// references the category; documents must be soft-deleted first.
func (p *Partition) DeleteCategory(ctx context.Context, id string) error {
	if _, err := p.GetCategory(ctx, id); err != nil {
		return err
	}

	var inUse int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE category_id = ? AND state != ?`,
		id, string(models.DocDeleted),
	).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("failed to count category documents: %w", err)
	}
	if inUse > 0 {
		return apperr.Newf(apperr.CodeCategoryInUse, "category has %d active documents", inUse)
	}

	tx, err := p.begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Soft-deleted document rows still reference the category; they
	// must go first or the category delete trips the foreign key.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE category_id = ?)`, id); err != nil {
		return fmt.Errorf("failed to purge category chunks: %w", err)
	}
	if p.fts5 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE category_id = ?`, id); err != nil {
			return fmt.Errorf("failed to purge category lexical rows: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE category_id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge deleted documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_categories WHERE category_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear category assignments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	return tx.Commit()
}
