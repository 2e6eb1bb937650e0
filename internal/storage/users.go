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

func (p *Partition) CreateUser(ctx context.Context, email string, role models.Role) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.New(apperr.CodeInternalError, "email is required")
	}

	user := &models.User{
		ID:        uuid.New().String(),
		Email:     email,
		Role:      role,
		CreatedAt: time.Now(),
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, email, role, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, string(user.Role), user.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (p *Partition) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	var role string
	var created int64
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, role, mode_override, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Email, &role, &user.ModeOverride, &created)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeObjectNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Role = models.Role(role)
	user.CreatedAt = time.Unix(created, 0)

	cats, err := p.UserCategories(ctx, id)
	if err != nil {
		return nil, err
	}
	user.CategoryIDs = cats
	return &user, nil
}

func (p *Partition) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, email, role, mode_override, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		var role string
		var created int64
		if err := rows.Scan(&user.ID, &user.Email, &role, &user.ModeOverride, &created); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.Role = models.Role(role)
		user.CreatedAt = time.Unix(created, 0)
		users = append(users, user)
	}
	return users, rows.Err()
}

// UserCategories reads the join table, the single source of truth for
// category assignment. Authorization always goes through here; nothing
// caches the result past one request.
func (p *Partition) UserCategories(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT category_id FROM user_categories WHERE user_id = ? ORDER BY category_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user categories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan category id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignCategories replaces the user's category set in one transaction.
func (p *Partition) AssignCategories(ctx context.Context, userID string, categoryIDs []string) error {
	if _, err := p.GetUser(ctx, userID); err != nil {
		return err
	}
	for _, cid := range categoryIDs {
		if _, err := p.GetCategory(ctx, cid); err != nil {
			return err
		}
	}

	tx, err := p.begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_categories WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear assignments: %w", err)
	}
	for _, cid := range categoryIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_categories (user_id, category_id) VALUES (?, ?)`, userID, cid); err != nil {
			return fmt.Errorf("failed to assign category: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Partition) countAdmins(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE role = ?`, string(models.RoleAdmin)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return n, nil
}

// SetUserRole refuses to demote the tenant's only remaining admin.
func (p *Partition) SetUserRole(ctx context.Context, userID string, role models.Role) error {
	user, err := p.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role == models.RoleAdmin && role != models.RoleAdmin {
		admins, err := p.countAdmins(ctx)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return apperr.New(apperr.CodeLastAdminForbidden, "cannot demote the last admin")
		}
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE id = ?`, string(role), userID); err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return nil
}

// DeleteUser refuses to delete the tenant's only remaining admin, even
// when no other users exist at all.
func (p *Partition) DeleteUser(ctx context.Context, userID string) error {
	user, err := p.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role == models.RoleAdmin {
		admins, err := p.countAdmins(ctx)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return apperr.New(apperr.CodeLastAdminForbidden, "cannot delete the last admin")
		}
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (p *Partition) SetUserModeOverride(ctx context.Context, userID string, mode models.RetrievalMode) error {
	if mode != "" && !mode.Valid() {
		return apperr.Newf(apperr.CodeInternalError, "invalid retrieval mode %q", mode)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET mode_override = ? WHERE id = ?`, string(mode), userID)
	if err != nil {
		return fmt.Errorf("failed to set mode override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeObjectNotFound, "user %s not found", userID)
	}
	return nil
}
