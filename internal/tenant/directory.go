// Package tenant holds the tenant directory and the router that binds
// a unit of work to exactly one tenant partition.
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/metrics"
	"github.com/raghub/backend/internal/storage"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/logger"
)

// Cache is the read-mostly identifier→record cache in front of the
// directory. Entries are invalidated explicitly on any status change so
// a deleted tenant is never silently served from a stale mapping.
type Cache interface {
	GetJSON(ctx context.Context, key string, value interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Directory is the control-plane registry of tenants. It lives in its
// own database, outside every tenant partition.
type Directory struct {
	db           *sql.DB
	cache        Cache // optional
	cacheTTL     time.Duration
	partitionDir string
}

func NewDirectory(path, partitionDir string, cache Cache, cacheTTL time.Duration) (*Directory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory data dir: %w", err)
	}
	if err := os.MkdirAll(partitionDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open directory db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		partition_path TEXT NOT NULL,
		status TEXT NOT NULL,
		default_mode TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init directory schema: %w", err)
	}

	return &Directory{
		db:           db,
		cache:        cache,
		cacheTTL:     cacheTTL,
		partitionDir: partitionDir,
	}, nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}

func cacheKey(id string) string {
	return "tenant:" + id
}

// Onboard creates the tenant record, provisions its partition through
// the migration registry, and seeds the first admin user.
func (d *Directory) Onboard(ctx context.Context, name, adminEmail string, mode models.RetrievalMode) (*models.Tenant, *models.User, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil, apperr.New(apperr.CodeInternalError, "tenant name is required")
	}
	if mode == "" {
		mode = models.ModeBasic
	}
	if !mode.Valid() {
		return nil, nil, apperr.Newf(apperr.CodeInternalError, "invalid retrieval mode %q", mode)
	}

	now := time.Now()
	t := &models.Tenant{
		ID:            uuid.New().String(),
		Name:          name,
		PartitionPath: filepath.Join(d.partitionDir, name+".db"),
		Status:        models.TenantActive,
		DefaultMode:   mode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, partition_path, status, default_mode, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.PartitionPath, string(t.Status), string(t.DefaultMode),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, nil, apperr.Newf(apperr.CodeInternalError, "tenant %q already exists", name)
		}
		return nil, nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	part, err := storage.Open(t.PartitionPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to provision partition for %s: %w", name, err)
	}
	defer part.Close()

	admin, err := part.CreateUser(ctx, adminEmail, models.RoleAdmin)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seed admin: %w", err)
	}

	logger.Info("Tenant onboarded",
		zap.String("tenant_id", t.ID),
		zap.String("name", t.Name),
		zap.String("partition", t.PartitionPath),
	)
	return t, admin, nil
}

// Lookup resolves a tenant record, serving from cache when possible.
func (d *Directory) Lookup(ctx context.Context, id string) (*models.Tenant, error) {
	if d.cache != nil {
		var cached models.Tenant
		if hit, err := d.cache.GetJSON(ctx, cacheKey(id), &cached); err == nil && hit {
			metrics.TenantCacheHits.WithLabelValues("hit").Inc()
			return &cached, nil
		}
		metrics.TenantCacheHits.WithLabelValues("miss").Inc()
	}

	t, err := d.lookupStore(ctx, id)
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		if err := d.cache.SetJSON(ctx, cacheKey(id), t, d.cacheTTL); err != nil {
			logger.Warn("Failed to cache tenant record", zap.Error(err))
		}
	}
	return t, nil
}

func (d *Directory) lookupStore(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	var status, mode string
	var created, updated int64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, partition_path, status, default_mode, created_at, updated_at
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.PartitionPath, &status, &mode, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeTenantNotFound, "tenant %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant: %w", err)
	}
	t.Status = models.TenantStatus(status)
	t.DefaultMode = models.RetrievalMode(mode)
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	return &t, nil
}

func (d *Directory) List(ctx context.Context) ([]models.Tenant, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, partition_path, status, default_mode, created_at, updated_at
		 FROM tenants ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		var status, mode string
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.Name, &t.PartitionPath, &status, &mode, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		t.Status = models.TenantStatus(status)
		t.DefaultMode = models.RetrievalMode(mode)
		t.CreatedAt = time.Unix(created, 0)
		t.UpdatedAt = time.Unix(updated, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus changes a tenant's lifecycle status and invalidates the
// cache entry before returning, so no later request resolves the old
// record.
func (d *Directory) SetStatus(ctx context.Context, id string, status models.TenantStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeTenantNotFound, "tenant %s not found", id)
	}
	if d.cache != nil {
		if err := d.cache.Delete(ctx, cacheKey(id)); err != nil {
			logger.Warn("Failed to invalidate tenant cache", zap.String("tenant_id", id), zap.Error(err))
		}
	}
	return nil
}

// SetDefaultMode changes the tenant's default retrieval mode.
func (d *Directory) SetDefaultMode(ctx context.Context, id string, mode models.RetrievalMode) error {
	if !mode.Valid() {
		return apperr.Newf(apperr.CodeInternalError, "invalid retrieval mode %q", mode)
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE tenants SET default_mode = ?, updated_at = ? WHERE id = ?`,
		string(mode), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeTenantNotFound, "tenant %s not found", id)
	}
	if d.cache != nil {
		if err := d.cache.Delete(ctx, cacheKey(id)); err != nil {
			logger.Warn("Failed to invalidate tenant cache", zap.String("tenant_id", id), zap.Error(err))
		}
	}
	return nil
}
