package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
)

const settingChunkingProfile = "chunking_profile"

func (p *Partition) getSetting(ctx context.Context, key string, out interface{}) error {
	var raw string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeObjectNotFound, fmt.Sprintf("setting %s not found", key))
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeInternalError, "failed to read setting", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return apperr.Wrap(apperr.CodeInternalError, "failed to decode setting", err)
	}
	return nil
}

func (p *Partition) putSetting(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternalError, "failed to encode setting", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternalError, "failed to write setting", err)
	}
	return nil
}

// ChunkingProfile returns the tenant's customized-mode profile, or
// ObjectNotFound when the tenant never configured one.
func (p *Partition) ChunkingProfile(ctx context.Context) (*models.ChunkingProfile, error) {
	var profile models.ChunkingProfile
	if err := p.getSetting(ctx, settingChunkingProfile, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (p *Partition) SetChunkingProfile(ctx context.Context, profile *models.ChunkingProfile) error {
	if profile.WindowSize <= 0 || profile.Overlap < 0 || profile.Overlap >= profile.WindowSize {
		return apperr.New(apperr.CodeInvalidArgument, "invalid chunking profile window")
	}
	return p.putSetting(ctx, settingChunkingProfile, profile)
}
