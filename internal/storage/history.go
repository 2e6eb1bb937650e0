package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raghub/backend/internal/storage/models"
)

func (p *Partition) InsertInteraction(ctx context.Context, in *models.Interaction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	citations, err := json.Marshal(in.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO interactions
			(id, user_id, question, answer, citations, latency_ms, tokens_in, tokens_out, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.Question, in.Answer, string(citations),
		in.LatencyMS, in.TokensIn, in.TokensOut, in.Confidence, in.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (p *Partition) ListInteractions(ctx context.Context, userID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, question, answer, citations, latency_ms, tokens_in, tokens_out, confidence, created_at
		 FROM interactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var in models.Interaction
		var citations string
		var created int64
		if err := rows.Scan(&in.ID, &in.UserID, &in.Question, &in.Answer, &citations,
			&in.LatencyMS, &in.TokensIn, &in.TokensOut, &in.Confidence, &created); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		_ = json.Unmarshal([]byte(citations), &in.Citations)
		in.CreatedAt = time.Unix(created, 0)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Partition) InsertEvent(ctx context.Context, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO events (id, actor_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.ActorID, string(ev.Kind), string(detail), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (p *Partition) ListEvents(ctx context.Context, kind models.EventKind, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, actor_id, kind, detail, created_at FROM events`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var kind, detail string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.ActorID, &kind, &detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		_ = json.Unmarshal([]byte(detail), &ev.Detail)
		ev.CreatedAt = time.Unix(created, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}
