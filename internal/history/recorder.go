// Package history persists chat interactions and audit events into the
// tenant partition. Recording is best effort: a write failure is logged
// and never fails the request that produced it.
package history

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/pkg/logger"
)

type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordInteraction persists a completed exchange. The interaction ID
// is returned so callers can surface it even when the write failed.
func (r *Recorder) RecordInteraction(ctx context.Context, scope *tenant.Scope, in *models.Interaction) string {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if err := scope.Partition.InsertInteraction(ctx, in); err != nil {
		logger.Warn("Failed to record interaction",
			zap.String("tenant_id", scope.Tenant.ID),
			zap.String("interaction_id", in.ID),
			zap.Error(err),
		)
	}
	return in.ID
}

// RecordEvent appends an audit event.
func (r *Recorder) RecordEvent(ctx context.Context, scope *tenant.Scope, actorID string, kind models.EventKind, detail map[string]interface{}) {
	ev := &models.Event{
		ID:      uuid.New().String(),
		ActorID: actorID,
		Kind:    kind,
		Detail:  detail,
	}
	if err := scope.Partition.InsertEvent(ctx, ev); err != nil {
		logger.Warn("Failed to record audit event",
			zap.String("tenant_id", scope.Tenant.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

// Interactions lists a user's chat history, newest first.
func (r *Recorder) Interactions(ctx context.Context, scope *tenant.Scope, userID string, limit int) ([]models.Interaction, error) {
	return scope.Partition.ListInteractions(ctx, userID, limit)
}

// Events lists audit events, optionally filtered by kind.
func (r *Recorder) Events(ctx context.Context, scope *tenant.Scope, kind models.EventKind, limit int) ([]models.Event, error) {
	return scope.Partition.ListEvents(ctx, kind, limit)
}
