package handlers

import (
	"context"
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/api"
	authmw "github.com/raghub/backend/internal/middleware/auth"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/logger"
)

// VectorPartitioner manages per-tenant vector partitions at tenant
// lifecycle boundaries.
type VectorPartitioner interface {
	EnsurePartition(ctx context.Context, partition string) error
	DropPartition(ctx context.Context, partition string) error
}

// TenantHandler owns the control-plane tenant endpoints (ops token)
// and the tenant-admin settings endpoints (JWT).
type TenantHandler struct {
	directory *tenant.Directory
	router    *tenant.Router
	vector    VectorPartitioner
	opsToken  string
}

func NewTenantHandler(directory *tenant.Directory, router *tenant.Router, vector VectorPartitioner, opsToken string) *TenantHandler {
	return &TenantHandler{directory: directory, router: router, vector: vector, opsToken: opsToken}
}

// RequireOps guards the control-plane routes with the operator token.
// An empty configured token disables the routes entirely.
func (h *TenantHandler) RequireOps() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Ops-Token")
		if h.opsToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.opsToken)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"code": "Forbidden", "message": "operator token required"},
			})
		}
		return c.Next()
	}
}

// Onboard provisions a tenant: directory row, partition database with
// full schema, seeded admin user, and vector partition.
func (h *TenantHandler) Onboard(c *fiber.Ctx) error {
	var req struct {
		Name       string `json:"name"`
		AdminEmail string `json:"admin_email"`
		Mode       string `json:"mode"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" || req.AdminEmail == "" {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "name and admin_email are required"))
	}

	mode := models.RetrievalMode(req.Mode)
	if req.Mode == "" {
		mode = models.ModeBasic
	}
	if !mode.Valid() {
		return api.Fail(c, apperr.Newf(apperr.CodeInvalidArgument, "unknown mode %q", req.Mode))
	}

	t, admin, err := h.directory.Onboard(c.Context(), req.Name, req.AdminEmail, mode)
	if err != nil {
		return api.Fail(c, err)
	}

	if err := h.vector.EnsurePartition(c.Context(), "t_"+t.ID); err != nil {
		// The partition is also created lazily at first ingest, so
		// onboarding succeeds even when the vector store is down.
		logger.Warn("Failed to pre-create vector partition",
			zap.String("tenant_id", t.ID),
			zap.Error(err),
		)
	}

	logger.Info("Tenant onboarded",
		zap.String("tenant_id", t.ID),
		zap.String("name", t.Name),
	)
	return api.Created(c, fiber.Map{"tenant": t, "admin": admin})
}

func (h *TenantHandler) List(c *fiber.Ctx) error {
	tenants, err := h.directory.List(c.Context())
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"tenants": tenants})
}

// SetStatus suspends, reactivates, or deletes a tenant. Deletion drops
// the vector partition and evicts the pooled partition handle; the
// SQLite file stays on disk for operator retention policy.
func (h *TenantHandler) SetStatus(c *fiber.Ctx) error {
	id := c.Params("id")

	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
	}
	status := models.TenantStatus(req.Status)
	switch status {
	case models.TenantActive, models.TenantSuspended, models.TenantDeleted:
	default:
		return api.Fail(c, apperr.Newf(apperr.CodeInvalidArgument, "unknown status %q", req.Status))
	}

	if err := h.directory.SetStatus(c.Context(), id, status); err != nil {
		return api.Fail(c, err)
	}
	h.router.Evict(id)

	if status == models.TenantDeleted {
		if err := h.vector.DropPartition(c.Context(), "t_"+id); err != nil {
			logger.Warn("Failed to drop vector partition",
				zap.String("tenant_id", id),
				zap.Error(err),
			)
		}
	}
	return api.OK(c, fiber.Map{"tenant_id": id, "status": string(status)})
}

// SetDefaultMode changes the tenant's default retrieval mode. Tenant
// admin endpoint; affects users without an override on their next
// query, and newly ingested documents on their next ingest.
func (h *TenantHandler) SetDefaultMode(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
	}
	mode := models.RetrievalMode(req.Mode)
	if !mode.Valid() {
		return api.Fail(c, apperr.Newf(apperr.CodeInvalidArgument, "unknown mode %q", req.Mode))
	}

	// The directory invalidates its cache entry; the pooled partition
	// handle stays open since the partition file itself is unchanged
	// and in-flight requests may still hold it.
	if err := h.directory.SetDefaultMode(c.Context(), scope.Tenant.ID, mode); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"tenant_id": scope.Tenant.ID, "default_mode": string(mode)})
}

// GetProfile returns the tenant's customized-mode chunking profile.
func (h *TenantHandler) GetProfile(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	profile, err := scope.Partition.ChunkingProfile(c.Context())
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, profile)
}

// SetProfile stores the tenant's customized-mode chunking profile.
// Takes effect on the next ingestion; committed chunk sets keep the
// profile they were built with.
func (h *TenantHandler) SetProfile(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	var profile models.ChunkingProfile
	if err := c.BodyParser(&profile); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
	}

	if err := scope.Partition.SetChunkingProfile(c.Context(), &profile); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, profile)
}
