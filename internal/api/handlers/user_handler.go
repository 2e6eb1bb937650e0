package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/raghub/backend/internal/api"
	authmw "github.com/raghub/backend/internal/middleware/auth"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
)

// UserHandler manages the tenant's users and their category
// assignments. Admin only throughout; the storage layer additionally
// refuses any change that would leave the tenant without an admin.
type UserHandler struct{}

func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

func (h *UserHandler) Create(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil || req.Email == "" {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "email is required"))
	}

	role := models.Role(req.Role)
	if role != models.RoleAdmin && role != models.RoleUser {
		role = models.RoleUser
	}

	user, err := scope.Partition.CreateUser(c.Context(), req.Email, role)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.Created(c, user)
}

func (h *UserHandler) List(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	users, err := scope.Partition.ListUsers(c.Context())
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"users": users})
}

func (h *UserHandler) Get(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	id := c.Params("id")
	// Users may read themselves; everything else is admin only.
	if id != principal.User.ID {
		if err := principal.RequireAdmin(); err != nil {
			return api.Fail(c, err)
		}
	}

	user, err := scope.Partition.GetUser(c.Context(), id)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, user)
}

// SetRole promotes or demotes a user. Demoting the last admin fails
// with LastAdminForbidden.
func (h *UserHandler) SetRole(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
	}
	role := models.Role(req.Role)
	if role != models.RoleAdmin && role != models.RoleUser {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "role must be admin or user"))
	}

	if err := scope.Partition.SetUserRole(c.Context(), c.Params("id"), role); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"user_id": c.Params("id"), "role": string(role)})
}

// AssignCategories replaces a user's category assignments.
func (h *UserHandler) AssignCategories(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	var req struct {
		CategoryIDs []string `json:"category_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body"))
	}

	if err := scope.Partition.AssignCategories(c.Context(), c.Params("id"), req.CategoryIDs); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"user_id": c.Params("id"), "category_ids": req.CategoryIDs})
}

// SetMode sets or clears a user's retrieval mode override.
func (h *UserHandler) SetMode(c *fiber.Ctx) error {
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
	if req.Mode != "" && !mode.Valid() {
		return api.Fail(c, apperr.Newf(apperr.CodeInvalidArgument, "unknown mode %q", req.Mode))
	}

	if err := scope.Partition.SetUserModeOverride(c.Context(), c.Params("id"), mode); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"user_id": c.Params("id"), "mode": req.Mode})
}

// Delete removes a user. Deleting the last admin fails with
// LastAdminForbidden even when no other users remain.
func (h *UserHandler) Delete(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	if err := scope.Partition.DeleteUser(c.Context(), c.Params("id")); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"deleted": c.Params("id")})
}
