package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/raghub/backend/internal/api"
	authmw "github.com/raghub/backend/internal/middleware/auth"
	"github.com/raghub/backend/pkg/apperr"
)

// CategoryHandler manages category CRUD. All operations are admin only
// except List, which any user may call to see the categories they hold.
type CategoryHandler struct{}

func NewCategoryHandler() *CategoryHandler {
	return &CategoryHandler{}
}

func (h *CategoryHandler) Create(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return api.Fail(c, apperr.New(apperr.CodeInvalidArgument, "name is required"))
	}

	category, err := scope.Partition.CreateCategory(c.Context(), req.Name)
	if err != nil {
		return api.Fail(c, err)
	}
	return api.Created(c, category)
}

func (h *CategoryHandler) List(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	categories, err := scope.Partition.ListCategories(c.Context())
	if err != nil {
		return api.Fail(c, err)
	}

	// Non-admins see only their assigned categories.
	if principal.RequireAdmin() != nil {
		visible := categories[:0]
		for _, cat := range categories {
			if principal.CanAccess(cat.ID) {
				visible = append(visible, cat)
			}
		}
		categories = visible
	}
	return api.OK(c, fiber.Map{"categories": categories})
}

// Delete removes an empty category. A category still holding documents
// fails with CategoryInUse.
func (h *CategoryHandler) Delete(c *fiber.Ctx) error {
	scope := authmw.ScopeFrom(c)
	principal := authmw.PrincipalFrom(c)

	if err := principal.RequireAdmin(); err != nil {
		return api.Fail(c, err)
	}

	if err := scope.Partition.DeleteCategory(c.Context(), c.Params("id")); err != nil {
		return api.Fail(c, err)
	}
	return api.OK(c, fiber.Map{"deleted": c.Params("id")})
}
