// Package auth is the transport-level guard: it validates the bearer
// token, resolves the tenant scope and principal, and stashes them in
// request locals. Handlers never reach a partition except through the
// scope placed here.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	appauth "github.com/raghub/backend/internal/auth"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/pkg/apperr"
)

const (
	localScope     = "scope"
	localPrincipal = "principal"
	localTenantID  = "tenant_id"
)

type Middleware struct {
	secret string
	router *tenant.Router
}

func New(secret string, router *tenant.Router) *Middleware {
	return &Middleware{secret: secret, router: router}
}

// Handler authenticates the request. Suspended tenants are rejected
// here for every route, so nothing downstream needs to re-check.
func (m *Middleware) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"code": "Unauthorized", "message": "missing bearer token"},
			})
		}

		claims, err := appauth.ParseClaims(m.secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"code": "Unauthorized", "message": "invalid token"},
			})
		}

		scope, err := m.router.Resolve(c.Context(), claims.TenantID)
		if err != nil {
			return err
		}

		principal, err := appauth.Resolve(c.Context(), scope, claims.UserID)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeObjectNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"success": false,
					"error":   fiber.Map{"code": "Unauthorized", "message": "unknown user"},
				})
			}
			return err
		}

		c.Locals(localTenantID, scope.Tenant.ID)
		c.Locals(localScope, scope)
		c.Locals(localPrincipal, principal)
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Websocket clients cannot set headers from browsers, so the token
	// may arrive as a query parameter instead.
	return c.Query("token")
}

// ScopeFrom returns the tenant scope resolved for this request.
func ScopeFrom(c *fiber.Ctx) *tenant.Scope {
	scope, _ := c.Locals(localScope).(*tenant.Scope)
	return scope
}

// PrincipalFrom returns the authenticated principal for this request.
func PrincipalFrom(c *fiber.Ctx) *appauth.Principal {
	principal, _ := c.Locals(localPrincipal).(*appauth.Principal)
	return principal
}
