// Package auth resolves a caller's effective authorization inside a
// tenant partition: the union of assigned categories and the admin
// role checks on write operations.
package auth

import (
	"context"

	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/internal/tenant"
	"github.com/raghub/backend/pkg/apperr"
)

// Principal is a caller with their category scope resolved from the
// join table. It is computed per request and must not outlive one.
type Principal struct {
	User       *models.User
	Categories []string
	Mode       models.RetrievalMode
}

// Resolve loads the user and their category set from the partition,
// the source of truth, and picks the effective retrieval mode
// (user override, else tenant default).
func Resolve(ctx context.Context, scope *tenant.Scope, userID string) (*Principal, error) {
	user, err := scope.Partition.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	mode := scope.Tenant.DefaultMode
	if user.ModeOverride != "" {
		mode = user.ModeOverride
	}

	return &Principal{
		User:       user,
		Categories: user.CategoryIDs,
		Mode:       mode,
	}, nil
}

// RequireAdmin gates category, user, and document management.
func (p *Principal) RequireAdmin() error {
	if p.User.Role != models.RoleAdmin {
		return apperr.New(apperr.CodeNoCategoryAccess, "admin role required")
	}
	return nil
}

// ScopeFor intersects the caller's category union with an optional
// requested filter. An empty effective scope always fails: a caller
// with no categories can read nothing, and a filter disjoint from the
// caller's categories is equivalent.
func (p *Principal) ScopeFor(requested []string) ([]string, error) {
	if len(p.Categories) == 0 {
		return nil, apperr.New(apperr.CodeNoCategoryAccess, "no categories assigned")
	}
	if len(requested) == 0 {
		out := make([]string, len(p.Categories))
		copy(out, p.Categories)
		return out, nil
	}

	allowed := make(map[string]bool, len(p.Categories))
	for _, id := range p.Categories {
		allowed[id] = true
	}
	var scope []string
	for _, id := range requested {
		if allowed[id] {
			scope = append(scope, id)
		}
	}
	if len(scope) == 0 {
		return nil, apperr.New(apperr.CodeNoCategoryAccess, "requested categories outside caller scope")
	}
	return scope, nil
}

// CanAccess reports whether a single category is inside the caller's
// scope.
func (p *Principal) CanAccess(categoryID string) bool {
	for _, id := range p.Categories {
		if id == categoryID {
			return true
		}
	}
	return false
}
