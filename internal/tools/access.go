package tools

import (
	"context"
	"sync/atomic"

	"github.com/flynn-ai/flynn-core/internal/errors"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// AccessControl resolves the tools a user may see.
type AccessControl interface {
	ResolveAllowedTools(ctx context.Context, userID string) (Set, error)
}

// RoleAccess grants admins every tool and everyone else the tools not flagged
// admin-only. Users without a role get DefaultRole; with no default they are
// denied.
type RoleAccess struct {
	catalog     *Catalog
	roles       atomic.Pointer[map[string]string]
	DefaultRole string
}

// NewRoleAccess creates access control over catalog with user id -> role.
func NewRoleAccess(catalog *Catalog, roles map[string]string) *RoleAccess {
	a := &RoleAccess{catalog: catalog}
	a.SetRoles(roles)
	return a
}

// SetRoles swaps the role table (config reload).
func (a *RoleAccess) SetRoles(roles map[string]string) {
	cp := make(map[string]string, len(roles))
	for k, v := range roles {
		cp[k] = v
	}
	a.roles.Store(&cp)
}

// Role returns a user's role.
func (a *RoleAccess) Role(userID string) (string, bool) {
	role, ok := (*a.roles.Load())[userID]
	if !ok && a.DefaultRole != "" {
		return a.DefaultRole, true
	}
	return role, ok
}

// ResolveAllowedTools implements AccessControl.
func (a *RoleAccess) ResolveAllowedTools(ctx context.Context, userID string) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	role, ok := a.Role(userID)
	if !ok {
		return nil, errors.NewBuilder(errors.CodeAccessDenied, "unknown user "+userID).
			Permanent().
			WithContext("user", userID).
			Build()
	}

	all := a.catalog.All()
	allowed := make(Set, len(all))
	for _, d := range all {
		if d.AdminOnly && role != RoleAdmin {
			continue
		}
		allowed[d.Name] = struct{}{}
	}
	return allowed, nil
}
