// Package identity carries the per-request identity context and the ranked
// role model used for topic and query authorization. Session issuance and
// token validation live outside the core; callers hand kestrel an already
// authenticated Context.
package identity

import (
	"context"
	"strings"

	"github.com/kestrelsec/kestrel/errors"
)

// Role is an ordered permission level. Higher ranks subsume lower ones.
type Role string

const (
	RoleViewer            Role = "VIEWER"
	RoleAnalyst           Role = "ANALYST"
	RoleIncidentResponder Role = "INCIDENT_RESPONDER"
	RoleAdmin             Role = "ADMIN"
	RoleSuperAdmin        Role = "SUPER_ADMIN"
)

// roleRanks orders roles from least to most privileged.
var roleRanks = map[Role]int{
	RoleViewer:            0,
	RoleAnalyst:           1,
	RoleIncidentResponder: 2,
	RoleAdmin:             3,
	RoleSuperAdmin:        4,
}

// Rank returns the role's position in the permission ordering, or -1 for
// unknown roles.
func (r Role) Rank() int {
	rank, ok := roleRanks[r]
	if !ok {
		return -1
	}
	return rank
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// AtLeast reports whether the role ranks at or above required.
func (r Role) AtLeast(required Role) bool {
	return r.Valid() && required.Valid() && r.Rank() >= required.Rank()
}

// ParseRole normalizes a role string. Unknown values return an invalid Role.
func ParseRole(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

// Context identifies the caller of a read request, subscribe call or publish.
type Context struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Role           Role   `json:"role"`
}

// Authorize checks that the identity exists, carries at least the required
// role, and belongs to targetOrg. A SUPER_ADMIN may access another
// organization explicitly.
func Authorize(id *Context, required Role, targetOrg string) error {
	if id == nil {
		return errors.Wrap(errors.ErrAuthentication, "missing identity context")
	}
	if !id.Role.Valid() {
		return errors.NewForbiddenError("unknown role %q", id.Role)
	}
	if !id.Role.AtLeast(required) {
		return errors.NewForbiddenError("role %s is below required %s", id.Role, required)
	}
	if targetOrg != "" && targetOrg != id.OrganizationID && id.Role != RoleSuperAdmin {
		return errors.NewForbiddenError("organization %s may not access %s", id.OrganizationID, targetOrg)
	}
	return nil
}

type contextKey string

const identityKey contextKey = "kestrel_identity"

// WithContext attaches the identity to a context.Context.
func WithContext(ctx context.Context, id *Context) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from a context.Context, or nil.
func FromContext(ctx context.Context) *Context {
	id, _ := ctx.Value(identityKey).(*Context)
	return id
}
