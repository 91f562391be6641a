// Package auth resolves the authenticated caller for a request. logharbor
// has two independent planes: producers present an API key (resolved
// against a Project's apiKeys[], see pkg/apikey and pkg/constraint) and
// operators present a bearer token (resolved here against an external
// TokenVerifier, then checked for project membership by internal/guard).
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles supported by project membership (spec §3, Project.users[*].role).
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleAdmin, RoleEditor, RoleViewer}

// IsValidRole reports whether role is a recognized project role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Identity represents an operator authenticated via bearer token. It carries
// no project or role — project membership and role are resolved per request
// by internal/guard once the target projectId is known from the route.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if unset.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
