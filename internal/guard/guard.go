// Package guard implements the operator half of C10's authorization guard:
// given an already-authenticated Identity (internal/auth) and a :projectId
// route parameter, resolve project membership and enforce a minimum role.
// Modeled on nightowl's pkg/tenant middleware (resolve-from-request,
// attach-typed-context, fail-closed) generalized from tenant-schema
// resolution to project-membership resolution, and on internal/auth's old
// rbac.go for the role-level comparison helper.
package guard

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/auth"
	"github.com/wisbric/logharbor/internal/model"
)

// ProjectLookup is the narrow read contract guard needs from the store.
type ProjectLookup interface {
	FindProjectByProjectID(ctx context.Context, projectID string) (*model.Project, error)
}

// roleLevel maps roles to a numeric privilege level for comparison.
var roleLevel = map[string]int{
	auth.RoleAdmin:  30,
	auth.RoleEditor: 20,
	auth.RoleViewer: 10,
}

// Membership is the resolved project and caller role, attached to the
// request context by RequireProjectRole.
type Membership struct {
	Project *model.Project
	Role    string
}

type ctxKey string

const membershipKey ctxKey = "guard_membership"

// NewContext stores a Membership in the context.
func NewContext(ctx context.Context, m *Membership) context.Context {
	return context.WithValue(ctx, membershipKey, m)
}

// FromContext extracts the Membership from the context, or nil if unset.
func FromContext(ctx context.Context) *Membership {
	v, _ := ctx.Value(membershipKey).(*Membership)
	return v
}

// RequireProjectRole returns middleware that: requires an authenticated
// Identity (internal/auth.RequireBearer must run first), resolves the
// :projectId route parameter to a Project, requires the caller to be a
// member, and rejects if their role is below minRole. minRole == "" means
// any membership suffices (spec §4.10: "read and query require any
// membership").
func RequireProjectRole(lookup ProjectLookup, minRole string) func(http.Handler) http.Handler {
	minLevel := roleLevel[minRole]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			projectID := chi.URLParam(r, "projectId")
			if projectID == "" {
				respondErr(w, http.StatusBadRequest, "bad_request", "missing projectId")
				return
			}

			project, err := lookup.FindProjectByProjectID(r.Context(), projectID)
			if err != nil || project == nil {
				respondErr(w, http.StatusNotFound, "not_found", "project not found")
				return
			}

			role, ok := project.MemberRole(id.UserID)
			if !ok {
				respondErr(w, http.StatusForbidden, "forbidden", "not a member of this project")
				return
			}

			if minRole != "" && roleLevel[role] < minLevel {
				respondErr(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}

			ctx := NewContext(r.Context(), &Membership{Project: project, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CanAssignRole reports whether caller may change target's role to newRole.
// It is false only for the one forbidden case the guard must never allow:
// the caller demoting themselves away from admin (spec §4.10).
func CanAssignRole(caller, target uuid.UUID, newRole string) bool {
	if caller != target {
		return true
	}
	return newRole == auth.RoleAdmin
}
