// Package project implements the project-membership mutation endpoint
// (spec §12, implied by C10's role table): changing a member's role,
// admin-only, through the optimistic read-modify-write internal/store
// exposes and guarded against self-demotion away from admin (spec §4.10).
package project

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/internal/auth"
	"github.com/wisbric/logharbor/internal/guard"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/internal/store"
)

// Store is the narrow DocumentStore contract the handler needs.
type Store interface {
	UpdateMemberRole(ctx context.Context, project *model.Project, userID uuid.UUID, newRole string) error
	FindProjectByID(ctx context.Context, id uuid.UUID) (*model.Project, error)
}

// Handler exposes the role-change endpoint.
type Handler struct {
	Store Store
}

// NewHandler creates a Handler.
func NewHandler(s Store) *Handler {
	return &Handler{Store: s}
}

// Mount registers routes on r, which must carry guard.RequireProjectRole
// middleware requiring admin for the group.
func (h *Handler) Mount(r chi.Router) {
	r.Patch("/{projectId}/members/{userId}/role", h.changeRole)
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin editor viewer"`
}

// changeRole implements PATCH /api/v1/projects/:projectId/members/:userId/role.
// Retries once on an optimistic-concurrency conflict by re-reading the
// project, matching the read-modify-write-and-retry pattern spec §5
// requires for project mutations.
func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	m := guard.FromContext(r.Context())

	targetID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}

	var req changeRoleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if !guard.CanAssignRole(caller.UserID, targetID, req.Role) {
		httpserver.RespondAPIError(w, &apierr.AccessError{Message: "cannot change your own role away from admin"})
		return
	}

	current := m.Project
	for attempt := 0; attempt < 2; attempt++ {
		err := h.Store.UpdateMemberRole(r.Context(), current, targetID, req.Role)
		if err == nil {
			httpserver.Respond(w, http.StatusOK, map[string]string{"userId": targetID.String(), "role": req.Role})
			return
		}
		if err != store.ErrVersionConflict {
			if err == store.ErrNotFound {
				httpserver.RespondAPIError(w, &apierr.NotFoundError{Resource: "project member"})
				return
			}
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "role update failed")
			return
		}

		current, err = h.Store.FindProjectByID(r.Context(), current.ID)
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "role update failed")
			return
		}
	}

	httpserver.RespondError(w, http.StatusConflict, "conflict", "role update failed after retry, please try again")
}
