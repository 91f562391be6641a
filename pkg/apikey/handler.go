package apikey

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/internal/guard"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/model"
)

// Store is the narrow DocumentStore contract the handler needs.
type Store interface {
	AddAPIKey(ctx context.Context, projectID uuid.UUID, key *model.ApiKey) error
	ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]model.ApiKey, error)
	DeleteAPIKey(ctx context.Context, projectID, keyID uuid.UUID) error
}

// Handler exposes the API-key lifecycle endpoints mounted under
// /api/v1/projects/{projectId}/api-keys.
type Handler struct {
	store Store
	cache *Cache
}

// NewHandler creates a Handler. cache may be nil. Key creation and deletion
// do not invalidate cached resolutions, so a deleted key keeps resolving
// until its cache entry's TTL (5 minutes by default) expires.
func NewHandler(store Store, cache *Cache) *Handler {
	return &Handler{store: store, cache: cache}
}

// Mount registers routes on r, which must already carry
// guard.RequireProjectRole middleware for the group (admin or editor for
// create, list and delete, per C10's role table).
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Delete("/{keyId}", h.delete)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	key, rawKey, err := New(req.Description, req.Constraints)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}
	key.ProjectID = m.Project.ID

	if err := h.store.AddAPIKey(r.Context(), m.Project.ID, &key); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store api key")
		return
	}

	httpserver.Respond(w, http.StatusCreated, CreateResponse{
		Response: ToResponse(key),
		Key:      rawKey,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	keys, err := h.store.ListAPIKeys(r.Context(), m.Project.ID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}

	out := make([]Response, 0, len(keys))
	for _, k := range keys {
		out = append(out, ToResponse(k))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	keyID, err := uuid.Parse(chi.URLParam(r, "keyId"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid key id")
		return
	}

	if err := h.store.DeleteAPIKey(r.Context(), m.Project.ID, keyID); err != nil {
		httpserver.RespondAPIError(w, &apierr.NotFoundError{Resource: "api key"})
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
