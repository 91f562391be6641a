package quota

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/internal/auth"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/pkg/billing"
)

// ProjectLookup is the narrow DocumentStore contract the usage endpoint
// needs to resolve the caller's project and confirm membership.
type ProjectLookup interface {
	FindProjectByProjectID(ctx context.Context, projectID string) (*model.Project, error)
}

// UsageResolver is the narrow DocumentStore contract for C2/C3's inputs.
type UsageResolver interface {
	FindUsageMetadata(ctx context.Context, ownerID uuid.UUID) (*model.UsageMetadata, error)
}

// ReadCounter is the narrow KVCounter read contract the usage endpoint
// needs: the current count without reserving another unit.
type ReadCounter interface {
	Get(ctx context.Context, key string) (string, error)
}

// Handler exposes GET /api/v1/usage/quota.
type Handler struct {
	Projects ProjectLookup
	Usage    UsageResolver
	Counter  ReadCounter
}

// NewHandler creates a Handler.
func NewHandler(projects ProjectLookup, usage UsageResolver, counter ReadCounter) *Handler {
	return &Handler{Projects: projects, Usage: usage, Counter: counter}
}

type quotaResponse struct {
	LogLimit    *int64 `json:"logLimit"`
	Current     int64  `json:"current"`
	PeriodStart int64  `json:"periodStart"`
	PeriodEnd   int64  `json:"periodEnd"`
}

// GetQuota reports the caller's project owner's current usage against
// their billing window, without reserving a unit (spec §6: "Current quota").
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondAPIError(w, &apierr.AuthError{Message: "authentication required"})
		return
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "projectId query parameter is required")
		return
	}

	project, err := h.Projects.FindProjectByProjectID(r.Context(), projectID)
	if err != nil || project == nil {
		httpserver.RespondAPIError(w, &apierr.NotFoundError{Resource: "project"})
		return
	}
	if _, ok := project.MemberRole(identity.UserID); !ok {
		httpserver.RespondAPIError(w, &apierr.AccessError{Message: "not a member of this project"})
		return
	}

	usage, err := h.Usage.FindUsageMetadata(r.Context(), project.OwnerID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve usage metadata")
		return
	}

	window := billing.Calculate(usage.UserCreatedAt, time.Now())
	raw, err := h.Counter.Get(r.Context(), usageKey(project.OwnerID, window.PeriodKey))
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read usage counter")
		return
	}
	current, _ := strconv.ParseInt(raw, 10, 64)

	httpserver.Respond(w, http.StatusOK, quotaResponse{
		LogLimit:    usage.LogLimit,
		Current:     current,
		PeriodStart: window.Start.UnixMilli(),
		PeriodEnd:   window.End.UnixMilli(),
	})
}
