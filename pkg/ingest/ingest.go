// Package ingest implements C5, the ingestion controller: the producer-facing
// pipeline from an accepted log submission through C1 (constraint), C3
// (quota), and publication to the message bus (spec §4.5).
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/internal/telemetry"
	"github.com/wisbric/logharbor/pkg/apikey"
	"github.com/wisbric/logharbor/pkg/constraint"
	"github.com/wisbric/logharbor/pkg/quota"
)

// ProjectResolver is the narrow DocumentStore contract step 2 needs.
type ProjectResolver interface {
	FindProjectByAPIKeyHash(ctx context.Context, keyHash string) (*model.Project, *model.ApiKey, error)
}

// UsageResolver is the narrow DocumentStore contract step 6 needs.
type UsageResolver interface {
	FindUsageMetadata(ctx context.Context, ownerID uuid.UUID) (*model.UsageMetadata, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// QuotaCounter is the narrow C3 contract the controller needs.
type QuotaCounter interface {
	CheckAndIncrement(ctx context.Context, ownerID uuid.UUID, userCreatedAt time.Time, n int64, limit *int64) (quota.Reservation, error)
}

// QuotaNotifier is the narrow C4 contract the controller needs.
type QuotaNotifier interface {
	NotifyOnce(ctx context.Context, ownerID uuid.UUID, periodKey, ownerEmail string, r *apierr.QuotaExceededError)
}

// Publisher is the narrow MessageBus contract the controller needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// KeyCache is the narrow API-key resolution cache contract (spec §4.5 step
// 2). A miss is signaled by a nil *model.Project, not an error.
type KeyCache interface {
	Get(ctx context.Context, rawKey string) (*model.Project, *model.ApiKey, error)
	Set(ctx context.Context, rawKey string, project *model.Project, key *model.ApiKey) error
}

// Controller wires C5's dependencies. All fields are required.
type Controller struct {
	Projects ProjectResolver
	Usage    UsageResolver
	Cache    KeyCache
	Counter  QuotaCounter
	Notifier QuotaNotifier
	Bus      Publisher
	Logger   *slog.Logger
	BusTopic string
}

// submission is the wire shape of POST /api/v1/logs (spec §4.5 step 3).
type submission struct {
	Level       string         `json:"level" validate:"required"`
	Environment string         `json:"environment" validate:"required"`
	ProjectID   string         `json:"projectId" validate:"required"`
	Message     string         `json:"message" validate:"required"`
	LogType     string         `json:"logType" validate:"required,oneof=application system"`
	Category    string         `json:"category"`
	Hostname    string         `json:"hostname"`
	StackTrace  []stackFrame   `json:"stackTrace"`
	Details     map[string]any `json:"details"`
	TimestampMS *int64         `json:"timestampMS"`
}

type stackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Raw      string `json:"raw"`
}

type acceptedResponse struct {
	Message     string `json:"message"`
	MessageID   string `json:"messageId"`
	LogLevel    string `json:"logLevel"`
	LogMessage  string `json:"logMessage"`
	Category    string `json:"category"`
	Environment string `json:"environment"`
	Hostname    string `json:"hostname,omitempty"`
}

// HandleSubmit implements the full C5 pipeline for POST /api/v1/logs.
func (c *Controller) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		httpserver.RespondAPIError(w, &apierr.AuthError{Message: "missing X-API-Key header"})
		return
	}

	project, key, err := c.resolveKey(ctx, rawKey)
	if err != nil || project == nil || key == nil {
		httpserver.RespondAPIError(w, &apierr.AuthError{Message: "unknown api key"})
		return
	}

	var sub submission
	if !httpserver.DecodeAndValidate(w, r, &sub) {
		return
	}
	if sub.Category == "" {
		sub.Category = "default"
	}
	timestampMS := time.Now().UnixMilli()
	if sub.TimestampMS != nil {
		timestampMS = *sub.TimestampMS
	}

	if sub.ProjectID != project.ProjectID {
		httpserver.RespondAPIError(w, &apierr.AccessError{Message: "projectId does not match the authenticated api key"})
		return
	}

	envelope := constraint.EnvelopeFromHeaders(
		r.Header.Get("X-Forwarded-For"), r.RemoteAddr,
		r.Header.Get("Referer"), r.Header.Get("Origin"), r.Header.Get("User-Agent"),
		sub.Environment,
	)
	if result := constraint.Evaluate(key.Constraints, envelope, time.Now()); !result.Allowed {
		telemetry.ConstraintDeniedTotal.WithLabelValues(result.Constraint).Inc()
		httpserver.Respond(w, http.StatusForbidden, map[string]string{
			"error":      "constraint_denied",
			"constraint": result.Constraint,
		})
		return
	}

	usage, err := c.Usage.FindUsageMetadata(ctx, project.OwnerID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve usage metadata")
		return
	}

	reservation, err := c.Counter.CheckAndIncrement(ctx, project.OwnerID, usage.UserCreatedAt, 1, usage.LogLimit)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "quota check failed")
		return
	}
	if !reservation.Allowed {
		telemetry.QuotaExceededTotal.WithLabelValues(project.OwnerID.String()).Inc()
		limit := int64(0)
		if usage.LogLimit != nil {
			limit = *usage.LogLimit
		}
		exceeded := reservation.ExceededError(limit)

		if owner, err := c.Usage.FindUserByID(ctx, project.OwnerID); err == nil {
			c.Notifier.NotifyOnce(ctx, project.OwnerID, reservation.Window.PeriodKey, owner.Email, exceeded)
		}

		httpserver.Respond(w, http.StatusTooManyRequests, map[string]any{
			"error":       "quota_exceeded",
			"limit":       exceeded.Limit,
			"current":     exceeded.Current,
			"periodStart": exceeded.PeriodStart,
			"periodEnd":   exceeded.PeriodEnd,
		})
		return
	}

	payload, err := normalizedPayload(project, sub, timestampMS)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to encode log payload")
		return
	}

	messageID, err := c.Bus.Publish(ctx, c.BusTopic, payload)
	if err != nil {
		c.Logger.Error("ingest: publish failed", "project_id", project.ProjectID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue log")
		return
	}

	telemetry.LogsIngestedTotal.WithLabelValues(project.ProjectID, sub.LogType).Inc()

	httpserver.Respond(w, http.StatusAccepted, acceptedResponse{
		Message:     "log accepted",
		MessageID:   messageID,
		LogLevel:    sub.Level,
		LogMessage:  sub.Message,
		Category:    sub.Category,
		Environment: sub.Environment,
		Hostname:    sub.Hostname,
	})
}

// resolveKey implements spec §4.5 step 2: cache lookup, falling back to the
// store and populating the cache on a miss.
func (c *Controller) resolveKey(ctx context.Context, rawKey string) (*model.Project, *model.ApiKey, error) {
	if project, key, err := c.Cache.Get(ctx, rawKey); err == nil && project != nil {
		return project, key, nil
	}

	project, key, err := c.Projects.FindProjectByAPIKeyHash(ctx, apikey.Hash(rawKey))
	if err != nil {
		return nil, nil, err
	}

	if err := c.Cache.Set(ctx, rawKey, project, key); err != nil {
		c.Logger.Warn("ingest: populating api key cache failed", "error", err)
	}
	return project, key, nil
}

// normalizedPayload builds the bus payload. Details travel as raw JSON and
// are omitted when empty; the consumer's toLog derives detailString from
// them (I6, Q4: null iff details is empty).
func normalizedPayload(project *model.Project, sub submission, timestampMS int64) ([]byte, error) {
	var detailsRaw json.RawMessage
	if len(sub.Details) > 0 {
		raw, err := json.Marshal(sub.Details)
		if err != nil {
			return nil, err
		}
		detailsRaw = raw
	}

	stackRaw, err := json.Marshal(sub.StackTrace)
	if err != nil {
		return nil, err
	}

	payload := struct {
		ProjectID   uuid.UUID       `json:"projectId"`
		ProjectSlug string          `json:"projectSlug"`
		Level       string          `json:"level"`
		Environment string          `json:"environment"`
		Category    string          `json:"category"`
		LogType     string          `json:"logType"`
		Hostname    string          `json:"hostname"`
		Message     string          `json:"message"`
		StackTrace  json.RawMessage `json:"stackTrace,omitempty"`
		Details     json.RawMessage `json:"details,omitempty"`
		TimestampMS int64           `json:"timestampMS"`
	}{
		ProjectID:   project.ID,
		ProjectSlug: project.ProjectID,
		Level:       sub.Level,
		Environment: sub.Environment,
		Category:    sub.Category,
		LogType:     sub.LogType,
		Hostname:    sub.Hostname,
		Message:     sub.Message,
		StackTrace:  stackRaw,
		Details:     detailsRaw,
		TimestampMS: timestampMS,
	}

	return json.Marshal(payload)
}

// rawStackTrace renders a plain-text rendition of a decoded stack trace for
// full-text search, mirroring the format producers typically submit raw
// stack traces in.
func rawStackTrace(frames []model.StackFrame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Raw != "" {
			b.WriteString(f.Raw)
		} else {
			b.WriteString(f.Function)
			b.WriteString(" (")
			b.WriteString(f.File)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}
