// Package purge implements C9: admin-only deletion of logs by explicit ID
// list or by filter (lookback window or explicit time range, optionally
// narrowed by environment/level), propagating deletes to both the store and
// the search index (spec §4.9).
package purge

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/guard"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/store"
	"github.com/wisbric/logharbor/internal/telemetry"
)

// Store is the narrow DocumentStore contract the planner needs.
type Store interface {
	DeleteLogsByIDs(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (int64, error)
	DeleteLogsByFilter(ctx context.Context, projectID uuid.UUID, f store.PurgeFilter) (int64, error)
	MatchingLogIDs(ctx context.Context, projectID uuid.UUID, f store.PurgeFilter) ([]uuid.UUID, error)
}

// Index is the narrow SearchIndex contract the planner needs.
type Index interface {
	DeleteByIDs(ctx context.Context, logIDs []uuid.UUID) error
}

// Handler exposes DELETE /api/v1/logs/:projectId.
type Handler struct {
	Store  Store
	Index  Index
	Logger interface {
		Warn(msg string, args ...any)
	}
}

type idsRequest struct {
	LogIDs []string `json:"logIds" validate:"required,min=1,max=1000"`
}

type deletedResponse struct {
	DeletedCount int64 `json:"deletedCount"`
}

// Purge implements DELETE /api/v1/logs/:projectId, dispatching to by-ID or
// by-filter mode depending on the presence of a request body versus query
// parameters.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	if r.ContentLength > 0 {
		h.purgeByIDs(w, r, m.Project.ID)
		return
	}
	h.purgeByFilter(w, r, m.Project.ID)
}

func (h *Handler) purgeByIDs(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) {
	var req idsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ids := make([]uuid.UUID, 0, len(req.LogIDs))
	for _, s := range req.LogIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid log id %q", s))
			return
		}
		ids = append(ids, id)
	}

	count, err := h.Store.DeleteLogsByIDs(r.Context(), projectID, ids)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "purge failed")
		return
	}
	if err := h.Index.DeleteByIDs(r.Context(), ids); err != nil {
		h.Logger.Warn("purge: index delete failed", "project_id", projectID, "error", err)
	}

	telemetry.PurgeDeletedTotal.WithLabelValues("ids").Add(float64(count))
	httpserver.Respond(w, http.StatusOK, deletedResponse{DeletedCount: count})
}

func (h *Handler) purgeByFilter(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) {
	q := r.URL.Query()
	lookback := q.Get("lookbackTime")
	timeRange := q.Get("timeRange")

	if lookback != "" && timeRange != "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "lookbackTime and timeRange are mutually exclusive")
		return
	}
	if lookback == "" && timeRange == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "one of lookbackTime or timeRange is required")
		return
	}

	f := store.PurgeFilter{}
	now := time.Now()

	if lookback != "" {
		d, err := parseLookback(lookback)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		min := now.Add(-d).UnixMilli()
		f.MinTimestampMS = &min
	} else {
		start, end, err := parseTimeRange(timeRange)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		minMS, maxMS := start.UnixMilli(), end.UnixMilli()
		f.MinTimestampMS = &minMS
		f.MaxTimestampMS = &maxMS
	}

	if env := q.Get("env"); env != "" {
		f.Environment = &env
	}
	if level := q.Get("level"); level != "" {
		f.Level = &level
	}

	matchingIDs, err := h.Store.MatchingLogIDs(r.Context(), projectID, f)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "purge failed")
		return
	}

	count, err := h.Store.DeleteLogsByFilter(r.Context(), projectID, f)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "purge failed")
		return
	}
	if err := h.Index.DeleteByIDs(r.Context(), matchingIDs); err != nil {
		h.Logger.Warn("purge: index delete failed", "project_id", projectID, "error", err)
	}

	telemetry.PurgeDeletedTotal.WithLabelValues("filter").Add(float64(count))
	httpserver.Respond(w, http.StatusOK, deletedResponse{DeletedCount: count})
}

var lookbackPattern = regexp.MustCompile(`^(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days|mo|month|months)$`)

// parseLookback parses durations like "5d", "2h", "10m", "3months" (spec
// §4.9). Months are treated as a fixed 30-day approximation; purge windows
// don't need calendar precision.
func parseLookback(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	match := lookbackPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("unparsable lookbackTime %q", s)
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("unparsable lookbackTime %q", s)
	}

	switch match[2][0] {
	case 'm':
		if strings.HasPrefix(match[2], "mo") {
			return time.Duration(n) * 30 * 24 * time.Hour, nil
		}
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unparsable lookbackTime %q", s)
	}
}

// parseTimeRange parses "YYYY-MM-DD to YYYY-MM-DD" or
// "YYYY-MM-DD-HH:MM:SS to YYYY-MM-DD-HH:MM:SS" (spec §4.9), UTC.
func parseTimeRange(s string) (start, end time.Time, err error) {
	parts := strings.SplitN(s, " to ", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("unparsable timeRange %q", s)
	}

	start, err = parseTimeRangeBound(strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err = parseTimeRangeBound(strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("timeRange start must not be after end")
	}
	return start, end, nil
}

func parseTimeRangeBound(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02-15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparsable time bound %q", s)
}
