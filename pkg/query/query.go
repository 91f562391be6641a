// Package query implements C7 (the query planner) and C8 (facet endpoints):
// translating a search request into a searchindex.Query, executing it, and
// hydrating the matching page back into full model.Log records.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/internal/guard"
	"github.com/wisbric/logharbor/internal/httpserver"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/internal/searchindex"
)

// Searcher is the narrow SearchIndex contract the planner needs.
type Searcher interface {
	Search(ctx context.Context, q searchindex.Query) (*searchindex.Result, error)
	Facet(ctx context.Context, projectID uuid.UUID, logType string, field searchindex.FacetField) ([]searchindex.FacetValue, error)
}

// LogLookup is the narrow DocumentStore contract the planner needs to
// hydrate index hits back into full records.
type LogLookup interface {
	FindLogByID(ctx context.Context, projectID, logID uuid.UUID) (*model.Log, error)
}

// Handler exposes the query and facet endpoints.
type Handler struct {
	Index Searcher
	Logs  LogLookup
}

// NewHandler creates a Handler.
func NewHandler(index Searcher, logs LogLookup) *Handler {
	return &Handler{Index: index, Logs: logs}
}

// textCondition is the wire shape of one {phrase, matchType} leaf.
type textCondition struct {
	Phrase    string `json:"phrase" validate:"required"`
	MatchType string `json:"matchType" validate:"required,oneof=contains startsWith endsWith"`
}

// fieldFilter is the wire shape of a per-field compound predicate.
type fieldFilter struct {
	Operator   string          `json:"operator" validate:"required,oneof=AND OR"`
	Conditions []textCondition `json:"conditions" validate:"required,min=1,dive"`
}

// docFilter is the wire shape of the document-wide text predicate.
type docFilter struct {
	Phrase    string `json:"phrase" validate:"required"`
	MatchType string `json:"matchType" validate:"required,oneof=contains startsWith endsWith"`
}

// searchRequest is the POST body of spec §4.7.
type searchRequest struct {
	Page        int          `json:"page"`
	PageSize    int          `json:"pageSize"`
	Level       multiString  `json:"level"`
	Environment multiString  `json:"environment"`
	Category    multiString  `json:"category"`
	Hostname    multiString  `json:"hostname"`
	LogType     string       `json:"logType" validate:"omitempty,oneof=application system"`
	StartTime   *int64       `json:"startTime"`
	EndTime     *int64       `json:"endTime"`
	SortOrder   string       `json:"sortOrder" validate:"omitempty,oneof=asc desc"`
	DocFilter   *docFilter   `json:"docFilter"`
	Message     *fieldFilter `json:"message"`
	StackTrace  *fieldFilter `json:"stackTrace"`
	Details     *fieldFilter `json:"details"`
}

// multiString accepts either a bare JSON string or an array of strings on
// the wire, per spec §4.7 ("string or string[]").
type multiString []string

func (m *multiString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*m = nil
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = []string{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return err
	}
	*m = ss
	return nil
}

type logsResponse struct {
	Logs       []*model.Log `json:"logs"`
	Pagination pagination   `json:"pagination"`
}

type pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

// Search implements POST /api/v1/logs/:projectId/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	var req searchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	q, verr := compile(m.Project.ID, req)
	if verr != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", verr.Error())
		return
	}

	result, err := h.Index.Search(r.Context(), q)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "search failed")
		return
	}

	logs, err := searchindex.LoadLogs(r.Context(), func(ctx context.Context, id uuid.UUID) (*model.Log, error) {
		return h.Logs.FindLogByID(ctx, m.Project.ID, id)
	}, result.LogIDs)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load logs")
		return
	}

	pageSize := q.PageSize
	totalPages := int64(0)
	if pageSize > 0 {
		totalPages = (result.Total + int64(pageSize) - 1) / int64(pageSize)
	}

	httpserver.Respond(w, http.StatusOK, logsResponse{
		Logs: logs,
		Pagination: pagination{
			Page:       q.Page,
			PageSize:   pageSize,
			Total:      result.Total,
			TotalPages: totalPages,
		},
	})
}

// compile translates a validated searchRequest into a searchindex.Query,
// applying the defaults and the docFilter-supersedes-fields precedence rule
// (spec §4.7).
func compile(projectID uuid.UUID, req searchRequest) (searchindex.Query, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = 50
	}
	if pageSize < 1 || pageSize > 1000 {
		return searchindex.Query{}, fmt.Errorf("pageSize must be between 1 and 1000")
	}

	for _, group := range []struct {
		name   string
		values []string
	}{
		{"level", req.Level}, {"environment", req.Environment},
		{"category", req.Category}, {"hostname", req.Hostname},
	} {
		// A key sent as "[]" decodes through multiString.UnmarshalJSON into a
		// non-nil, zero-length slice; an omitted key leaves the field at its
		// nil zero value. Only the former is an explicit empty array and
		// must be rejected (spec §4.7: "400 on empty string arrays").
		if group.values != nil && len(group.values) == 0 {
			return searchindex.Query{}, fmt.Errorf("%s must not be an empty array", group.name)
		}
		if len(group.values) > 10 {
			return searchindex.Query{}, fmt.Errorf("%s accepts at most 10 values", group.name)
		}
		for _, v := range group.values {
			if strings.TrimSpace(v) == "" {
				return searchindex.Query{}, fmt.Errorf("%s entries must not be blank", group.name)
			}
		}
	}

	if req.StartTime != nil && req.EndTime != nil && *req.StartTime > *req.EndTime {
		return searchindex.Query{}, fmt.Errorf("startTime must not be after endTime")
	}

	q := searchindex.Query{
		ProjectID:    projectID,
		Levels:       req.Level,
		Environments: req.Environment,
		Categories:   req.Category,
		Hostnames:    req.Hostname,
		StartTimeMS:  req.StartTime,
		EndTimeMS:    req.EndTime,
		SortDesc:     req.SortOrder != "asc",
		Page:         page,
		PageSize:     pageSize,
	}
	if req.LogType != "" {
		q.LogType = &req.LogType
	}

	if req.DocFilter != nil {
		q.Doc = &searchindex.DocFilter{Condition: searchindex.TextCondition{
			Phrase: req.DocFilter.Phrase, MatchType: searchindex.MatchType(req.DocFilter.MatchType),
		}}
		return q, nil
	}

	for col, f := range map[string]*fieldFilter{"message": req.Message, "raw_stack_trace": req.StackTrace, "detail_string": req.Details} {
		if f == nil {
			continue
		}
		conds := make([]searchindex.TextCondition, 0, len(f.Conditions))
		for _, c := range f.Conditions {
			if c.Phrase == "" {
				return searchindex.Query{}, fmt.Errorf("%s: phrase must not be blank", col)
			}
			conds = append(conds, searchindex.TextCondition{Phrase: c.Phrase, MatchType: searchindex.MatchType(c.MatchType)})
		}
		q.Fields = append(q.Fields, searchindex.FieldFilter{Column: col, Operator: f.Operator, Conditions: conds})
	}

	return q, nil
}

// facetResponse wraps the distinct values for one facet field.
type facetResponse struct {
	Values []searchindex.FacetValue `json:"values"`
}

func (h *Handler) facet(field searchindex.FacetField) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := guard.FromContext(r.Context())
		logType := chi.URLParam(r, "logType")
		if logType != model.LogTypeApplication && logType != model.LogTypeSystem {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "logType must be application or system")
			return
		}

		values, err := h.Index.Facet(r.Context(), m.Project.ID, logType, field)
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "facet query failed")
			return
		}
		httpserver.Respond(w, http.StatusOK, facetResponse{Values: values})
	}
}

// getLog implements GET /api/v1/logs/:projectId/:logId.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	logID, err := uuid.Parse(chi.URLParam(r, "logId"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid log id")
		return
	}

	log, err := h.Logs.FindLogByID(r.Context(), m.Project.ID, logID)
	if err != nil {
		httpserver.RespondAPIError(w, &apierr.NotFoundError{Resource: "log"})
		return
	}
	httpserver.Respond(w, http.StatusOK, log)
}

// Mount registers every C7/C8 route on r, which must already carry
// guard.RequireProjectRole middleware requiring any membership (spec
// §4.7's "Before planning, C10 verifies the caller is a member of the
// project in any role").
func (h *Handler) Mount(r chi.Router) {
	r.Post("/{projectId}/search", h.Search)
	r.Get("/{projectId}/{logId}", h.getLog)
	r.Get("/{projectId}/{logType}/environments", h.facet(searchindex.FacetEnvironment))
	r.Get("/{projectId}/{logType}/categories", h.facet(searchindex.FacetCategory))
	r.Get("/{projectId}/{logType}/hostnames", h.facet(searchindex.FacetHostname))
}
