// Package audit is an async, buffered writer for the operator-action audit
// trail (SPEC_FULL.md's ambient stack section): entries are enqueued here and
// flushed to Postgres in batches so the request path never blocks on the
// write. Purges are the only routes wired to the writer; role changes and
// API key creation/deletion are not audited.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/logharbor/internal/auth"
	"github.com/wisbric/logharbor/internal/guard"
	"github.com/wisbric/logharbor/internal/httpserver"
)

const (
	auditPageDefaultSize = 25
	auditPageMaxSize     = 100
)

// auditListParams is the parsed page/pageSize pair for one audit-log listing
// request, read from the same camelCase query-parameter convention the rest
// of the API uses for its JSON bodies.
type auditListParams struct {
	page     int
	pageSize int
	offset   int
}

func parseAuditListParams(r *http.Request) (auditListParams, error) {
	p := auditListParams{page: 1, pageSize: auditPageDefaultSize}

	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page must be a positive integer")
		}
		p.page = n
	}

	if v := r.URL.Query().Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("pageSize must be a positive integer")
		}
		if n > auditPageMaxSize {
			n = auditPageMaxSize
		}
		p.pageSize = n
	}

	p.offset = (p.page - 1) * p.pageSize
	return p, nil
}

// AuditLogPage is the response envelope for GET .../audit-log.
type AuditLogPage struct {
	Entries    []ListEntry `json:"entries"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	TotalItems int         `json:"totalItems"`
	TotalPages int         `json:"totalPages"`
}

func newAuditLogPage(entries []ListEntry, params auditListParams, total int) AuditLogPage {
	totalPages := 0
	if params.pageSize > 0 {
		totalPages = (total + params.pageSize - 1) / params.pageSize
	}
	return AuditLogPage{
		Entries:    entries,
		Page:       params.page,
		PageSize:   params.pageSize,
		TotalItems: total,
		TotalPages: totalPages,
	}
}

// Entry represents a single audit log entry to be written.
type Entry struct {
	ProjectID  *uuid.UUID
	UserID     *uuid.UUID
	APIKeyID   *uuid.UUID
	Action     string
	Resource   string
	ResourceID uuid.UUID
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
}

// Writer is an async, buffered audit log writer.
// Entries are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the database.
// It returns immediately; the goroutine exits once the context is cancelled or
// the writer is closed, after flushing pending entries.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest is a convenience method that extracts identity, project,
// IP, and user agent from the request context, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource string, resourceID uuid.UUID, detail json.RawMessage) {
	entry := Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
	}

	if m := guard.FromContext(r.Context()); m != nil && m.Project != nil {
		id := m.Project.ID
		entry.ProjectID = &id
	}

	if id := auth.FromContext(r.Context()); id != nil {
		userID := id.UserID
		entry.UserID = &userID
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	ua := r.Header.Get("User-Agent")
	if ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				// Channel closed — flush remaining and exit.
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining entries.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database in a single round trip.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range entries {
		var resourceID *uuid.UUID
		if e.ResourceID != uuid.Nil {
			resourceID = &e.ResourceID
		}
		batch.Queue(
			`INSERT INTO audit_log (project_id, user_id, api_key_id, action, resource, resource_id, detail, ip_address, user_agent)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ProjectID, e.UserID, e.APIKeyID, e.Action, e.Resource, resourceID, e.Detail, ipParam(e.IPAddress), e.UserAgent,
		)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			w.logger.Error("writing audit log entry", "error", err)
		}
	}
}

// ipParam renders an *netip.Addr into the string pgx needs for an INET
// column, or nil if unset.
func ipParam(ip *netip.Addr) *string {
	if ip == nil {
		return nil
	}
	s := ip.String()
	return &s
}

// ListEntry is one row of the audit trail as returned to an admin caller.
type ListEntry struct {
	ID         int64           `json:"id"`
	UserID     *uuid.UUID      `json:"userId,omitempty"`
	APIKeyID   *uuid.UUID      `json:"apiKeyId,omitempty"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID *uuid.UUID      `json:"resourceId,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	IPAddress  *string         `json:"ipAddress,omitempty"`
	UserAgent  *string         `json:"userAgent,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Handler exposes the read side of the audit trail: paginated, per-project
// listing for project admins.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit-log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Mount registers the audit-log route on r, which must already carry
// guard.RequireProjectRole(auth.RoleAdmin) middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/{projectId}/audit-log", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	m := guard.FromContext(r.Context())

	params, err := parseAuditListParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var total int
	if err := h.pool.QueryRow(r.Context(),
		`SELECT count(*) FROM audit_log WHERE project_id = $1`, m.Project.ID,
	).Scan(&total); err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	rows, err := h.pool.Query(r.Context(),
		`SELECT id, user_id, api_key_id, action, resource, resource_id, detail, host(ip_address), user_agent, created_at
		 FROM audit_log WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		m.Project.ID, params.pageSize, params.offset,
	)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	entries := make([]ListEntry, 0, params.pageSize)
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.APIKeyID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("iterating audit log rows", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, newAuditLogPage(entries, params, total))
}

// clientIP extracts the client IP address from the request,
// preferring X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	// X-Forwarded-For: first entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	// X-Real-IP.
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	// Fall back to RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
