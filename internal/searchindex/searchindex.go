// Package searchindex is the default SearchIndex adapter (spec §6, §11): a
// Postgres secondary table (logs_index) carrying a tsvector plus the scalar
// columns the query planner filters and aggregates on. A dedicated search
// engine (Elasticsearch/OpenSearch) is the production-shape choice, but
// none of the retrieved reference repos imports a client for one; the
// teacher's own style (one more Postgres-backed store, hand-scanned rows)
// is reused here rather than inventing an unretrieved dependency.
package searchindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/logharbor/internal/model"
)

// Index is the search-index adapter.
type Index struct {
	pool *pgxpool.Pool
}

// New creates an Index backed by the given connection pool.
func New(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool}
}

// IndexLog mirrors a persisted log into the search index (spec §4.5: "mirrors
// it to the search index with a freshly generated ID" — the log's own ID,
// reused here as the index's primary key so re-indexing on retry is
// idempotent).
func (ix *Index) IndexLog(ctx context.Context, l *model.Log) error {
	docText := strings.ToLower(l.Message + " " + l.RawStackTrace + " " + derefString(l.DetailString))
	_, err := ix.pool.Exec(ctx, `
		INSERT INTO logs_index (log_id, project_id, log_type, level, environment, category, hostname,
			timestamp_ms, message, raw_stack_trace, detail_string, doc_text)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (log_id) DO UPDATE SET
			level = EXCLUDED.level, environment = EXCLUDED.environment, category = EXCLUDED.category,
			hostname = EXCLUDED.hostname, timestamp_ms = EXCLUDED.timestamp_ms, message = EXCLUDED.message,
			raw_stack_trace = EXCLUDED.raw_stack_trace, detail_string = EXCLUDED.detail_string,
			doc_text = EXCLUDED.doc_text`,
		l.ID, l.ProjectID, l.LogType, l.Level, l.Environment, l.Category, l.Hostname,
		l.TimestampMS, l.Message, l.RawStackTrace, derefString(l.DetailString), docText)
	if err != nil {
		return fmt.Errorf("indexing log: %w", err)
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DeleteByID removes a single document from the index.
func (ix *Index) DeleteByID(ctx context.Context, logID uuid.UUID) error {
	_, err := ix.pool.Exec(ctx, `DELETE FROM logs_index WHERE log_id = $1`, logID)
	if err != nil {
		return fmt.Errorf("deleting index doc: %w", err)
	}
	return nil
}

// DeleteByIDs removes a batch of documents from the index (spec §4.9: index
// deletes propagate alongside the store delete).
func (ix *Index) DeleteByIDs(ctx context.Context, logIDs []uuid.UUID) error {
	if len(logIDs) == 0 {
		return nil
	}
	_, err := ix.pool.Exec(ctx, `DELETE FROM logs_index WHERE log_id = ANY($1)`, logIDs)
	if err != nil {
		return fmt.Errorf("deleting index docs: %w", err)
	}
	return nil
}

// FacetField enumerates the three facet fields C8 supports.
type FacetField string

const (
	FacetEnvironment FacetField = "environment"
	FacetCategory    FacetField = "category"
	FacetHostname    FacetField = "hostname"
)

// column maps a FacetField to its logs_index column. The field is a closed
// enum resolved by the HTTP route, never interpolated from arbitrary input.
func (f FacetField) column() string {
	switch f {
	case FacetEnvironment:
		return "environment"
	case FacetCategory:
		return "category"
	case FacetHostname:
		return "hostname"
	default:
		return ""
	}
}

// FacetValue is one distinct value and its document count (spec §4.8).
type FacetValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Facet enumerates distinct values with counts for one field, scoped to
// (projectId, logType). Bounded by facet cardinality, as spec §4.8 notes —
// no pagination.
func (ix *Index) Facet(ctx context.Context, projectID uuid.UUID, logType string, field FacetField) ([]FacetValue, error) {
	col := field.column()
	if col == "" {
		return nil, fmt.Errorf("unknown facet field %q", field)
	}
	query := fmt.Sprintf(`
		SELECT %s, count(*) FROM logs_index
		WHERE project_id = $1 AND log_type = $2 AND %s <> ''
		GROUP BY %s ORDER BY count(*) DESC`, col, col, col)

	rows, err := ix.pool.Query(ctx, query, projectID, logType)
	if err != nil {
		return nil, fmt.Errorf("facet query: %w", err)
	}
	defer rows.Close()

	var values []FacetValue
	for rows.Next() {
		var v FacetValue
		if err := rows.Scan(&v.Value, &v.Count); err != nil {
			return nil, fmt.Errorf("scanning facet row: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
