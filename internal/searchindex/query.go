package searchindex

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/model"
)

// MatchType is one of the three text-match modes spec §4.7 defines.
type MatchType string

const (
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "startsWith"
	MatchEndsWith   MatchType = "endsWith"
)

// TextCondition is one {phrase, matchType} leaf of a compound text filter.
type TextCondition struct {
	Phrase    string
	MatchType MatchType
}

// containsPattern renders the ILIKE pattern for an unanchored "contains"
// match, case-insensitive per spec §4.7. Substring containment has no token
// boundary to anchor to, so this is the only match type that stays a plain
// ILIKE regardless of which column it targets.
func (c TextCondition) containsPattern() string {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(c.Phrase)
	return "%" + escaped + "%"
}

// boundaryRegex renders a case-insensitive, word-boundary-anchored regex for
// startsWith/endsWith, using Postgres's \m/\M token-boundary escapes (spec
// §4.7: "anchor at token boundaries"). Used for logs_index's per-field text
// columns (message, raw_stack_trace, detail_string), none of which carry
// their own tsvector — only the document-wide doc_text/search_vector pair
// does, via the logs_index_vector_trigger in the init migration.
func (c TextCondition) boundaryRegex() string {
	escaped := regexp.QuoteMeta(c.Phrase)
	switch c.MatchType {
	case MatchStartsWith:
		return `\m` + escaped
	case MatchEndsWith:
		return escaped + `\M`
	default:
		return escaped
	}
}

// tsqueryPrefix renders phrase as a to_tsquery('simple', ...) expression
// matching documents that contain phrase's words in order, with the final
// word prefix-matched — the standard "search-as-you-type" idiom, and the
// only search_vector-shaped query Postgres full-text search actually supports
// (to_tsquery has no notion of a suffix or infix match). Each word is quoted
// as a tsquery lexeme literal so punctuation in the phrase can't be parsed
// as a tsquery operator.
func tsqueryPrefix(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		words[i] = "'" + strings.ReplaceAll(w, "'", "''") + "'"
	}
	if len(words) > 0 {
		words[len(words)-1] += ":*"
	}
	return strings.Join(words, " & ")
}

// FieldFilter is a compound predicate over one text field: message,
// stackTrace, or details (spec §4.7's per-field `{operator, conditions}`).
type FieldFilter struct {
	Column     string // logs_index column this filter targets
	Operator   string // "AND" or "OR"
	Conditions []TextCondition
}

// DocFilter is the document-wide text predicate that supersedes the
// per-field filters when present (spec §4.7 precedence rule).
type DocFilter struct {
	Condition TextCondition
}

// Query is the compiled request the planner (pkg/query) hands to the index:
// a filter clause over scalar fields and time range, plus a textual query
// (spec §4.7).
type Query struct {
	ProjectID    uuid.UUID
	LogType      *string
	Levels       []string
	Environments []string
	Categories   []string
	Hostnames    []string
	StartTimeMS  *int64
	EndTimeMS    *int64
	SortDesc     bool // true = desc (default), false = asc
	Page         int
	PageSize     int

	// Doc takes precedence over Fields when both are non-nil, mirroring the
	// §4.7 precedence rule; the planner already enforces this, but Search
	// re-enforces it defensively.
	Doc    *DocFilter
	Fields []FieldFilter
}

// Result is one page of matching logs plus the total match count, letting
// the caller compute totalPages (spec §4.7).
type Result struct {
	LogIDs []uuid.UUID
	Total  int64
}

// Search compiles q into a single SQL statement against logs_index and
// returns the matching page of log IDs plus the total count.
func (ix *Index) Search(ctx context.Context, q Query) (*Result, error) {
	where := []string{"project_id = $1"}
	args := []any{q.ProjectID}

	addIn := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		args = append(args, values)
		where = append(where, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
	}

	if q.LogType != nil {
		args = append(args, *q.LogType)
		where = append(where, fmt.Sprintf("log_type = $%d", len(args)))
	}
	addIn("level", q.Levels)
	addIn("environment", q.Environments)
	addIn("category", q.Categories)
	addIn("hostname", q.Hostnames)

	if q.StartTimeMS != nil {
		args = append(args, *q.StartTimeMS)
		where = append(where, fmt.Sprintf("timestamp_ms >= $%d", len(args)))
	}
	if q.EndTimeMS != nil {
		args = append(args, *q.EndTimeMS)
		where = append(where, fmt.Sprintf("timestamp_ms <= $%d", len(args)))
	}

	if q.Doc != nil {
		switch q.Doc.Condition.MatchType {
		case MatchStartsWith:
			// Token-prefix match against the GIN-indexed search_vector column
			// the init migration builds and keeps current via
			// logs_index_vector_trigger — this is the query shape that index
			// exists to serve.
			args = append(args, tsqueryPrefix(q.Doc.Condition.Phrase))
			where = append(where, fmt.Sprintf("search_vector @@ to_tsquery('simple', $%d)", len(args)))
		case MatchEndsWith:
			// to_tsquery has no suffix-match operator, so endsWith falls back
			// to a token-boundary-anchored regex against doc_text.
			args = append(args, q.Doc.Condition.boundaryRegex())
			where = append(where, fmt.Sprintf("doc_text ~* $%d", len(args)))
		default:
			args = append(args, q.Doc.Condition.containsPattern())
			where = append(where, fmt.Sprintf("doc_text ILIKE $%d", len(args)))
		}
	} else {
		for _, ff := range q.Fields {
			clause, newArgs := ff.render(args)
			args = newArgs
			where = append(where, clause)
		}
	}

	order := "DESC"
	if !q.SortDesc {
		order = "ASC"
	}

	page, pageSize := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	offset := (page - 1) * pageSize

	countQuery := "SELECT count(*) FROM logs_index WHERE " + strings.Join(where, " AND ")
	var total int64
	if err := ix.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting search results: %w", err)
	}

	args = append(args, pageSize, offset)
	selectQuery := fmt.Sprintf(`SELECT log_id FROM logs_index WHERE %s ORDER BY timestamp_ms %s LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), order, len(args)-1, len(args))

	rows, err := ix.pool.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("searching logs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		ids = append(ids, id)
	}
	return &Result{LogIDs: ids, Total: total}, rows.Err()
}

// render builds this field filter's SQL clause, appending its patterns to
// args and returning the parenthesized clause plus the updated args slice.
func (ff FieldFilter) render(args []any) (string, []any) {
	joiner := " OR "
	if strings.EqualFold(ff.Operator, "AND") {
		joiner = " AND "
	}

	parts := make([]string, 0, len(ff.Conditions))
	for _, c := range ff.Conditions {
		if c.MatchType == MatchContains {
			args = append(args, c.containsPattern())
			parts = append(parts, fmt.Sprintf("%s ILIKE $%d", ff.Column, len(args)))
			continue
		}
		// message/raw_stack_trace/detail_string have no tsvector of their
		// own (only the document-wide doc_text does), so startsWith/endsWith
		// here use a token-boundary-anchored regex rather than to_tsquery.
		args = append(args, c.boundaryRegex())
		parts = append(parts, fmt.Sprintf("%s ~* $%d", ff.Column, len(args)))
	}
	return "(" + strings.Join(parts, joiner) + ")", args
}

// LoadLogs hydrates a page of IDs back into full Log records in index order,
// delegating to the primary store since the index table doesn't carry the
// full payload (details map, structured stack trace).
func LoadLogs(ctx context.Context, lookup func(ctx context.Context, id uuid.UUID) (*model.Log, error), ids []uuid.UUID) ([]*model.Log, error) {
	logs := make([]*model.Log, 0, len(ids))
	for _, id := range ids {
		l, err := lookup(ctx, id)
		if err != nil {
			continue // index/store can race on a concurrent delete; skip rather than fail the page
		}
		logs = append(logs, l)
	}
	return logs, nil
}
