// Package store is the default DocumentStore adapter (spec §6, §11):
// Postgres via pgx, hand-scanned rows, no code generator in the retrieved
// reference material. The core (pkg/constraint, pkg/quota, pkg/ingest,
// pkg/query, pkg/purge, pkg/apikey) depends on narrow interfaces it
// declares itself; Store satisfies all of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/logharbor/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by UpdateMemberRole when the
// read-modify-write's version check fails. AddAPIKey and DeleteAPIKey do not
// check the project version and never return it.
var ErrVersionConflict = errors.New("project version conflict")

// Store is the Postgres-backed DocumentStore.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const projectColumns = `id, project_id, owner_id, version, created_at, updated_at`

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.ProjectID, &p.OwnerID, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	return &p, nil
}

func (s *Store) loadMembers(ctx context.Context, projectID uuid.UUID) ([]model.ProjectMember, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, role FROM project_members WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project members: %w", err)
	}
	defer rows.Close()

	var members []model.ProjectMember
	for rows.Next() {
		var m model.ProjectMember
		if err := rows.Scan(&m.UserID, &m.Role); err != nil {
			return nil, fmt.Errorf("scanning project member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// FindProjectByProjectID resolves a project by its public slug (spec §3).
func (s *Store) FindProjectByProjectID(ctx context.Context, projectID string) (*model.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = $1`, projectID)
	p, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	p.Users, err = s.loadMembers(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindProjectByID resolves a project by its internal surrogate key.
func (s *Store) FindProjectByID(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	p.Users, err = s.loadMembers(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindProjectByAPIKeyHash resolves the project and matching API key for a
// hashed producer key (spec §4.5 step 2: "scanning project.apiKeys[*].key
// == header"). Hashing happens at the caller; the store only compares hashes.
func (s *Store) FindProjectByAPIKeyHash(ctx context.Context, keyHash string) (*model.Project, *model.ApiKey, error) {
	var keyID, keyProjectID uuid.UUID
	var key model.ApiKey
	var constraintsRaw []byte

	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, key_hash, key_prefix, description, constraints, created_at
		FROM api_keys WHERE key_hash = $1`, keyHash)
	if err := row.Scan(&keyID, &keyProjectID, &key.KeyHash, &key.KeyPrefix, &key.Description, &constraintsRaw, &key.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("scanning api key: %w", err)
	}
	key.ID = keyID
	key.ProjectID = keyProjectID
	if err := json.Unmarshal(constraintsRaw, &key.Constraints); err != nil {
		return nil, nil, fmt.Errorf("decoding api key constraints: %w", err)
	}

	project, err := s.FindProjectByID(ctx, keyProjectID)
	if err != nil {
		return nil, nil, err
	}
	return project, &key, nil
}

// AddAPIKey inserts a new API key under a project (spec §12, API-key
// lifecycle). The project's apiKeys[*].key uniqueness (I3) is enforced by
// the key_hash unique constraint.
func (s *Store) AddAPIKey(ctx context.Context, projectID uuid.UUID, key *model.ApiKey) error {
	constraintsRaw, err := json.Marshal(key.Constraints)
	if err != nil {
		return fmt.Errorf("encoding api key constraints: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, project_id, key_hash, key_prefix, description, constraints, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, projectID, key.KeyHash, key.KeyPrefix, key.Description, constraintsRaw, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// ListAPIKeys returns every key configured for a project.
func (s *Store) ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]model.ApiKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, key_hash, key_prefix, description, constraints, created_at
		FROM api_keys WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.ApiKey
	for rows.Next() {
		var k model.ApiKey
		var raw []byte
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.KeyHash, &k.KeyPrefix, &k.Description, &raw, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		if err := json.Unmarshal(raw, &k.Constraints); err != nil {
			return nil, fmt.Errorf("decoding api key constraints: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes a key, scoped to its owning project.
func (s *Store) DeleteAPIKey(ctx context.Context, projectID, keyID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND project_id = $2`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMemberRole changes a member's role using optimistic read-modify-write
// keyed on the project's version column (spec §5, §9 design notes: "operate
// through read-modify-write with a version check; never issue blind
// array-union/remove against stale reads"). Callers must re-read and retry
// on ErrVersionConflict.
func (s *Store) UpdateMemberRole(ctx context.Context, project *model.Project, userID uuid.UUID, newRole string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE projects SET version = version + 1, updated_at = now() WHERE id = $1 AND version = $2`,
		project.ID, project.Version)
	if err != nil {
		return fmt.Errorf("bumping project version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	tag, err = tx.Exec(ctx, `UPDATE project_members SET role = $1 WHERE project_id = $2 AND user_id = $3`,
		newRole, project.ID, userID)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// FindUserByID resolves a user by surrogate key.
func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	row := s.pool.QueryRow(ctx, `SELECT id, email, created_at FROM users WHERE id = $1`, id)
	if err := row.Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// FindUsageMetadata resolves the read-through cached join described in
// spec §4.5 step 6: {userCreatedAt, subscriptionPlanId, logLimit,
// projectLimit}, joining users to subscription_plans.
func (s *Store) FindUsageMetadata(ctx context.Context, ownerID uuid.UUID) (*model.UsageMetadata, error) {
	var md model.UsageMetadata
	row := s.pool.QueryRow(ctx, `
		SELECT u.created_at, COALESCE(u.subscription_plan_id, ''), p.log_limit, p.project_limit
		FROM users u
		LEFT JOIN subscription_plans p ON p.id = u.subscription_plan_id
		WHERE u.id = $1`, ownerID)
	if err := row.Scan(&md.UserCreatedAt, &md.SubscriptionPlanID, &md.LogLimit, &md.ProjectLimit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning usage metadata: %w", err)
	}
	return &md, nil
}

// CreateLog persists a log idempotently on its generated ID (spec §4.5:
// "persistence must be idempotent on the generated ID" for at-least-once
// bus redelivery).
func (s *Store) CreateLog(ctx context.Context, l *model.Log) error {
	stackRaw, err := json.Marshal(l.StackTrace)
	if err != nil {
		return fmt.Errorf("encoding stack trace: %w", err)
	}
	var detailsRaw []byte
	if len(l.Details) > 0 {
		detailsRaw, err = json.Marshal(l.Details)
		if err != nil {
			return fmt.Errorf("encoding details: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO logs (id, project_id, project_slug, level, environment, category, log_type,
			hostname, message, stack_trace, raw_stack_trace, details, detail_string, timestamp_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.ProjectID, l.ProjectSlug, l.Level, l.Environment, l.Category, l.LogType,
		l.Hostname, l.Message, stackRaw, l.RawStackTrace, nullableJSON(detailsRaw), l.DetailString, l.TimestampMS, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting log: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// FindLogByID fetches a single log, scoped to its project.
func (s *Store) FindLogByID(ctx context.Context, projectID, logID uuid.UUID) (*model.Log, error) {
	var l model.Log
	var stackRaw, detailsRaw []byte
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, project_slug, level, environment, category, log_type,
			hostname, message, stack_trace, raw_stack_trace, details, detail_string, timestamp_ms, created_at
		FROM logs WHERE id = $1 AND project_id = $2`, logID, projectID)
	if err := row.Scan(&l.ID, &l.ProjectID, &l.ProjectSlug, &l.Level, &l.Environment, &l.Category, &l.LogType,
		&l.Hostname, &l.Message, &stackRaw, &l.RawStackTrace, &detailsRaw, &l.DetailString, &l.TimestampMS, &l.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning log: %w", err)
	}
	if len(stackRaw) > 0 {
		if err := json.Unmarshal(stackRaw, &l.StackTrace); err != nil {
			return nil, fmt.Errorf("decoding stack trace: %w", err)
		}
	}
	if len(detailsRaw) > 0 {
		if err := json.Unmarshal(detailsRaw, &l.Details); err != nil {
			return nil, fmt.Errorf("decoding details: %w", err)
		}
	}
	return &l, nil
}

// DeleteLogsByIDs deletes the given logs scoped to projectID (spec §4.9).
// Logs not bound to projectID are silently excluded rather than erroring.
func (s *Store) DeleteLogsByIDs(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM logs WHERE project_id = $1 AND id = ANY($2)`, projectID, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting logs by id: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeFilter is the normalized filter shape from spec §4.9: "Translate to
// {minTimestampMS, maxTimestampMS, environment?, level?}".
type PurgeFilter struct {
	MinTimestampMS *int64
	MaxTimestampMS *int64
	Environment    *string
	Level          *string
}

// DeleteLogsByFilter deletes logs scoped to projectID matching filter.
func (s *Store) DeleteLogsByFilter(ctx context.Context, projectID uuid.UUID, f PurgeFilter) (int64, error) {
	query := `DELETE FROM logs WHERE project_id = $1`
	args := []any{projectID}

	if f.MinTimestampMS != nil {
		args = append(args, *f.MinTimestampMS)
		query += fmt.Sprintf(" AND timestamp_ms >= $%d", len(args))
	}
	if f.MaxTimestampMS != nil {
		args = append(args, *f.MaxTimestampMS)
		query += fmt.Sprintf(" AND timestamp_ms <= $%d", len(args))
	}
	if f.Environment != nil {
		args = append(args, *f.Environment)
		query += fmt.Sprintf(" AND environment = $%d", len(args))
	}
	if f.Level != nil {
		args = append(args, *f.Level)
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting logs by filter: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MatchingLogIDs returns the IDs of logs matching filter, for propagating a
// filter-based purge to the search index (spec §4.9: "Deletes must
// propagate to the index").
func (s *Store) MatchingLogIDs(ctx context.Context, projectID uuid.UUID, f PurgeFilter) ([]uuid.UUID, error) {
	query := `SELECT id FROM logs WHERE project_id = $1`
	args := []any{projectID}

	if f.MinTimestampMS != nil {
		args = append(args, *f.MinTimestampMS)
		query += fmt.Sprintf(" AND timestamp_ms >= $%d", len(args))
	}
	if f.MaxTimestampMS != nil {
		args = append(args, *f.MaxTimestampMS)
		query += fmt.Sprintf(" AND timestamp_ms <= $%d", len(args))
	}
	if f.Environment != nil {
		args = append(args, *f.Environment)
		query += fmt.Sprintf(" AND environment = $%d", len(args))
	}
	if f.Level != nil {
		args = append(args, *f.Level)
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting matching log ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning log id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAlarms returns every alarm configured for a project (spec §4.6).
func (s *Store) ListAlarms(ctx context.Context, projectID uuid.UUID) ([]model.ProjectAlarm, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, log_type, message_pattern, levels, environment, categories, delivery
		FROM project_alarms WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing alarms: %w", err)
	}
	defer rows.Close()

	var alarms []model.ProjectAlarm
	for rows.Next() {
		var a model.ProjectAlarm
		var deliveryRaw []byte
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.LogType, &a.MessagePattern, &a.Levels, &a.Environment, &a.Categories, &deliveryRaw); err != nil {
			return nil, fmt.Errorf("scanning alarm: %w", err)
		}
		if err := json.Unmarshal(deliveryRaw, &a.Delivery); err != nil {
			return nil, fmt.Errorf("decoding alarm delivery: %w", err)
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}
