package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `job_id, user_id, status, prompt, model, params, result_data, created_at, updated_at, completed_at`

const terminalStatusList = `('completed', 'failed', 'cancelled')`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := job.Status
	if status == "" {
		status = models.JobStatusPending
	}
	resultData, err := marshalResult(job.ResultData)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	var params []byte
	if len(job.Params) > 0 {
		params = job.Params
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (job_id, user_id, status, prompt, model, params, result_data, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, CASE WHEN $3 IN `+terminalStatusList+` THEN $8::timestamptz END)
		 ON CONFLICT (job_id) DO NOTHING
		 RETURNING `+jobColumns,
		job.JobID, job.UserID, string(status), job.Prompt, job.Model, params, resultData, createdAt)
	created, err := scanJob(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Already tracked: creation is a no-op.
		existing, getErr := s.GetJob(ctx, job.JobID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, fmt.Errorf("create job %s: row vanished after conflict", job.JobID)
		}
		return existing, nil
	case isPolicyViolation(err):
		return s.createMinimalJob(ctx, job.JobID, job.UserID, status)
	case err != nil:
		return nil, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

// createMinimalJob retries an insert rejected by a row-level security policy with only the
// identifying columns. It runs at most once per CreateJob call.
func (s *PostgresStore) createMinimalJob(ctx context.Context, jobID string, userID *string, status models.JobStatus) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (job_id, user_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO NOTHING
		 RETURNING `+jobColumns,
		jobID, userID, string(status))
	created, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create job (minimal fields): %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]any) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	// Fetch current status
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !models.CanTransition(models.JobStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	patch, err := marshalResult(resultData)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	// SET expressions see the row before the update. Repeating a terminal status keeps
	// updated_at so a duplicate call leaves the row unchanged; the WHERE guard rejects a
	// terminal state written by a concurrent caller after the read above.
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   result_data = CASE WHEN $3::jsonb IS NULL THEN result_data
		                      ELSE COALESCE(result_data, '{}'::jsonb) || $3::jsonb END,
		   updated_at = CASE WHEN status = $2 AND status IN `+terminalStatusList+` THEN updated_at ELSE NOW() END,
		   completed_at = CASE WHEN $2 IN `+terminalStatusList+` THEN COALESCE(completed_at, NOW()) ELSE completed_at END,
		   status = $2
		 WHERE job_id = $1 AND (status = $2 OR status NOT IN `+terminalStatusList+`)`,
		jobID, string(status), patch)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s reached a terminal state concurrently", ErrInvalidTransition, jobID)
	}
	return nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, userID string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'processing') AND ($1::text = '' OR user_id = $1)
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListCompletedJobs(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'completed' AND ($1::text = '' OR user_id = $1)
		 ORDER BY completed_at DESC, created_at DESC
		 LIMIT $2`, userID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) PurgeJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM generations WHERE created_at < $1`, cutoff); err != nil {
		return tag.RowsAffected(), fmt.Errorf("purge generations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Generations ---

func (s *PostgresStore) SaveGenerations(ctx context.Context, records []*models.GenerationRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		raw, err := marshalResult(r.Raw)
		if err != nil {
			return fmt.Errorf("save generations: %w", err)
		}
		batch.Queue(
			`INSERT INTO generations (job_id, id, user_id, seed, kind, url, data, model, worker_id, worker_name, censored, error, raw, source, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (job_id, id) DO NOTHING`,
			r.JobID, r.ID, r.UserID, r.Seed, string(r.Kind), r.URL, r.Data, r.Model,
			r.WorkerID, r.WorkerName, r.Censored, r.Error, raw, r.Source, createdAt)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save generations: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGenerations(ctx context.Context, jobID string) ([]*models.GenerationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, id, user_id, seed, kind, url, data, model, worker_id, worker_name, censored, error, raw, source, created_at
		 FROM generations WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	records := []*models.GenerationRecord{}
	for rows.Next() {
		var r models.GenerationRecord
		var kind string
		var raw []byte
		if err := rows.Scan(&r.JobID, &r.ID, &r.UserID, &r.Seed, &kind, &r.URL, &r.Data, &r.Model,
			&r.WorkerID, &r.WorkerName, &r.Censored, &r.Error, &raw, &r.Source, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		r.Kind = models.ImageKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Raw); err != nil {
				return nil, fmt.Errorf("decode generation raw payload: %w", err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status string
	var params, result []byte
	if err := row.Scan(&j.JobID, &j.UserID, &status, &j.Prompt, &j.Model, &params, &result,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if len(params) > 0 {
		j.Params = json.RawMessage(params)
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.ResultData); err != nil {
			return nil, fmt.Errorf("decode result data: %w", err)
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// marshalResult encodes a JSON object for a jsonb column; nil stays SQL NULL.
func marshalResult(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isPolicyViolation checks for a row-level security rejection.
func isPolicyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42501" // insufficient_privilege
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
