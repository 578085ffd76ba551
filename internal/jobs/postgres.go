package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// PostgresStore persists jobs in the jobs and job_events tables. Claiming
// uses FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type PostgresStore struct{ db *sql.DB }

// NewPostgresStore creates a Postgres-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const jobColumns = `id, workspace_id, type, COALESCE(key, ''), payload, status,
	priority, run_at, attempt, max_attempts, COALESCE(last_error, ''), created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var payload []byte
	err := row.Scan(&j.ID, &j.WorkspaceID, &j.Type, &j.Key, &payload, &j.Status,
		&j.Priority, &j.RunAt, &j.Attempt, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		m, err := manifest.FromJSON(payload)
		if err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
		j.Payload = m
	}
	return &j, nil
}

// liveJobByKey finds the queued or running job holding an idempotency key.
func (s *PostgresStore) liveJobByKey(ctx context.Context, workspaceID, jobType, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE workspace_id = $1 AND type = $2 AND key = $3 AND status IN ('queued', 'running')
		LIMIT 1
	`, workspaceID, jobType, key)
	return scanJob(row)
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.Key != "" {
		existing, err := s.liveJobByKey(ctx, job.WorkspaceID, job.Type, job.Key)
		if err == nil {
			return existing, false, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("check job key: %w", err)
		}
	}

	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = StatusQueued
	}
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = DefaultMaxAttempts
	}
	if stored.RunAt.IsZero() {
		stored.RunAt = time.Now().UTC()
	}
	payload, err := json.Marshal(stored.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("serialize job payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, workspace_id, type, key, payload, status, priority,
			run_at, attempt, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, stored.ID, stored.WorkspaceID, stored.Type, stored.Key, payload, stored.Status,
		stored.Priority, stored.RunAt, stored.Attempt, stored.MaxAttempts)
	if err != nil {
		// A concurrent enqueue of the same key wins the partial unique index
		// race; collapse onto its row instead of surfacing the violation.
		var pqErr *pq.Error
		if job.Key != "" && errors.As(err, &pqErr) && pqErr.Code == "23505" {
			existing, lookupErr := s.liveJobByKey(ctx, job.WorkspaceID, job.Type, job.Key)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	return &stored, true, nil
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = 'running', attempt = attempt + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= $1
			ORDER BY priority DESC, run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns+`
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("serialize job payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, priority = $2, run_at = $3, attempt = $4,
			max_attempts = $5, last_error = NULLIF($6, ''), payload = $7, updated_at = NOW()
		WHERE id = $8
	`, job.Status, job.Priority, job.RunAt, job.Attempt, job.MaxAttempts, job.LastError, payload, job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.CodeJobNotFound, "job %s not found", job.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE workspace_id = $1 AND id = $2
	`, workspaceID, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) List(ctx context.Context, workspaceID, status string, limit int) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE workspace_id = $1`
	args := []interface{}{workspaceID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddEvent(ctx context.Context, jobID, kind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, kind, message, at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New().String(), jobID, kind, message)
	if err != nil {
		return fmt.Errorf("add job event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, kind, COALESCE(message, ''), at
		FROM job_events WHERE job_id = $1 ORDER BY at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
