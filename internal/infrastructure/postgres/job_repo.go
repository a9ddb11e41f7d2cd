package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, batch_id, job_type, status, retry_count, payload, result,
		       started_at, completed_at, created_at, updated_at`

type JobRepository struct {
	db DB
}

func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO import_jobs (batch_id, job_type, status, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobColumns,
		job.BatchID, job.JobType, job.Status, nullJSON(job.Payload),
	)

	created, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateJob
		}
		return nil, err
	}
	return created, nil
}

func (r *JobRepository) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *JobRepository) ListByBatch(ctx context.Context, batchID string) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM import_jobs
		WHERE batch_id = $1
		ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, result json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE import_jobs
		SET    status       = $2,
		       result       = COALESCE($3, result),
		       started_at   = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		       completed_at = CASE WHEN $2 IN ('SUCCEEDED', 'FAILED', 'CANCELLED') THEN NOW() ELSE NULL END,
		       updated_at   = NOW()
		WHERE id = $1`, id, status, nullJSON(result))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) Finish(ctx context.Context, id string, status domain.JobStatus, result json.RawMessage) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE import_jobs
		SET    status       = $2,
		       result       = COALESCE($3, result),
		       completed_at = NOW(),
		       updated_at   = NOW()
		WHERE id = $1
		  AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`, id, status, nullJSON(result))
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// nullJSON keeps an empty payload NULL instead of an invalid empty jsonb.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j               domain.Job
		payload, result []byte
	)
	err := row.Scan(
		&j.ID, &j.BatchID, &j.JobType, &j.Status, &j.RetryCount, &payload, &result,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = payload
	j.Result = result
	return &j, nil
}
