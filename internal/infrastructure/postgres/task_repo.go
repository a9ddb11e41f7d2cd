package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/jackc/pgx/v5"
)

// taskColumns assumes the task table is aliased t and its job j.
const taskColumns = `t.id, t.job_id, j.job_type, j.batch_id, t.krithi_key, t.idempotency_key,
		       t.status, t.attempt, t.requeues, t.source_url, t.error, t.duration_ms,
		       t.checksum, t.started_at, t.completed_at, t.created_at, t.updated_at`

// staleLimit bounds one watchdog sweep.
const staleLimit = 500

type TaskRepository struct {
	db DB
}

func NewTaskRepository(db DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) CreateMany(ctx context.Context, job *domain.Job, tasks []domain.NewTask) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	inserted := 0
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, t := range tasks {
			tag, err := tx.Exec(ctx, `
				INSERT INTO import_task_runs (job_id, krithi_key, idempotency_key, source_url)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (job_id, idempotency_key) DO NOTHING`,
				job.ID, t.KrithiKey, t.IdempotencyKey, t.SourceURL)
			if err != nil {
				return fmt.Errorf("insert task %q: %w", t.IdempotencyKey, err)
			}
			inserted += int(tag.RowsAffected())
		}

		// Totals grow in the same transaction so no worker can land one of
		// these tasks before the batch knows about it.
		if inserted > 0 && job.JobType.CountsTowardBatch() {
			if _, err := tx.Exec(ctx, `
				UPDATE import_batches
				SET    total_tasks = total_tasks + $2, updated_at = NOW()
				WHERE id = $1`, job.BatchID, inserted); err != nil {
				return fmt.Errorf("grow batch totals: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *TaskRepository) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM import_task_runs t
		JOIN import_jobs j ON j.id = t.job_id
		WHERE t.id = $1`, id)
	return scanTask(row)
}

func (r *TaskRepository) ListByJob(ctx context.Context, jobID string) ([]*domain.Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM import_task_runs t
		JOIN import_jobs j ON j.id = t.job_id
		WHERE t.job_id = $1
		ORDER BY t.created_at ASC, t.id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) CountByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM import_task_runs WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (r *TaskRepository) ClaimNextPending(ctx context.Context, jobType domain.JobType, batchStatuses []domain.BatchStatus, limit int) ([]*domain.Task, error) {
	// FOR UPDATE OF t SKIP LOCKED gives each task to at most one claimant.
	rows, err := r.db.Query(ctx, `
		WITH claimable AS (
			SELECT t.id
			FROM   import_task_runs t
			JOIN   import_jobs j    ON j.id = t.job_id
			JOIN   import_batches b ON b.id = j.batch_id
			WHERE  j.job_type = $1
			  AND  b.status   = ANY($2)
			  AND  t.status IN ('PENDING', 'RETRYABLE')
			ORDER BY t.created_at ASC
			LIMIT $3
			FOR UPDATE OF t SKIP LOCKED
		)
		UPDATE import_task_runs t
		SET    status = 'RUNNING', started_at = NOW(), updated_at = NOW()
		FROM   claimable c, import_jobs j
		WHERE  t.id = c.id AND j.id = t.job_id
		RETURNING `+taskColumns,
		jobType, toStrings(batchStatuses), limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) MarkStarted(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE import_task_runs
		SET    started_at = NOW(), completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'`, id)
	if err != nil {
		return fmt.Errorf("mark task started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotRunning
	}
	return nil
}

func (r *TaskRepository) IncrementAttempt(ctx context.Context, id string) (int, error) {
	var attempt int
	err := r.db.QueryRow(ctx, `
		UPDATE import_task_runs
		SET    attempt = attempt + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING attempt`, id).Scan(&attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrTaskNotFound
		}
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return attempt, nil
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, u domain.TaskUpdate) error {
	errPayload, err := marshalTaskError(u.Error)
	if err != nil {
		return err
	}

	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		var (
			prev    domain.TaskStatus
			jobType domain.JobType
			batchID string
		)
		err := tx.QueryRow(ctx, `
			SELECT t.status, j.job_type, j.batch_id
			FROM   import_task_runs t
			JOIN   import_jobs j ON j.id = t.job_id
			WHERE  t.id = $1
			FOR UPDATE OF t`, id).Scan(&prev, &jobType, &batchID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrTaskNotFound
			}
			return fmt.Errorf("lock task: %w", err)
		}
		// Only the worker holding the claim may land an outcome.
		if prev != domain.TaskRunning {
			return domain.ErrTaskNotRunning
		}

		_, err = tx.Exec(ctx, `
			UPDATE import_task_runs
			SET    status       = $2,
			       error        = $3,
			       duration_ms  = COALESCE($4, duration_ms),
			       checksum     = COALESCE($5, checksum),
			       completed_at = CASE WHEN $2 IN ('SUCCEEDED', 'FAILED', 'BLOCKED', 'CANCELLED') THEN NOW() ELSE NULL END,
			       updated_at   = NOW()
			WHERE id = $1`,
			id, u.Status, errPayload, u.DurationMS, u.Checksum)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		if u.Status.Terminal() && jobType.CountsTowardBatch() {
			if _, err := incrementCounters(ctx, tx, batchID, domain.CountersFor(u.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *TaskRepository) RescheduleStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Task, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE import_task_runs t
		SET    status     = 'RETRYABLE',
		       error      = jsonb_build_object(
		                        'code', 'stuck_timeout',
		                        'message', 'task exceeded the running threshold',
		                        'url', t.source_url,
		                        'attempt', t.attempt),
		       updated_at = NOW()
		FROM   import_jobs j
		WHERE  j.id = t.job_id
		  AND  t.id IN (
			SELECT id FROM import_task_runs
			WHERE  status     = 'RUNNING'
			  AND  started_at < $1
			  AND  attempt    < $2 * (requeues + 1)
			ORDER BY started_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, cutoff, maxAttempts, staleLimit)
	if err != nil {
		return nil, fmt.Errorf("reschedule stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) FailStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*domain.Task, error) {
	var failed []*domain.Task
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE import_task_runs t
			SET    status       = 'FAILED',
			       error        = jsonb_build_object(
			                          'code', 'stuck_timeout',
			                          'message', 'task exceeded the running threshold with no attempts left',
			                          'url', t.source_url,
			                          'attempt', t.attempt),
			       completed_at = NOW(),
			       updated_at   = NOW()
			FROM   import_jobs j
			WHERE  j.id = t.job_id
			  AND  t.id IN (
				SELECT id FROM import_task_runs
				WHERE  status     = 'RUNNING'
				  AND  started_at < $1
				  AND  attempt   >= $2 * (requeues + 1)
				ORDER BY started_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskColumns, cutoff, maxAttempts, staleLimit)
		if err != nil {
			return fmt.Errorf("fail stale tasks: %w", err)
		}
		if failed, err = collectTasks(rows); err != nil {
			return err
		}

		perBatch := make(map[string]int)
		for _, t := range failed {
			if t.JobType.CountsTowardBatch() {
				perBatch[t.BatchID]++
			}
		}
		batchIDs := make([]string, 0, len(perBatch))
		for id := range perBatch {
			batchIDs = append(batchIDs, id)
		}
		sort.Strings(batchIDs)
		for _, id := range batchIDs {
			n := perBatch[id]
			if _, err := incrementCounters(ctx, tx, id, domain.BatchCounters{Processed: n, Failed: n}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

func (r *TaskRepository) Requeue(ctx context.Context, id string) (*domain.Task, error) {
	var requeued *domain.Task
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM import_task_runs t
			JOIN import_jobs j ON j.id = t.job_id
			WHERE t.id = $1
			FOR UPDATE OF t`, id))
		if err != nil {
			return err
		}
		if task.Status != domain.TaskFailed && task.Status != domain.TaskBlocked {
			return domain.ErrInvalidTransition
		}

		requeued, err = scanTask(tx.QueryRow(ctx, `
			UPDATE import_task_runs t
			SET    status = 'RETRYABLE', requeues = t.requeues + 1, error = NULL,
			       completed_at = NULL, updated_at = NOW()
			FROM   import_jobs j
			WHERE  j.id = t.job_id AND t.id = $1
			RETURNING `+taskColumns, id))
		if err != nil {
			return err
		}

		if task.JobType.CountsTowardBatch() {
			if _, err := incrementCounters(ctx, tx, task.BatchID, domain.CountersFor(task.Status).Negate()); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE import_jobs
			SET    status = 'RUNNING', completed_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('SUCCEEDED', 'FAILED')`, task.JobID); err != nil {
			return fmt.Errorf("reopen job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE import_batches
			SET    status = 'RUNNING', completed_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('SUCCEEDED', 'FAILED')`, task.BatchID); err != nil {
			return fmt.Errorf("reopen batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

func (r *TaskRepository) CancelOpen(ctx context.Context, batchID string) (int, error) {
	var total, countable int
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			WITH cancelled AS (
				UPDATE import_task_runs t
				SET    status       = 'CANCELLED',
				       error        = jsonb_build_object('code', 'cancelled', 'message', 'batch cancelled by operator'),
				       completed_at = NOW(),
				       updated_at   = NOW()
				FROM   import_jobs j
				WHERE  j.id = t.job_id
				  AND  j.batch_id = $1
				  AND  t.status IN ('PENDING', 'RETRYABLE')
				RETURNING j.job_type
			)
			SELECT COUNT(*), COUNT(*) FILTER (WHERE job_type <> 'MANIFEST_INGEST')
			FROM cancelled`, batchID).Scan(&total, &countable)
		if err != nil {
			return fmt.Errorf("cancel open tasks: %w", err)
		}
		if countable > 0 {
			_, err = incrementCounters(ctx, tx, batchID, domain.BatchCounters{Processed: countable, Cancelled: countable})
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func marshalTaskError(te *domain.TaskError) (any, error) {
	if te == nil {
		return nil, nil
	}
	b, err := json.Marshal(te)
	if err != nil {
		return nil, fmt.Errorf("marshal task error: %w", err)
	}
	return b, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t          domain.Task
		errPayload []byte
	)
	err := row.Scan(
		&t.ID, &t.JobID, &t.JobType, &t.BatchID, &t.KrithiKey, &t.IdempotencyKey,
		&t.Status, &t.Attempt, &t.Requeues, &t.SourceURL, &errPayload, &t.DurationMS,
		&t.Checksum, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if len(errPayload) > 0 {
		var te domain.TaskError
		if err := json.Unmarshal(errPayload, &te); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
		t.Error = &te
	}
	return &t, nil
}
