package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/jackc/pgx/v5"
)

const batchColumns = `id, manifest_path, created_by, status, total_tasks, processed_tasks,
		       succeeded_tasks, failed_tasks, blocked_tasks, cancelled_tasks,
		       started_at, completed_at, created_at, updated_at`

type BatchRepository struct {
	db DB
}

func NewBatchRepository(db DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Create(ctx context.Context, b *domain.Batch) (*domain.Batch, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO import_batches (manifest_path, created_by, status)
		VALUES ($1, $2, $3)
		RETURNING `+batchColumns,
		b.ManifestPath, b.CreatedBy, b.Status,
	)
	return scanBatch(row)
}

func (r *BatchRepository) FindByID(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM import_batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (r *BatchRepository) List(ctx context.Context, input repository.ListBatchesInput) ([]*domain.Batch, error) {
	var args []any
	where := []string{"TRUE"}

	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM import_batches
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		batchColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *BatchRepository) UpdateStatus(ctx context.Context, id string, status domain.BatchStatus, from ...domain.BatchStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE import_batches
		SET    status       = $2,
		       started_at   = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		       completed_at = CASE WHEN $2 IN ('SUCCEEDED', 'FAILED', 'CANCELLED') THEN NOW() ELSE NULL END,
		       updated_at   = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, status, toStrings(from))
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *BatchRepository) MarkRunning(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE import_batches
		SET    status = 'RUNNING', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return fmt.Errorf("mark batch running: %w", err)
	}
	return nil
}

func (r *BatchRepository) RaiseTotalTasks(ctx context.Context, id string, atLeast int) (*domain.Batch, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE import_batches
		SET    total_tasks = GREATEST(total_tasks, $2), updated_at = NOW()
		WHERE id = $1
		RETURNING `+batchColumns, id, atLeast)
	return scanBatch(row)
}

func (r *BatchRepository) IncrementCounters(ctx context.Context, id string, d domain.BatchCounters) (*domain.Batch, error) {
	return incrementCounters(ctx, r.db, id, d)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// incrementCounters is shared with the task repository, which applies
// counter deltas inside its own transactions.
func incrementCounters(ctx context.Context, q queryRower, id string, d domain.BatchCounters) (*domain.Batch, error) {
	row := q.QueryRow(ctx, `
		UPDATE import_batches
		SET    processed_tasks = processed_tasks + $2,
		       succeeded_tasks = succeeded_tasks + $3,
		       failed_tasks    = failed_tasks    + $4,
		       blocked_tasks   = blocked_tasks   + $5,
		       cancelled_tasks = cancelled_tasks + $6,
		       updated_at      = NOW()
		WHERE id = $1
		RETURNING `+batchColumns,
		id, d.Processed, d.Succeeded, d.Failed, d.Blocked, d.Cancelled)
	b, err := scanBatch(row)
	if err != nil {
		return nil, fmt.Errorf("increment batch counters: %w", err)
	}
	return b, nil
}

func (r *BatchRepository) Finalize(ctx context.Context, id string, status domain.BatchStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE import_batches
		SET    status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status = 'RUNNING'
		  AND total_tasks > 0
		  AND processed_tasks = total_tasks`, id, status)
	if err != nil {
		return false, fmt.Errorf("finalize batch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID, &b.ManifestPath, &b.CreatedBy, &b.Status, &b.TotalTasks, &b.ProcessedTasks,
		&b.SucceededTasks, &b.FailedTasks, &b.BlockedTasks, &b.CancelledTasks,
		&b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return &b, nil
}
