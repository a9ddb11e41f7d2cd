package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var batchCols = []string{
	"id", "manifest_path", "created_by", "status", "total_tasks", "processed_tasks",
	"succeeded_tasks", "failed_tasks", "blocked_tasks", "cancelled_tasks",
	"started_at", "completed_at", "created_at", "updated_at",
}

func batchRows(id string, status domain.BatchStatus, total, processed int) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(batchCols).AddRow(
		id, "/data/m.csv", "ops", status, total, processed,
		processed, 0, 0, 0,
		&now, (*time.Time)(nil), now, now,
	)
}

var taskCols = []string{
	"id", "job_id", "job_type", "batch_id", "krithi_key", "idempotency_key",
	"status", "attempt", "requeues", "source_url", "error", "duration_ms",
	"checksum", "started_at", "completed_at", "created_at", "updated_at",
}

func taskRow(rows *pgxmock.Rows, id string, status domain.TaskStatus, errPayload []byte) *pgxmock.Rows {
	now := time.Now()
	url := "https://example.com/" + id
	return rows.AddRow(
		id, "j1", domain.JobScrape, "b1", "Endaro|Sri", url,
		status, 1, 0, &url, errPayload, (*int64)(nil),
		(*string)(nil), &now, (*time.Time)(nil), now, now,
	)
}

// ---- tasks ----

func TestTaskUpdateStatus_FirstTerminalTransitionCounts(t *testing.T) {
	mock := newMock(t)
	repo := NewTaskRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t.status, j.job_type, j.batch_id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "job_type", "batch_id"}).
			AddRow(domain.TaskRunning, domain.JobScrape, "b1"))
	mock.ExpectExec("UPDATE import_task_runs").
		WithArgs("t1", domain.TaskSucceeded, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("UPDATE import_batches").
		WithArgs("b1", 1, 1, 0, 0, 0).
		WillReturnRows(batchRows("b1", domain.BatchRunning, 3, 1))
	mock.ExpectCommit()

	err := repo.UpdateStatus(context.Background(), "t1", domain.TaskUpdate{Status: domain.TaskSucceeded})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskUpdateStatus_NoCountForManifestOrNonTerminal(t *testing.T) {
	tests := []struct {
		name    string
		prev    domain.TaskStatus
		jobType domain.JobType
		next    domain.TaskStatus
	}{
		{"manifest task", domain.TaskRunning, domain.JobManifestIngest, domain.TaskSucceeded},
		{"non-terminal", domain.TaskRunning, domain.JobScrape, domain.TaskRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			repo := NewTaskRepository(mock)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT t.status, j.job_type, j.batch_id").
				WithArgs("t1").
				WillReturnRows(pgxmock.NewRows([]string{"status", "job_type", "batch_id"}).
					AddRow(tt.prev, tt.jobType, "b1"))
			mock.ExpectExec("UPDATE import_task_runs").
				WithArgs("t1", tt.next, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			mock.ExpectCommit()

			err := repo.UpdateStatus(context.Background(), "t1", domain.TaskUpdate{Status: tt.next})
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskUpdateStatus_RefusesTaskNoLongerRunning(t *testing.T) {
	for _, prev := range []domain.TaskStatus{domain.TaskFailed, domain.TaskRetryable, domain.TaskCancelled} {
		t.Run(string(prev), func(t *testing.T) {
			mock := newMock(t)
			repo := NewTaskRepository(mock)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT t.status, j.job_type, j.batch_id").
				WithArgs("t1").
				WillReturnRows(pgxmock.NewRows([]string{"status", "job_type", "batch_id"}).
					AddRow(prev, domain.JobScrape, "b1"))
			mock.ExpectRollback()

			err := repo.UpdateStatus(context.Background(), "t1", domain.TaskUpdate{Status: domain.TaskSucceeded})
			assert.ErrorIs(t, err, domain.ErrTaskNotRunning)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskMarkStarted_RequiresRunning(t *testing.T) {
	mock := newMock(t)
	repo := NewTaskRepository(mock)

	mock.ExpectExec(`(?s)UPDATE import_task_runs.*WHERE id = \$1 AND status = 'RUNNING'`).
		WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`(?s)UPDATE import_task_runs.*WHERE id = \$1 AND status = 'RUNNING'`).
		WithArgs("t2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.MarkStarted(context.Background(), "t1"))
	assert.ErrorIs(t, repo.MarkStarted(context.Background(), "t2"), domain.ErrTaskNotRunning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskUpdateStatus_NotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewTaskRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t.status, j.job_type, j.batch_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := repo.UpdateStatus(context.Background(), "missing", domain.TaskUpdate{Status: domain.TaskFailed})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskCreateMany_GrowsTotalsByInserted(t *testing.T) {
	mock := newMock(t)
	repo := NewTaskRepository(mock)
	job := &domain.Job{ID: "j1", BatchID: "b1", JobType: domain.JobScrape}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO import_task_runs").
		WithArgs("j1", "A|x", "https://a.example/1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO import_task_runs").
		WithArgs("j1", "B|y", "https://a.example/2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("UPDATE import_batches").
		WithArgs("b1", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := repo.CreateMany(context.Background(), job, []domain.NewTask{
		{KrithiKey: "A|x", IdempotencyKey: "https://a.example/1"},
		{KrithiKey: "B|y", IdempotencyKey: "https://a.example/2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskClaimNextPending_DecodesRows(t *testing.T) {
	mock := newMock(t)
	repo := NewTaskRepository(mock)

	rows := pgxmock.NewRows(taskCols)
	taskRow(rows, "t1", domain.TaskRunning, nil)
	taskRow(rows, "t2", domain.TaskRunning, []byte(`{"code":"scrape_failed","message":"timeout"}`))

	mock.ExpectQuery("FOR UPDATE OF t SKIP LOCKED").
		WithArgs(domain.JobScrape, []string{"RUNNING"}, 8).
		WillReturnRows(rows)

	tasks, err := repo.ClaimNextPending(context.Background(), domain.JobScrape, []domain.BatchStatus{domain.BatchRunning}, 8)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Nil(t, tasks[0].Error)
	require.NotNil(t, tasks[1].Error)
	assert.Equal(t, domain.CodeScrapeFailed, tasks[1].Error.Code)
	assert.Equal(t, "b1", tasks[1].BatchID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskCancelOpen_CountsOnlyCountableTasks(t *testing.T) {
	mock := newMock(t)
	repo := NewTaskRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("WITH cancelled AS").
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows([]string{"total", "countable"}).AddRow(3, 2))
	mock.ExpectQuery("UPDATE import_batches").
		WithArgs("b1", 2, 0, 0, 0, 2).
		WillReturnRows(batchRows("b1", domain.BatchCancelled, 2, 2))
	mock.ExpectCommit()

	n, err := repo.CancelOpen(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---- jobs ----

func TestJobFinish_Conditional(t *testing.T) {
	mock := newMock(t)
	repo := NewJobRepository(mock)

	mock.ExpectExec("UPDATE import_jobs").
		WithArgs("j1", domain.JobSucceeded, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE import_jobs").
		WithArgs("j1", domain.JobSucceeded, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.Finish(context.Background(), "j1", domain.JobSucceeded, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Finish(context.Background(), "j1", domain.JobSucceeded, nil)
	require.NoError(t, err)
	assert.False(t, ok, "second finish must not report a transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobCreate_UniqueViolation(t *testing.T) {
	mock := newMock(t)
	repo := NewJobRepository(mock)

	mock.ExpectQuery("INSERT INTO import_jobs").
		WithArgs("b1", domain.JobScrape, domain.JobPending, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.Create(context.Background(), &domain.Job{BatchID: "b1", JobType: domain.JobScrape, Status: domain.JobPending})
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---- batches ----

func TestBatchFinalize_Conditional(t *testing.T) {
	mock := newMock(t)
	repo := NewBatchRepository(mock)

	mock.ExpectExec("UPDATE import_batches").
		WithArgs("b1", domain.BatchSucceeded).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE import_batches").
		WithArgs("b1", domain.BatchSucceeded).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.Finalize(context.Background(), "b1", domain.BatchSucceeded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Finalize(context.Background(), "b1", domain.BatchSucceeded)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchUpdateStatus_DistinguishesMissingFromWrongState(t *testing.T) {
	mock := newMock(t)
	repo := NewBatchRepository(mock)
	from := []domain.BatchStatus{domain.BatchPending, domain.BatchRunning}

	// Wrong state: the guard matches nothing but the batch exists.
	mock.ExpectExec("UPDATE import_batches").
		WithArgs("b1", domain.BatchPaused, []string{"PENDING", "RUNNING"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("(?s)SELECT .* FROM import_batches WHERE id").
		WithArgs("b1").
		WillReturnRows(batchRows("b1", domain.BatchCancelled, 0, 0))

	// Missing batch.
	mock.ExpectExec("UPDATE import_batches").
		WithArgs("nope", domain.BatchPaused, []string{"PENDING", "RUNNING"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("(?s)SELECT .* FROM import_batches WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	err := repo.UpdateStatus(context.Background(), "b1", domain.BatchPaused, from...)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = repo.UpdateStatus(context.Background(), "nope", domain.BatchPaused, from...)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchList_CursorArgs(t *testing.T) {
	mock := newMock(t)
	repo := NewBatchRepository(mock)
	cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`status = \$1 AND \(created_at, id\) < \(\$2, \$3\)`).
		WithArgs(domain.BatchRunning, cursor, "b9", 21).
		WillReturnRows(batchRows("b1", domain.BatchRunning, 3, 0))

	batches, err := repo.List(context.Background(), repository.ListBatchesInput{
		Status: domain.BatchRunning, CursorTime: &cursor, CursorID: "b9", Limit: 21,
	})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "b1", batches[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
