//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testPool *pgxpool.Pool

// TestMain starts a throwaway Postgres, applies the migrations and shares
// one pool across the integration tests.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "importer",
				"POSTGRES_PASSWORD": "importer",
				"POSTGRES_DB":       "krithi",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://importer:importer@%s:%s/krithi?sslmode=disable", host, port.Port())

	if err := Migrate(dsn); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func seedScrapeJob(t *testing.T, n int) (*domain.Batch, *domain.Job) {
	t.Helper()
	ctx := context.Background()
	batches := NewBatchRepository(testPool)
	jobs := NewJobRepository(testPool)
	tasks := NewTaskRepository(testPool)

	batch, err := batches.Create(ctx, &domain.Batch{ManifestPath: "/m.csv", Status: domain.BatchRunning})
	require.NoError(t, err)
	job, err := jobs.Create(ctx, &domain.Job{BatchID: batch.ID, JobType: domain.JobScrape, Status: domain.JobRunning})
	require.NoError(t, err)

	newTasks := make([]domain.NewTask, n)
	for i := range newTasks {
		url := fmt.Sprintf("https://example.com/%s/%d", batch.ID, i)
		newTasks[i] = domain.NewTask{KrithiKey: fmt.Sprintf("k%d|", i), IdempotencyKey: url, SourceURL: &url}
	}
	inserted, err := tasks.CreateMany(ctx, job, newTasks)
	require.NoError(t, err)
	require.Equal(t, n, inserted)

	batch, err = batches.FindByID(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, n, batch.TotalTasks)
	return batch, job
}

func TestIntegration_ConcurrentClaimIsExclusive(t *testing.T) {
	const total = 40
	batch, _ := seedScrapeJob(t, total)
	repo := NewTaskRepository(testPool)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimNextPending(context.Background(), domain.JobScrape, []domain.BatchStatus{domain.BatchRunning}, 3)
				if err != nil {
					t.Error(err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					if c.BatchID == batch.ID {
						seen[c.ID]++
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestIntegration_CountersAndFinalize(t *testing.T) {
	ctx := context.Background()
	batch, job := seedScrapeJob(t, 2)
	tasks := NewTaskRepository(testPool)
	batches := NewBatchRepository(testPool)
	jobs := NewJobRepository(testPool)

	list, err := tasks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	_, err = testPool.Exec(ctx, `UPDATE import_task_runs SET status = 'RUNNING', started_at = NOW() WHERE job_id = $1`, job.ID)
	require.NoError(t, err)

	require.NoError(t, tasks.UpdateStatus(ctx, list[0].ID, domain.TaskUpdate{Status: domain.TaskSucceeded}))
	// A second landing is refused and counts nothing.
	err = tasks.UpdateStatus(ctx, list[0].ID, domain.TaskUpdate{Status: domain.TaskSucceeded})
	assert.ErrorIs(t, err, domain.ErrTaskNotRunning)
	assert.ErrorIs(t, tasks.MarkStarted(ctx, list[0].ID), domain.ErrTaskNotRunning)

	ok, err := batches.Finalize(ctx, batch.ID, domain.BatchSucceeded)
	require.NoError(t, err)
	assert.False(t, ok, "batch with open tasks must not finalize")

	require.NoError(t, tasks.UpdateStatus(ctx, list[1].ID, domain.TaskUpdate{
		Status: domain.TaskFailed,
		Error:  &domain.TaskError{Code: domain.CodeScrapeFailed, Message: "404"},
	}))

	got, err := batches.FindByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessedTasks)
	assert.Equal(t, 1, got.SucceededTasks)
	assert.Equal(t, 1, got.FailedTasks)

	ok, err = batches.Finalize(ctx, batch.ID, domain.BatchSucceeded)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = batches.Finalize(ctx, batch.ID, domain.BatchSucceeded)
	require.NoError(t, err)
	assert.False(t, ok, "finalize reports the transition once")

	finished, err := jobs.Finish(ctx, job.ID, domain.JobFailed, nil)
	require.NoError(t, err)
	assert.True(t, finished)

	// Requeue reopens the batch and returns the counters.
	requeued, err := tasks.Requeue(ctx, list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRetryable, requeued.Status)
	assert.Equal(t, 1, requeued.Requeues)

	got, err = batches.FindByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRunning, got.Status)
	assert.Equal(t, 1, got.ProcessedTasks)
	assert.Equal(t, 0, got.FailedTasks)
}

func TestIntegration_PausedBatchIsNotClaimable(t *testing.T) {
	ctx := context.Background()
	batch, _ := seedScrapeJob(t, 3)
	batches := NewBatchRepository(testPool)
	tasks := NewTaskRepository(testPool)

	require.NoError(t, batches.UpdateStatus(ctx, batch.ID, domain.BatchPaused, domain.BatchRunning))

	claimed, err := tasks.ClaimNextPending(ctx, domain.JobScrape, []domain.BatchStatus{domain.BatchRunning}, 100)
	require.NoError(t, err)
	for _, c := range claimed {
		assert.NotEqual(t, batch.ID, c.BatchID)
	}
}
