package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/memory"
)

func TestWakeup_Collapses(t *testing.T) {
	w := NewWakeup()
	w.Notify()
	w.Notify()
	w.Notify()

	<-w.C()
	select {
	case <-w.C():
		t.Fatal("expected repeated notifications to collapse into one")
	default:
	}

	var nilWake *Wakeup
	nilWake.Notify()
}

func TestDispatcher_WakeInterruptsBackoff(t *testing.T) {
	s := memory.New()
	opts := Options{PollInterval: 20 * time.Millisecond, MaxPollBackoff: 10 * time.Second}.withDefaults()
	q := newQueues(opts)
	wake := NewWakeup()
	d := newDispatcher(s.Tasks(), q, wake, opts, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Idle waits of 20, 40, 80, 160 and 320ms have elapsed; the dispatcher
	// is now in a 640ms wait.
	time.Sleep(700 * time.Millisecond)

	b, _ := s.Batches().Create(ctx, &domain.Batch{ManifestPath: "m", Status: domain.BatchRunning})
	job, _ := s.Jobs().Create(ctx, &domain.Job{BatchID: b.ID, JobType: domain.JobScrape})
	if _, err := s.Tasks().CreateMany(ctx, job, []domain.NewTask{{KrithiKey: "k", IdempotencyKey: "k"}}); err != nil {
		t.Fatal(err)
	}
	wake.Notify()

	select {
	case task := <-q.scrape:
		if task.Status != domain.TaskRunning {
			t.Fatalf("expected a claimed task, got %s", task.Status)
		}
	case <-time.After(400 * time.Millisecond):
		t.Fatal("wake-up did not interrupt the idle backoff")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := <-q.manifest; ok {
		t.Fatal("expected queues to be closed on shutdown")
	}
}

func TestDispatcher_ClaimsInStageOrder(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	opts := Options{}.withDefaults()
	q := newQueues(opts)
	d := newDispatcher(s.Tasks(), q, NewWakeup(), opts, discard)

	pending, _ := s.Batches().Create(ctx, &domain.Batch{ManifestPath: "p", Status: domain.BatchPending})
	mj, _ := s.Jobs().Create(ctx, &domain.Job{BatchID: pending.ID, JobType: domain.JobManifestIngest})
	// A PENDING batch's scrape work is not claimable until ingest starts it.
	sj, _ := s.Jobs().Create(ctx, &domain.Job{BatchID: pending.ID, JobType: domain.JobScrape})
	for _, j := range []*domain.Job{mj, sj} {
		if _, err := s.Tasks().CreateMany(ctx, j, []domain.NewTask{{KrithiKey: "a", IdempotencyKey: "a"}, {KrithiKey: "b", IdempotencyKey: "b"}}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := d.dispatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(q.manifest) != 1 || len(q.scrape) != 0 {
		t.Fatalf("expected one manifest task only, got n=%d manifest=%d scrape=%d", n, len(q.manifest), len(q.scrape))
	}
}

func TestDispatcher_Healthy(t *testing.T) {
	s := memory.New()
	opts := Options{}.withDefaults()
	d := newDispatcher(s.Tasks(), newQueues(opts), NewWakeup(), opts, discard)

	if err := d.Healthy(context.Background()); err != nil {
		t.Fatalf("not started yet should be healthy: %v", err)
	}
	d.lastPoll.Store(time.Now().UnixNano())
	if err := d.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy: %v", err)
	}
	d.lastPoll.Store(time.Now().Add(-time.Hour).UnixNano())
	if err := d.Healthy(context.Background()); err == nil {
		t.Fatal("expected a stalled dispatcher to be unhealthy")
	}
}

func TestWorkerPool_RunsBatchToCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	pool := NewWorkerPool(h.stores, h.collab, Options{
		PollInterval:     5 * time.Millisecond,
		MaxPollBackoff:   20 * time.Millisecond,
		WatchdogInterval: time.Hour,
	}, discard)
	b := h.submit(threeRows(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.notifier.count() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("batch did not complete, last state %+v", h.batch(b.ID))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := h.batch(b.ID)
	if got.Status != domain.BatchSucceeded || got.TotalTasks != 6 || got.ProcessedTasks != 6 || got.SucceededTasks != 6 {
		t.Fatalf("unexpected batch %+v", got)
	}
	if n := len(h.events(domain.EventBatchCompleted)); n != 1 {
		t.Fatalf("expected exactly one BATCH_COMPLETED, got %d", n)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}
}

func TestDispatcher_HealthyWhileParkedOnFullQueue(t *testing.T) {
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := Options{ScrapeQueueCapacity: 1}.withDefaults()
	q := newQueues(opts)
	d := newDispatcher(s.Tasks(), q, NewWakeup(), opts, discard)
	var skew atomic.Int64
	d.now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }

	b, _ := s.Batches().Create(ctx, &domain.Batch{ManifestPath: "m", Status: domain.BatchRunning})
	job, _ := s.Jobs().Create(ctx, &domain.Job{BatchID: b.ID, JobType: domain.JobScrape})
	if _, err := s.Tasks().CreateMany(ctx, job, []domain.NewTask{
		{KrithiKey: "a", IdempotencyKey: "a"},
		{KrithiKey: "b", IdempotencyKey: "b"},
		{KrithiKey: "c", IdempotencyKey: "c"},
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !d.parked.Load() {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never blocked on the full scrape queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	skew.Store(int64(2 * time.Minute))
	if err := d.Healthy(ctx); err != nil {
		t.Fatalf("blocked on a full queue should stay healthy: %v", err)
	}

	// Draining the queue lets the pass finish and refreshes the heartbeat.
	for range 3 {
		select {
		case <-q.scrape:
		case <-time.After(time.Second):
			t.Fatal("expected the queued tasks to be delivered")
		}
	}
	deadline = time.Now().Add(time.Second)
	for d.parked.Load() {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher stayed parked after the queue drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := d.Healthy(ctx); err != nil {
		t.Fatalf("expected healthy after draining: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
