package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ErlanBelekov/krithi-import/internal/curation"
	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeScraper struct {
	fn func(ctx context.Context, url string) (*domain.ScrapedMetadata, error)
}

func (f *fakeScraper) Scrape(ctx context.Context, url string) (*domain.ScrapedMetadata, error) {
	return f.fn(ctx, url)
}

type fakeResolver struct {
	inner Resolver
	fail  func(imp *domain.ImportedKrithi) bool
}

func (f *fakeResolver) Resolve(ctx context.Context, imp *domain.ImportedKrithi) (*domain.Resolution, error) {
	if f.fail != nil && f.fail(imp) {
		return nil, errors.New("resolver unavailable")
	}
	return f.inner.Resolve(ctx, imp)
}

type fakeNotifier struct {
	mu      sync.Mutex
	batches []*domain.Batch
	stages  [][]domain.StageSummary
}

func (f *fakeNotifier) BatchCompleted(_ context.Context, b *domain.Batch, stages []domain.StageSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	f.stages = append(f.stages, stages)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// scrapeByTitle answers every url with metadata whose title is taken from
// the last path segment.
func scrapeByTitle() *fakeScraper {
	return &fakeScraper{fn: func(_ context.Context, url string) (*domain.ScrapedMetadata, error) {
		title := url[strings.LastIndex(url, "/")+1:]
		composer, raga, lyrics := "Tyagaraja", "Kalyani", "lyrics of "+title
		return &domain.ScrapedMetadata{Title: title, Composer: &composer, Raga: &raga, Lyrics: &lyrics, Checksum: "sum-" + title}, nil
	}}
}

type harness struct {
	t          *testing.T
	store      *memory.Store
	stores     Stores
	opts       Options
	completion *CompletionHandler
	manifest   *ManifestWorker
	scrape     *ScrapeWorker
	resolution *ResolutionWorker
	scraper    *fakeScraper
	resolver   *fakeResolver
	notifier   *fakeNotifier
	collab     Collaborators
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s := memory.New()
	s.AddComposer("Tyagaraja")
	s.AddRaga("Kalyani")

	h := &harness{
		t:        t,
		store:    s,
		opts:     opts.withDefaults(),
		scraper:  scrapeByTitle(),
		notifier: &fakeNotifier{},
		stores: Stores{
			Batches: s.Batches(),
			Jobs:    s.Jobs(),
			Tasks:   s.Tasks(),
			Events:  s.Events(),
			Imports: s.Imports(),
		},
	}
	h.resolver = &fakeResolver{inner: curation.NewResolver(s.Entities())}
	collab := Collaborators{
		Scraper:      h.scraper,
		Resolver:     h.resolver,
		Deduplicator: curation.NewDeduplicator(s.Imports()),
		Scorer:       curation.NewScorer(),
		Approver:     curation.NewApprover(s.Imports(), 0.9, discard),
		Notifier:     h.notifier,
	}
	h.collab = collab
	h.completion = NewCompletionHandler(h.stores, h.notifier, nil, discard)
	h.manifest = NewManifestWorker(h.stores, h.completion, nil, h.opts, discard)
	h.scrape = NewScrapeWorker(h.stores, h.completion, nil, h.scraper, h.opts, discard)
	h.resolution = NewResolutionWorker(h.stores, h.completion, collab, h.opts, discard)
	return h
}

func writeManifest(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.csv")
	body := "krithi,raga,hyperlink\n" + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

// submit creates a PENDING batch with its MANIFEST_INGEST job and task.
func (h *harness) submit(path string) *domain.Batch {
	h.t.Helper()
	ctx := context.Background()
	b, err := h.stores.Batches.Create(ctx, &domain.Batch{ManifestPath: path, Status: domain.BatchPending})
	if err != nil {
		h.t.Fatalf("create batch: %v", err)
	}
	payload, _ := json.Marshal(domain.ManifestPayload{ManifestPath: path})
	job, err := h.stores.Jobs.Create(ctx, &domain.Job{BatchID: b.ID, JobType: domain.JobManifestIngest, Payload: payload})
	if err != nil {
		h.t.Fatalf("create job: %v", err)
	}
	if _, err := h.stores.Tasks.CreateMany(ctx, job, []domain.NewTask{{KrithiKey: path, IdempotencyKey: path}}); err != nil {
		h.t.Fatalf("create task: %v", err)
	}
	return b
}

// step claims every currently claimable task of the stage once and runs it.
func (h *harness) step(jobType domain.JobType) int {
	h.t.Helper()
	ctx := context.Background()
	statuses := []domain.BatchStatus{domain.BatchRunning}
	if jobType == domain.JobManifestIngest {
		statuses = append(statuses, domain.BatchPending)
	}
	tasks, err := h.stores.Tasks.ClaimNextPending(ctx, jobType, statuses, 100)
	if err != nil {
		h.t.Fatalf("claim %s: %v", jobType, err)
	}
	for _, task := range tasks {
		switch jobType {
		case domain.JobManifestIngest:
			h.manifest.execute(ctx, task, h.manifest.handle)
		case domain.JobScrape:
			h.scrape.execute(ctx, task, h.scrape.handle)
		case domain.JobEntityResolution:
			h.resolution.execute(ctx, task, h.resolution.handle)
		}
	}
	return len(tasks)
}

// drain steps the stage until nothing is claimable.
func (h *harness) drain(jobType domain.JobType) {
	h.t.Helper()
	for i := 0; h.step(jobType) > 0; i++ {
		if i > 50 {
			h.t.Fatalf("%s never drained", jobType)
		}
	}
}

func (h *harness) batch(id string) *domain.Batch {
	h.t.Helper()
	b, err := h.stores.Batches.FindByID(context.Background(), id)
	if err != nil {
		h.t.Fatalf("find batch: %v", err)
	}
	return b
}

func (h *harness) job(batchID string, jobType domain.JobType) *domain.Job {
	h.t.Helper()
	j, err := findJob(context.Background(), h.stores, batchID, jobType)
	if err != nil {
		h.t.Fatalf("find job: %v", err)
	}
	return j
}

func (h *harness) tasks(jobID string) []*domain.Task {
	h.t.Helper()
	tasks, err := h.stores.Tasks.ListByJob(context.Background(), jobID)
	if err != nil {
		h.t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func (h *harness) events(eventType domain.EventType) []*domain.Event {
	var out []*domain.Event
	for _, e := range h.store.Events().All() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func threeRows(t *testing.T) string {
	return writeManifest(t,
		"Endaro,Sri,https://example.com/endaro",
		"Nidhi,Kalyani,https://example.com/nidhi",
		"Bantu,Sama,https://example.com/bantu",
	)
}
