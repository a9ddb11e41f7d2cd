package pipeline

import (
	"context"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
)

type Throttler interface {
	Throttle(ctx context.Context, rawURL string) error
}

type Scraper interface {
	Scrape(ctx context.Context, url string) (*domain.ScrapedMetadata, error)
}

type Resolver interface {
	Resolve(ctx context.Context, imp *domain.ImportedKrithi) (*domain.Resolution, error)
}

type Deduplicator interface {
	FindDuplicates(ctx context.Context, imp *domain.ImportedKrithi, composerID, ragaID *string) (*domain.DuplicateReport, error)
}

type Scorer interface {
	Score(ctx context.Context, imp *domain.ImportedKrithi, res *domain.Resolution) (*domain.QualityScore, error)
}

type Approver interface {
	AutoApprove(ctx context.Context, imp *domain.ImportedKrithi) (bool, error)
}

// Notifier is told about every batch that reaches a terminal status.
type Notifier interface {
	BatchCompleted(ctx context.Context, batch *domain.Batch, stages []domain.StageSummary)
}

// Stores groups the repositories the pipeline reads and writes. Imports is
// also the import-submission collaborator.
type Stores struct {
	Batches repository.BatchRepository
	Jobs    repository.JobRepository
	Tasks   repository.TaskRepository
	Events  repository.EventRepository
	Imports repository.ImportRepository
}

type Collaborators struct {
	Throttler    Throttler
	Scraper      Scraper
	Resolver     Resolver
	Deduplicator Deduplicator
	Scorer       Scorer
	Approver     Approver
	Notifier     Notifier // optional
}
