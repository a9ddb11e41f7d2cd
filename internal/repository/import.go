package repository

import (
	"context"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

// ImportRepository persists reviewable imports and the curation results the
// resolution stage attaches to them.
type ImportRepository interface {
	// Submit upserts one import per request keyed by SourceKey.
	Submit(ctx context.Context, requests []domain.ImportRequest) error
	FindBySourceKey(ctx context.Context, sourceKey string) (*domain.ImportedKrithi, error)
	SaveResolution(ctx context.Context, id string, resolution *domain.Resolution) error
	SaveDuplicates(ctx context.Context, id string, report *domain.DuplicateReport) error
	SaveQualityScore(ctx context.Context, id string, score *domain.QualityScore) error
	SetStatus(ctx context.Context, id string, status domain.ImportStatus) error
	// FindByNormalizedTitle returns other imports sharing the normalised title.
	FindByNormalizedTitle(ctx context.Context, title, excludeID string, limit int) ([]*domain.ImportedKrithi, error)
}

// EntityRepository looks up canonical reference entities by name.
type EntityRepository interface {
	MatchComposers(ctx context.Context, name string, limit int) ([]EntityMatch, error)
	MatchRagas(ctx context.Context, name string, limit int) ([]EntityMatch, error)
}

// EntityMatch is a reference entity whose name or alias matched a raw name.
type EntityMatch struct {
	ID    string
	Name  string
	Exact bool
}
