package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/google/uuid"
)

type ImportStore struct{ s *Store }

func (r *ImportStore) Submit(_ context.Context, requests []domain.ImportRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now, _ := r.s.stamp()
	for _, req := range requests {
		if id, ok := r.s.importByKey[req.SourceKey]; ok {
			k := r.s.imports[id]
			if k.Status != domain.ImportPending {
				continue
			}
			k.SourceURL = req.SourceURL
			k.Metadata = req.Metadata
			k.UpdatedAt = now
			continue
		}
		k := &domain.ImportedKrithi{
			ID:        uuid.NewString(),
			SourceKey: req.SourceKey,
			SourceURL: req.SourceURL,
			Status:    domain.ImportPending,
			Metadata:  req.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if req.BatchID != "" {
			batchID := req.BatchID
			k.BatchID = &batchID
		}
		r.s.imports[k.ID] = k
		r.s.importByKey[k.SourceKey] = k.ID
	}
	return nil
}

func (r *ImportStore) FindBySourceKey(_ context.Context, sourceKey string) (*domain.ImportedKrithi, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.importByKey[sourceKey]
	if !ok {
		return nil, domain.ErrImportNotFound
	}
	return cloneImport(r.s.imports[id]), nil
}

func (r *ImportStore) SaveResolution(_ context.Context, id string, resolution *domain.Resolution) error {
	return r.update(id, func(k *domain.ImportedKrithi) error {
		b, err := json.Marshal(resolution)
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
		k.Resolution = b
		return nil
	})
}

func (r *ImportStore) SaveDuplicates(_ context.Context, id string, report *domain.DuplicateReport) error {
	return r.update(id, func(k *domain.ImportedKrithi) error {
		b, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("marshal duplicates: %w", err)
		}
		k.Duplicates = b
		return nil
	})
}

func (r *ImportStore) SaveQualityScore(_ context.Context, id string, score *domain.QualityScore) error {
	return r.update(id, func(k *domain.ImportedKrithi) error {
		q := *score
		k.QualityScore = &q
		return nil
	})
}

func (r *ImportStore) SetStatus(_ context.Context, id string, status domain.ImportStatus) error {
	return r.update(id, func(k *domain.ImportedKrithi) error {
		now := r.s.now()
		k.Status = status
		k.ReviewedAt = &now
		return nil
	})
}

func (r *ImportStore) update(id string, fn func(*domain.ImportedKrithi) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k, ok := r.s.imports[id]
	if !ok {
		return domain.ErrImportNotFound
	}
	if err := fn(k); err != nil {
		return err
	}
	k.UpdatedAt = r.s.now()
	return nil
}

func (r *ImportStore) FindByNormalizedTitle(_ context.Context, title, excludeID string, limit int) ([]*domain.ImportedKrithi, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	want := domain.NormalizeTitle(title)
	var out []*domain.ImportedKrithi
	for _, k := range r.s.imports {
		if k.ID != excludeID && domain.NormalizeTitle(k.Metadata.Title) == want {
			out = append(out, cloneImport(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type EntityStore struct{ s *Store }

func (r *EntityStore) MatchComposers(_ context.Context, name string, limit int) ([]repository.EntityMatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return match(r.s.composers, name, limit), nil
}

func (r *EntityStore) MatchRagas(_ context.Context, name string, limit int) ([]repository.EntityMatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return match(r.s.ragas, name, limit), nil
}

// match follows the Postgres query: exact name or alias first, then
// substring matches, shortest name first.
func match(entities []entity, name string, limit int) []repository.EntityMatch {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil
	}
	var out []repository.EntityMatch
	for _, e := range entities {
		lower := strings.ToLower(e.name)
		exact := lower == needle
		for _, a := range e.aliases {
			if strings.ToLower(a) == needle {
				exact = true
			}
		}
		if exact || strings.Contains(lower, needle) {
			out = append(out, repository.EntityMatch{ID: e.id, Name: e.name, Exact: exact})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Exact != out[j].Exact {
			return out[i].Exact
		}
		return len(out[i].Name) < len(out[j].Name)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
