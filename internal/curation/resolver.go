// Package curation holds the default collaborators of the resolution
// stage: entity resolution, duplicate detection, quality scoring and
// auto-approval.
package curation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
)

const defaultCandidateLimit = 5

// Resolver maps raw composer and raga names to canonical entities.
type Resolver struct {
	entities repository.EntityRepository
	limit    int
}

func NewResolver(entities repository.EntityRepository) *Resolver {
	return &Resolver{entities: entities, limit: defaultCandidateLimit}
}

func (r *Resolver) Resolve(ctx context.Context, imp *domain.ImportedKrithi) (*domain.Resolution, error) {
	res := &domain.Resolution{
		RawComposer:        imp.Metadata.Composer,
		RawRaga:            imp.Metadata.Raga,
		ComposerCandidates: []domain.Candidate{},
		RagaCandidates:     []domain.Candidate{},
	}

	if raw := deref(imp.Metadata.Composer); raw != "" {
		matches, err := r.entities.MatchComposers(ctx, raw, r.limit)
		if err != nil {
			return nil, fmt.Errorf("match composers: %w", err)
		}
		res.ComposerCandidates = candidates(raw, matches)
	}
	if raw := deref(imp.Metadata.Raga); raw != "" {
		matches, err := r.entities.MatchRagas(ctx, raw, r.limit)
		if err != nil {
			return nil, fmt.Errorf("match ragas: %w", err)
		}
		res.RagaCandidates = candidates(raw, matches)
	}
	return res, nil
}

// candidates scores each match by how much of the canonical name the raw
// name covers. Exact name or alias hits are HIGH.
func candidates(raw string, matches []repository.EntityMatch) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(matches))
	for _, m := range matches {
		c := domain.Candidate{EntityID: m.ID, Name: m.Name}
		switch {
		case m.Exact:
			c.Score, c.Confidence = 1, domain.ConfidenceHigh
		default:
			c.Score = coverage(raw, m.Name)
			if c.Score >= 0.8 {
				c.Confidence = domain.ConfidenceMedium
			} else {
				c.Confidence = domain.ConfidenceLow
			}
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence.Rank() != out[j].Confidence.Rank() {
			return out[i].Confidence.Rank() > out[j].Confidence.Rank()
		}
		return out[i].Score > out[j].Score
	})
	return out
}

func coverage(raw, name string) float64 {
	a, b := domain.NormalizeTitle(raw), domain.NormalizeTitle(name)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	short, long := len(a), len(b)
	if short > long {
		short, long = long, short
	}
	return float64(short) / float64(long)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
