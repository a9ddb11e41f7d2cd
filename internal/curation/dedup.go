package curation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
)

const maxDuplicateCandidates = 20

// Deduplicator finds other imports that look like the same composition.
type Deduplicator struct {
	imports repository.ImportRepository
}

func NewDeduplicator(imports repository.ImportRepository) *Deduplicator {
	return &Deduplicator{imports: imports}
}

// FindDuplicates matches on normalized title and strengthens the match when
// the raga agrees, by resolved id when both sides have one, by raw name
// otherwise. composerID is recorded in the reason only.
func (d *Deduplicator) FindDuplicates(ctx context.Context, imp *domain.ImportedKrithi, composerID, ragaID *string) (*domain.DuplicateReport, error) {
	others, err := d.imports.FindByNormalizedTitle(ctx, imp.Metadata.Title, imp.ID, maxDuplicateCandidates)
	if err != nil {
		return nil, fmt.Errorf("find title matches: %w", err)
	}

	report := &domain.DuplicateReport{Matches: []domain.DuplicateMatch{}}
	for _, o := range others {
		m := domain.DuplicateMatch{ImportID: o.ID, Title: o.Metadata.Title, Reason: "same title", Score: 0.6}

		otherComposer, otherRaga := bestIDs(o)
		switch {
		case ragaID != nil && otherRaga != "" && *ragaID == otherRaga:
			m.Reason, m.Score = "same title and resolved raga", 0.95
		case sameText(imp.Metadata.Raga, o.Metadata.Raga):
			m.Reason, m.Score = "same title and raga", 0.85
		case imp.Metadata.Raga != nil && o.Metadata.Raga != nil:
			// Same title in a different raga is usually a different composition.
			continue
		}
		if composerID != nil && otherComposer != "" && *composerID == otherComposer {
			m.Reason += " and composer"
			m.Score = min(m.Score+0.05, 1)
		}
		report.Matches = append(report.Matches, m)
	}
	return report, nil
}

func bestIDs(k *domain.ImportedKrithi) (composerID, ragaID string) {
	if len(k.Resolution) == 0 {
		return "", ""
	}
	var res domain.Resolution
	if err := json.Unmarshal(k.Resolution, &res); err != nil {
		return "", ""
	}
	if c := domain.Best(res.ComposerCandidates); c != nil && c.Confidence == domain.ConfidenceHigh {
		composerID = c.EntityID
	}
	if c := domain.Best(res.RagaCandidates); c != nil && c.Confidence == domain.ConfidenceHigh {
		ragaID = c.EntityID
	}
	return composerID, ragaID
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	na, nb := domain.NormalizeTitle(*a), domain.NormalizeTitle(*b)
	return na != "" && na == nb
}
