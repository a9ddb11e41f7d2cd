package curation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
)

// Approver promotes imports that need no human review.
type Approver struct {
	imports   repository.ImportRepository
	threshold float64
	logger    *slog.Logger
}

func NewApprover(imports repository.ImportRepository, threshold float64, logger *slog.Logger) *Approver {
	return &Approver{imports: imports, threshold: threshold, logger: logger.With("component", "approver")}
}

// AutoApprove approves a PENDING import when it scored EXCELLENT at or above
// the threshold, both composer and raga resolved with HIGH confidence and no
// duplicates were found. Reports whether it approved.
func (a *Approver) AutoApprove(ctx context.Context, imp *domain.ImportedKrithi) (bool, error) {
	if reason := a.blocker(imp); reason != "" {
		a.logger.DebugContext(ctx, "import left for review", "import_id", imp.ID, "reason", reason)
		return false, nil
	}
	if err := a.imports.SetStatus(ctx, imp.ID, domain.ImportApproved); err != nil {
		return false, fmt.Errorf("approve import: %w", err)
	}
	a.logger.InfoContext(ctx, "import auto-approved", "import_id", imp.ID, "score", imp.QualityScore.Overall)
	return true, nil
}

func (a *Approver) blocker(imp *domain.ImportedKrithi) string {
	if imp.Status != domain.ImportPending {
		return "not pending"
	}
	q := imp.QualityScore
	if q == nil {
		return "not scored"
	}
	if q.Tier != domain.TierExcellent || q.Overall < a.threshold {
		return "score below threshold"
	}

	var res domain.Resolution
	if len(imp.Resolution) == 0 || json.Unmarshal(imp.Resolution, &res) != nil {
		return "not resolved"
	}
	for _, c := range []*domain.Candidate{domain.Best(res.ComposerCandidates), domain.Best(res.RagaCandidates)} {
		if c == nil || c.Confidence != domain.ConfidenceHigh {
			return "resolution not confident"
		}
	}

	if len(imp.Duplicates) > 0 {
		var report domain.DuplicateReport
		if err := json.Unmarshal(imp.Duplicates, &report); err != nil || len(report.Matches) > 0 {
			return "possible duplicate"
		}
	}
	return ""
}
