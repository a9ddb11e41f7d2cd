package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

// ResolutionWorker attaches entity resolution, duplicate candidates and a
// quality score to the import produced by a scrape task, then offers it for
// auto-approval.
type ResolutionWorker struct {
	stage
	resolver     Resolver
	deduplicator Deduplicator
	scorer       Scorer
	approver     Approver
}

func NewResolutionWorker(stores Stores, completion *CompletionHandler, collab Collaborators, opts Options, logger *slog.Logger) *ResolutionWorker {
	return &ResolutionWorker{
		stage:        newStage(domain.JobEntityResolution, domain.CodeResolutionFailed, stores, completion, opts.withDefaults(), logger),
		resolver:     collab.Resolver,
		deduplicator: collab.Deduplicator,
		scorer:       collab.Scorer,
		approver:     collab.Approver,
	}
}

func (w *ResolutionWorker) Run(ctx context.Context, queue <-chan *domain.Task) error {
	return w.run(ctx, queue, w.handle)
}

func (w *ResolutionWorker) handle(ctx context.Context, _ *domain.Job, task *domain.Task) result {
	attempt, over, err := w.nextAttempt(ctx, task)
	if err != nil {
		w.logger.ErrorContext(ctx, "resolution attempt", "error", err)
		return abandoned()
	}
	if over != nil {
		return *over
	}

	imp, err := w.stores.Imports.FindBySourceKey(ctx, task.IdempotencyKey)
	if errors.Is(err, domain.ErrImportNotFound) {
		return failed(NewTaskError(domain.CodeImportMissing, "no import for source key "+task.IdempotencyKey,
			WithURL(task.SourceURL), WithAttempt(attempt)))
	}
	if err == nil {
		err = w.curate(ctx, imp)
	}
	if err != nil {
		return w.retryOrFail(task, attempt, NewTaskError(domain.CodeResolutionFailed, "resolution failed",
			WithURL(task.SourceURL), WithAttempt(attempt), WithCause(err)))
	}
	return succeeded(nil)
}

func (w *ResolutionWorker) curate(ctx context.Context, imp *domain.ImportedKrithi) error {
	res, err := w.resolver.Resolve(ctx, imp)
	if err != nil {
		return fmt.Errorf("resolve entities: %w", err)
	}
	if err := w.stores.Imports.SaveResolution(ctx, imp.ID, res); err != nil {
		return err
	}

	composerID := candidateID(domain.Best(res.ComposerCandidates))
	ragaID := candidateID(domain.Best(res.RagaCandidates))
	report, err := w.deduplicator.FindDuplicates(ctx, imp, composerID, ragaID)
	if err != nil {
		return fmt.Errorf("find duplicates: %w", err)
	}
	if report != nil && len(report.Matches) > 0 {
		if err := w.stores.Imports.SaveDuplicates(ctx, imp.ID, report); err != nil {
			return err
		}
	}

	if imp, err = w.stores.Imports.FindBySourceKey(ctx, imp.SourceKey); err != nil {
		return fmt.Errorf("reload import: %w", err)
	}
	score, err := w.scorer.Score(ctx, imp, res)
	if err != nil {
		return fmt.Errorf("score import: %w", err)
	}
	if err := w.stores.Imports.SaveQualityScore(ctx, imp.ID, score); err != nil {
		return err
	}

	if w.approver == nil {
		return nil
	}
	if imp, err = w.stores.Imports.FindBySourceKey(ctx, imp.SourceKey); err != nil {
		return fmt.Errorf("reload import: %w", err)
	}
	// Approval is best effort; the import stays reviewable when it fails.
	if _, err := w.approver.AutoApprove(ctx, imp); err != nil {
		w.logger.WarnContext(ctx, "auto-approve", "import_id", imp.ID, "error", err)
	}
	return nil
}

func candidateID(c *domain.Candidate) *string {
	if c == nil || c.EntityID == "" {
		return nil
	}
	id := c.EntityID
	return &id
}
