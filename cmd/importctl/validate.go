package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/memory"
	"github.com/ErlanBelekov/krithi-import/internal/manifest"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	"github.com/ErlanBelekov/krithi-import/internal/usecase"
	"github.com/spf13/cobra"
)

func newValidateCmd(logger func(*cobra.Command) *slog.Logger) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "validate <manifest.csv>",
		Short: "Parse a manifest and report valid, skipped and duplicate rows",
		Long: "Parse a manifest and report what an import would do. With --dry-run the manifest " +
			"stage runs against an in-memory store and the resulting scrape tasks are listed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := manifest.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			unique, dups := manifest.Dedupe(res.Rows)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rows:       %d\n", len(res.Rows))
			fmt.Fprintf(out, "unique:     %d\n", len(unique))
			fmt.Fprintf(out, "duplicates: %d\n", dups)
			fmt.Fprintf(out, "skipped:    %d\n", len(res.Skipped))
			for _, s := range res.Skipped {
				fmt.Fprintf(out, "  line %d: %s\n", s.Line, s.Reason)
			}

			if !dryRun {
				return nil
			}
			return dryRunIngest(cmd, args[0], logger(cmd))
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run manifest ingestion against an in-memory store")
	return cmd
}

// dryRunIngest submits the manifest to an in-memory store and drives the
// manifest stage once, without touching the network.
func dryRunIngest(cmd *cobra.Command, path string, logger *slog.Logger) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	store := memory.New()
	stores := pipeline.Stores{
		Batches: store.Batches(),
		Jobs:    store.Jobs(),
		Tasks:   store.Tasks(),
		Events:  store.Events(),
		Imports: store.Imports(),
	}
	opts := pipeline.DefaultOptions()
	completion := pipeline.NewCompletionHandler(stores, nil, nil, logger)
	batch, err := usecase.NewBatchUsecase(stores, completion, nil, logger).
		Submit(ctx, usecase.SubmitBatchInput{ManifestPath: abs, CreatedBy: "importctl dry-run"})
	if err != nil {
		return err
	}

	claimed, err := stores.Tasks.ClaimNextPending(ctx, domain.JobManifestIngest, []domain.BatchStatus{domain.BatchPending}, 1)
	if err != nil {
		return fmt.Errorf("claim manifest task: %w", err)
	}
	queue := make(chan *domain.Task, len(claimed))
	for _, t := range claimed {
		queue <- t
	}
	close(queue)
	worker := pipeline.NewManifestWorker(stores, completion, nil, opts, logger)
	if err := worker.Run(ctx, queue); err != nil {
		return fmt.Errorf("run manifest stage: %w", err)
	}

	batch, err = stores.Batches.FindByID(ctx, batch.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\ndry run: batch %s, total tasks %d\n", batch.Status, batch.TotalTasks)

	jobs, err := stores.Jobs.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		tasks, err := stores.Tasks.ListByJob(ctx, j.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-18s %-10s %d task(s)\n", j.JobType, j.Status, len(tasks))
		for _, t := range tasks {
			if t.Error != nil {
				fmt.Fprintf(out, "    %s: %s\n", t.Error.Code, t.Error.Message)
			}
		}
	}
	return nil
}
