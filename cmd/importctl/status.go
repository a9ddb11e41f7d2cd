package main

import (
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/spf13/cobra"
)

func newStatusCmd(logger func(*cobra.Command) *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show batch counters and per-stage jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openDB(ctx, logger(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			batch, err := db.batches.Get(ctx, args[0])
			if err != nil {
				return err
			}
			jobs, err := db.batches.Jobs(ctx, batch.ID)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), batch, jobs)
			return nil
		},
	}
}

func printStatus(w io.Writer, b *domain.Batch, jobs []*domain.Job) {
	fmt.Fprintf(w, "batch     %s\n", b.ID)
	fmt.Fprintf(w, "manifest  %s\n", b.ManifestPath)
	fmt.Fprintf(w, "status    %s\n", b.Status)
	fmt.Fprintf(w, "progress  %d/%d processed\n", b.ProcessedTasks, b.TotalTasks)
	fmt.Fprintf(w, "          succeeded %d, failed %d, blocked %d, cancelled %d\n",
		b.SucceededTasks, b.FailedTasks, b.BlockedTasks, b.CancelledTasks)
	if len(jobs) == 0 {
		return
	}
	fmt.Fprintln(w, "jobs")
	for _, j := range jobs {
		fmt.Fprintf(w, "  %-18s %s\n", j.JobType, j.Status)
	}
}
