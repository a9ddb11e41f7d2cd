package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ErlanBelekov/krithi-import/internal/usecase"
	"github.com/spf13/cobra"
)

func newSubmitCmd(logger func(*cobra.Command) *slog.Logger) *cobra.Command {
	var createdBy string
	cmd := &cobra.Command{
		Use:   "submit <manifest.csv>",
		Short: "Create an import batch for a manifest",
		Long:  "Create a PENDING batch with its manifest-ingest task and wake the importer. The path must be readable by the importer process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			db, err := openDB(ctx, logger(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			batch, err := db.batches.Submit(ctx, usecase.SubmitBatchInput{ManifestPath: path, CreatedBy: createdBy})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), batch.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&createdBy, "created-by", "importctl", "operator recorded on the batch")
	return cmd
}
