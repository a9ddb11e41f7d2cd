// importctl is the operator CLI for bulk imports.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ErlanBelekov/krithi-import/config"
	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/postgres"
	ctxlog "github.com/ErlanBelekov/krithi-import/internal/log"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	"github.com/ErlanBelekov/krithi-import/internal/usecase"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "importctl",
		Short:         "Operate the krithi bulk-import pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline activity to stderr")

	logger := func(cmd *cobra.Command) *slog.Logger {
		if !verbose {
			return slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		l, _ := ctxlog.New("local", slog.LevelDebug, "")
		return l
	}

	root.AddCommand(
		newValidateCmd(logger),
		newSubmitCmd(logger),
		newStatusCmd(logger),
		newSeedCmd(),
	)
	return root
}

// dbSession is what the database-backed commands share.
type dbSession struct {
	pool    *pgxpool.Pool
	batches *usecase.BatchUsecase
}

func openDB(ctx context.Context, logger *slog.Logger) (*dbSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	stores := pipeline.Stores{
		Batches: postgres.NewBatchRepository(pool),
		Jobs:    postgres.NewJobRepository(pool),
		Tasks:   postgres.NewTaskRepository(pool),
		Events:  postgres.NewEventRepository(pool),
		Imports: postgres.NewImportRepository(pool),
	}
	completion := pipeline.NewCompletionHandler(stores, nil, nil, logger)
	uc := usecase.NewBatchUsecase(stores, completion, postgres.NewNotifier(pool, logger), logger)
	return &dbSession{pool: pool, batches: uc}, nil
}

func (s *dbSession) Close() { s.pool.Close() }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
