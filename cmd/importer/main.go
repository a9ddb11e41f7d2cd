package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/krithi-import/config"
	"github.com/ErlanBelekov/krithi-import/internal/curation"
	"github.com/ErlanBelekov/krithi-import/internal/health"
	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/krithi-import/internal/llm"
	ctxlog "github.com/ErlanBelekov/krithi-import/internal/log"
	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"github.com/ErlanBelekov/krithi-import/internal/notify"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	"github.com/ErlanBelekov/krithi-import/internal/ratelimit"
	"github.com/ErlanBelekov/krithi-import/internal/scraper"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLog := ctxlog.New(cfg.Env, cfg.SlogLevel(), cfg.LogFile)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			stop()
			log.Fatalf("migrate: %v", err)
		}
		logger.Info("migrations applied")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	stores := pipeline.Stores{
		Batches: postgres.NewBatchRepository(pool),
		Jobs:    postgres.NewJobRepository(pool),
		Tasks:   postgres.NewTaskRepository(pool),
		Events:  postgres.NewEventRepository(pool),
		Imports: postgres.NewImportRepository(pool),
	}

	llmClient := llm.NewClient(cfg.LLMConfig(), ratelimit.NewAdaptiveLimiter(cfg.AdaptiveConfig()), logger)
	collab := pipeline.Collaborators{
		Throttler:    ratelimit.NewWindowLimiter(cfg.WindowConfig()),
		Scraper:      scraper.NewHTTPScraper(llmClient, time.Duration(cfg.ScrapeTimeoutSec)*time.Second, logger),
		Resolver:     curation.NewResolver(postgres.NewEntityRepository(pool)),
		Deduplicator: curation.NewDeduplicator(stores.Imports),
		Scorer:       curation.NewScorer(cfg.TrustedSources...),
		Approver:     curation.NewApprover(stores.Imports, cfg.AutoApproveThreshold, logger),
	}
	if cfg.NotifyEmail != "" {
		sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
		collab.Notifier = notify.NewBatchNotifier(sender, cfg.NotifyEmail, logger)
	}

	workers := pipeline.NewWorkerPool(stores, collab, cfg.PipelineOptions(), logger)
	checker.AddProbe("dispatcher", workers.Dispatcher().Healthy)

	// API servers NOTIFY on submit, resume and requeue.
	notifier := postgres.NewNotifier(pool, logger)
	go func() {
		if err := notifier.Listen(ctx, workers.Wake); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("listen for wake-ups", "error", err)
		}
	}()

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	if err := workers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker pool", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("importer shut down")
}
