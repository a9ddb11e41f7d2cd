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
	"github.com/ErlanBelekov/krithi-import/internal/health"
	"github.com/ErlanBelekov/krithi-import/internal/infrastructure/postgres"
	ctxlog "github.com/ErlanBelekov/krithi-import/internal/log"
	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"github.com/ErlanBelekov/krithi-import/internal/notify"
	"github.com/ErlanBelekov/krithi-import/internal/pipeline"
	httptransport "github.com/ErlanBelekov/krithi-import/internal/transport/http"
	"github.com/ErlanBelekov/krithi-import/internal/transport/http/handler"
	"github.com/ErlanBelekov/krithi-import/internal/usecase"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, closeLog := ctxlog.New(cfg.Env, cfg.SlogLevel(), cfg.LogFile)
	defer closeLog()

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	stores := pipeline.Stores{
		Batches: postgres.NewBatchRepository(pool),
		Jobs:    postgres.NewJobRepository(pool),
		Tasks:   postgres.NewTaskRepository(pool),
		Events:  postgres.NewEventRepository(pool),
		Imports: postgres.NewImportRepository(pool),
	}

	// The API process never runs stages; its completion handler only
	// re-checks resumed batches and has no dispatcher to wake.
	var batchNotifier pipeline.Notifier
	if cfg.NotifyEmail != "" {
		sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
		batchNotifier = notify.NewBatchNotifier(sender, cfg.NotifyEmail, logger)
	}
	completion := pipeline.NewCompletionHandler(stores, batchNotifier, nil, logger)
	batchUsecase := usecase.NewBatchUsecase(stores, completion, postgres.NewNotifier(pool, logger), logger)
	batchHandler := handler.NewBatchHandler(batchUsecase, logger)

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	srv := http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httptransport.NewRouter(logger, batchHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}
