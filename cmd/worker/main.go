package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/getpawsy/catalog/internal/app"
	"github.com/getpawsy/catalog/internal/observability"
	"github.com/getpawsy/catalog/jobs"
)

const catalogCacheTTL = 30 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	metrics := observability.NewMetrics()

	services, err := app.NewServices(ctx, cfg, logger, app.ServiceOptions{
		RequireRedis: true,
		Metrics:      metrics.Jobs(),
	})
	if err != nil {
		logger.Error("wire pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer services.Close()

	redisOpts := cfg.AsynqRedis()
	catalogJob := jobs.NewCatalogJob(services.Runner, logger, metrics.Jobs())

	buildTask, err := jobs.NewCatalogBuildTask("cron")
	if err != nil {
		logger.Error("build catalog task", slog.Any("error", err))
		os.Exit(1)
	}
	auditTask, err := jobs.NewCatalogAuditTask("cron")
	if err != nil {
		logger.Error("build audit task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers:  catalogJob.Handlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CatalogBuildCron, Task: buildTask, Options: []asynq.Option{asynq.MaxRetry(2), asynq.Unique(time.Hour)}},
			{Spec: cfg.CatalogAuditCron, Task: auditTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Catalog:    app.NewCachedCatalog(services.Store, catalogCacheTTL),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})
	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  cfg.OpsReadTimeout,
		WriteTimeout: cfg.OpsWriteTimeout,
	}

	go func() {
		logger.Info("starting ops server", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
