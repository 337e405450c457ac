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
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/retention/internal/app"
	jobmetrics "github.com/odyssey-erp/retention/internal/jobs"
	"github.com/odyssey-erp/retention/internal/observability"
	"github.com/odyssey-erp/retention/jobs"
)

func main() {
	if app.SkipStartup(slog.Default(), "worker") {
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
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	res, err := app.OpenResources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	metrics := observability.NewMetrics()
	job := app.NewDeactivateJob(cfg, res, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	workerCfg := jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskUsersDeactivateInactive, Handler: job.Handle},
		},
	}
	if cfg.SchedulingEnabled() {
		task, err := jobs.NewDeactivateInactiveTask(jobs.RequestedByScheduler, time.Time{})
		if err != nil {
			return err
		}
		workerCfg.Cron = append(workerCfg.Cron, jobs.CronRegistration{
			Spec:    cfg.DeactivateCron,
			Task:    task,
			Options: jobs.DeactivateInactiveOptions(cfg.JobLockTTL),
		})
	} else {
		logger.Warn("DEACTIVATE_CRON is empty, runs only on manual trigger")
	}

	worker, err := jobs.NewWorker(workerCfg)
	if err != nil {
		return err
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	server := &http.Server{
		Addr: cfg.MetricsAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:     logger,
			Config:     cfg,
			JobHandler: jobs.NewHandler(inspector, logger),
			Metrics:    metrics,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("worker starting",
		slog.String("db_driver", cfg.DBDriver),
		slog.String("lock_backend", cfg.JobLockBackend),
		slog.String("retention", cfg.RetentionWindow.String()),
		slog.String("cron", cfg.DeactivateCron),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
