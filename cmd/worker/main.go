package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/roleshift/roleshift/internal/app"
	"github.com/roleshift/roleshift/internal/migration"
	"github.com/roleshift/roleshift/internal/platform/db"
	"github.com/roleshift/roleshift/jobs"
)

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	repo := migration.NewRepository(pool)
	backup := migration.NewBackupManager(repo, migration.RetentionPolicy{
		KeepCount:   cfg.BackupRetentionCount,
		GracePeriod: cfg.BackupGracePeriod,
	}, logger)
	healthCache := migration.NewHealthCache(redisClient)
	thresholds := migration.HealthThresholds{
		MaxLockWaiters:    cfg.MaxLockWaiters,
		MaxActiveSessions: cfg.MaxActiveSessions,
		MaxQueryLatency:   cfg.MaxQueryLatency,
	}

	pruneJob := jobs.NewBackupPruneJob(backup, logger)
	healthJob := jobs.NewHealthReportJob(repo, healthCache, thresholds, logger)

	pruneTask, err := jobs.NewBackupPruneTask()
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}
	healthTask, err := jobs.NewHealthReportTask(cfg.MaxQueryLatency * 5)
	if err != nil {
		logger.Error("build health task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBackupPrune, Handler: pruneJob.Handle},
			{Type: jobs.TaskHealthReport, Handler: healthJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 6h", Task: pruneTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
			{Spec: "@every 1m", Task: healthTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
