// Package jobs wires background maintenance work: snapshot retention
// pruning and post-run health reporting, scheduled through Asynq.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/roleshift/roleshift/internal/migration"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBackupPrune drops snapshots beyond the retention policy.
	TaskBackupPrune = "backup:prune"
	// TaskHealthReport samples store health and publishes it for
	// status consumers.
	TaskHealthReport = "health:report"
)

// BackupPrunePayload carries no parameters today; retention settings
// come from configuration.
type BackupPrunePayload struct{}

// NewBackupPruneTask constructs an Asynq task.
func NewBackupPruneTask() (*asynq.Task, error) {
	data, err := json.Marshal(BackupPrunePayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBackupPrune, data), nil
}

// BackupPruneJob runs retention pruning against the snapshot area.
type BackupPruneJob struct {
	backup *migration.BackupManager
	logger *slog.Logger
}

// NewBackupPruneJob constructs the job.
func NewBackupPruneJob(backup *migration.BackupManager, logger *slog.Logger) *BackupPruneJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupPruneJob{backup: backup, logger: logger}
}

// Handle processes TaskBackupPrune tasks.
func (j *BackupPruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	pruned, err := j.backup.Prune(ctx)
	if err != nil {
		j.logger.Error("backup prune failed", slog.Any("error", err))
		return err
	}
	j.logger.Info("backup prune finished", slog.Int("pruned", pruned))
	return nil
}

// HealthReportPayload configures one health sample.
type HealthReportPayload struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// NewHealthReportTask constructs an Asynq task.
func NewHealthReportTask(timeout time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(HealthReportPayload{TimeoutSeconds: int(timeout / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskHealthReport, data), nil
}

// HealthReportJob samples store health and publishes it to the cache
// read by status consumers.
type HealthReportJob struct {
	source     migration.HealthSource
	cache      *migration.HealthCache
	thresholds migration.HealthThresholds
	logger     *slog.Logger
}

// NewHealthReportJob constructs the job.
func NewHealthReportJob(source migration.HealthSource, cache *migration.HealthCache, thresholds migration.HealthThresholds, logger *slog.Logger) *HealthReportJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthReportJob{source: source, cache: cache, thresholds: thresholds, logger: logger}
}

// Handle processes TaskHealthReport tasks.
func (j *HealthReportJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload HealthReportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(payload.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	sample, err := j.source.SampleHealth(ctx)
	if err != nil {
		j.logger.Warn("health sample failed", slog.Any("error", err))
		return err
	}
	flags := j.thresholds.Flags(sample)
	if err := j.cache.Publish(ctx, sample, flags); err != nil {
		return err
	}
	if len(flags) > 0 {
		j.logger.Warn("store health degraded", slog.Any("flags", flags))
	}
	return nil
}
