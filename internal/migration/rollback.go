package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RollbackStore is the store surface rollback verification needs.
type RollbackStore interface {
	RoleDistribution(ctx context.Context) (map[string]int64, error)
	SnapshotDistribution(ctx context.Context, backupID uuid.UUID) (map[string]int64, error)
	InsertRollbackRecord(ctx context.Context, rec RollbackRecord) error
}

// RollbackController restores the run's backup on any fatal signal and
// verifies the restoration with a reduced validation (row counts and
// role distribution). It is idempotent and safe to retry.
type RollbackController struct {
	backup *BackupManager
	store  RollbackStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRollbackController constructs the controller.
func NewRollbackController(backup *BackupManager, store RollbackStore, logger *slog.Logger) *RollbackController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackController{backup: backup, store: store, logger: logger, now: time.Now}
}

// Rollback restores from the run's backup and writes a RollbackRecord.
// When restoration cannot reach parity it records a partial outcome and
// returns a RestoreIncompleteError instead of claiming success.
func (c *RollbackController) Rollback(ctx context.Context, run MigrationRun) (RollbackRecord, error) {
	if run.BackupID == uuid.Nil {
		return RollbackRecord{}, fmt.Errorf("migration: run %s has no backup to restore", run.ID)
	}

	result, err := c.backup.Restore(ctx, run.BackupID, true)
	if err != nil {
		return RollbackRecord{}, fmt.Errorf("migration: rollback restore: %w", err)
	}

	record := RollbackRecord{
		RunID:            run.ID,
		BackupID:         run.BackupID,
		Outcome:          RollbackFull,
		RowsRestored:     result.RowsRestored,
		RowsUnrestorable: result.RowsUnrestorable,
		CreatedAt:        c.now().UTC(),
	}

	parity, detail, err := c.verify(ctx, run.BackupID)
	if err != nil {
		return RollbackRecord{}, err
	}
	if !parity || len(result.RowsUnrestorable) > 0 {
		record.Outcome = RollbackPartial
		record.Detail = detail
	}

	if err := c.store.InsertRollbackRecord(ctx, record); err != nil {
		return RollbackRecord{}, fmt.Errorf("migration: write rollback record: %w", err)
	}

	c.logger.Info("rollback finished",
		slog.String("run_id", run.ID.String()),
		slog.String("backup_id", run.BackupID.String()),
		slog.String("outcome", string(record.Outcome)),
		slog.Int64("rows_restored", record.RowsRestored),
	)

	if record.Outcome == RollbackPartial {
		return record, &RestoreIncompleteError{BackupID: run.BackupID, Unrestorable: result.RowsUnrestorable}
	}
	return record, nil
}

// verify compares the live role distribution with the snapshot's.
func (c *RollbackController) verify(ctx context.Context, backupID uuid.UUID) (bool, string, error) {
	snapDist, err := c.store.SnapshotDistribution(ctx, backupID)
	if err != nil {
		return false, "", fmt.Errorf("migration: verify snapshot distribution: %w", err)
	}
	liveDist, err := c.store.RoleDistribution(ctx)
	if err != nil {
		return false, "", fmt.Errorf("migration: verify live distribution: %w", err)
	}
	match, mismatches := compareDistributions(snapDist, liveDist)
	if match {
		return true, "", nil
	}
	roles := make([]string, 0, len(mismatches))
	for role := range mismatches {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = fmt.Sprintf("%s%+d", role, mismatches[role])
	}
	return false, "distribution deviates from snapshot: " + strings.Join(parts, ", "), nil
}
