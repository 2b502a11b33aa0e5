package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrSnapshotNotFound indicates no snapshot matches the given id or run.
var ErrSnapshotNotFound = errors.New("migration: snapshot not found")

// BackupStore is the store surface the backup manager needs. Snapshot
// rows live in a dedicated append-only namespace inside the same store.
type BackupStore interface {
	SnapshotByRun(ctx context.Context, runID uuid.UUID) (BackupSnapshot, error)
	SnapshotByID(ctx context.Context, backupID uuid.UUID) (BackupSnapshot, error)
	InsertSnapshot(ctx context.Context, snap BackupSnapshot) error
	DiscardSnapshot(ctx context.Context, backupID uuid.UUID) error
	CopyPrincipalRows(ctx context.Context, backupID uuid.UUID) (int64, error)
	CopyRuleRows(ctx context.Context, backupID uuid.UUID, ruleIDs []int64) (int64, error)
	FinalizeSnapshot(ctx context.Context, backupID uuid.UUID, checksum string, sizeBytes int64) error
	SnapshotDistribution(ctx context.Context, backupID uuid.UUID) (map[string]int64, error)
	SnapshotNullCriticalRows(ctx context.Context, backupID uuid.UUID) (int64, error)
	RoleDistribution(ctx context.Context) (map[string]int64, error)
	RestorePrincipalRows(ctx context.Context, backupID uuid.UUID) (restored int64, unrestorable []int64, err error)
	RestoreRuleRows(ctx context.Context, backupID uuid.UUID) (int64, error)
	ListSnapshots(ctx context.Context) ([]BackupSnapshot, error)
	RunByID(ctx context.Context, runID uuid.UUID) (MigrationRun, error)
}

// RetentionPolicy bounds how many snapshots survive pruning.
type RetentionPolicy struct {
	KeepCount   int
	GracePeriod time.Duration
}

// CompletenessReport is the outcome of validating a snapshot against
// its source.
type CompletenessReport struct {
	BackupID          uuid.UUID        `json:"backup_id"`
	RowCountMatch     bool             `json:"row_count_match"`
	SnapshotRows      int64            `json:"snapshot_rows"`
	SourceRows        int64            `json:"source_rows"`
	NullCriticalRows  int64            `json:"null_critical_rows"`
	DistributionMatch bool             `json:"distribution_match"`
	Mismatches        map[string]int64 `json:"mismatches,omitempty"`
	ChecksumMatch     bool             `json:"checksum_match"`
}

// Complete reports whether every completeness condition holds.
func (r CompletenessReport) Complete() bool {
	return r.RowCountMatch && r.NullCriticalRows == 0 && r.DistributionMatch && r.ChecksumMatch
}

// RestoreResult summarises one restore attempt. Rows deleted since the
// backup are reported, never fabricated.
type RestoreResult struct {
	RowsRestored     int64   `json:"rows_restored"`
	RowsUnrestorable []int64 `json:"rows_unrestorable,omitempty"`
	RulesRestored    int64   `json:"rules_restored"`
}

// BackupManager snapshots principal role fields and role-referencing
// rule text before mutation, and restores them on rollback. Creation
// and restore are idempotent keyed by run_id/backup_id so both survive
// crash-and-retry.
type BackupManager struct {
	store     BackupStore
	retention RetentionPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewBackupManager constructs the manager.
func NewBackupManager(store BackupStore, retention RetentionPolicy, logger *slog.Logger) *BackupManager {
	if logger == nil {
		logger = slog.Default()
	}
	if retention.KeepCount < 1 {
		retention.KeepCount = 1
	}
	return &BackupManager{store: store, retention: retention, logger: logger, now: time.Now}
}

// Create snapshots the principal role fields and the rule rows named by
// ruleIDs. A repeated call for the same run reuses the finished
// snapshot; a pending snapshot left by a crash is discarded and redone.
func (m *BackupManager) Create(ctx context.Context, runID uuid.UUID, ruleIDs []int64) (BackupSnapshot, error) {
	existing, err := m.store.SnapshotByRun(ctx, runID)
	switch {
	case err == nil && existing.Status == SnapshotComplete:
		return existing, nil
	case err == nil && existing.Status == SnapshotPending:
		if err := m.store.DiscardSnapshot(ctx, existing.BackupID); err != nil {
			return BackupSnapshot{}, fmt.Errorf("migration: discard stale snapshot: %w", err)
		}
	case err != nil && !errors.Is(err, ErrSnapshotNotFound):
		return BackupSnapshot{}, fmt.Errorf("migration: lookup snapshot: %w", err)
	}

	snap := BackupSnapshot{
		BackupID:  uuid.New(),
		RunID:     runID,
		Status:    SnapshotPending,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return BackupSnapshot{}, fmt.Errorf("migration: insert snapshot: %w", err)
	}
	rows, err := m.store.CopyPrincipalRows(ctx, snap.BackupID)
	if err != nil {
		return BackupSnapshot{}, fmt.Errorf("migration: copy principal rows: %w", err)
	}
	rules, err := m.store.CopyRuleRows(ctx, snap.BackupID, ruleIDs)
	if err != nil {
		return BackupSnapshot{}, fmt.Errorf("migration: copy rule rows: %w", err)
	}

	distribution, err := m.store.SnapshotDistribution(ctx, snap.BackupID)
	if err != nil {
		return BackupSnapshot{}, fmt.Errorf("migration: snapshot distribution: %w", err)
	}
	snap.RowCount = rows
	snap.RuleCount = rules
	snap.Checksum = distributionChecksum(distribution, rows)
	snap.SizeBytes = estimateSnapshotBytes(rows, rules)
	if err := m.store.FinalizeSnapshot(ctx, snap.BackupID, snap.Checksum, snap.SizeBytes); err != nil {
		return BackupSnapshot{}, fmt.Errorf("migration: finalize snapshot: %w", err)
	}
	snap.Status = SnapshotComplete

	m.logger.Info("backup created",
		slog.String("backup_id", snap.BackupID.String()),
		slog.Int64("rows", rows),
		slog.Int64("rules", rules),
	)
	return snap, nil
}

// Validate checks a snapshot for completeness: row-count parity, no
// null critical fields, per-role-value count parity against the source
// and an intact checksum.
func (m *BackupManager) Validate(ctx context.Context, backupID uuid.UUID) (CompletenessReport, error) {
	snap, err := m.store.SnapshotByID(ctx, backupID)
	if err != nil {
		return CompletenessReport{}, err
	}
	snapDist, err := m.store.SnapshotDistribution(ctx, backupID)
	if err != nil {
		return CompletenessReport{}, fmt.Errorf("migration: snapshot distribution: %w", err)
	}
	sourceDist, err := m.store.RoleDistribution(ctx)
	if err != nil {
		return CompletenessReport{}, fmt.Errorf("migration: source distribution: %w", err)
	}
	nulls, err := m.store.SnapshotNullCriticalRows(ctx, backupID)
	if err != nil {
		return CompletenessReport{}, fmt.Errorf("migration: snapshot null scan: %w", err)
	}

	var snapRows, sourceRows int64
	for _, n := range snapDist {
		snapRows += n
	}
	for _, n := range sourceDist {
		sourceRows += n
	}

	report := CompletenessReport{
		BackupID:         backupID,
		SnapshotRows:     snapRows,
		SourceRows:       sourceRows,
		RowCountMatch:    snapRows == sourceRows && snapRows == snap.RowCount,
		NullCriticalRows: nulls,
		ChecksumMatch:    distributionChecksum(snapDist, snap.RowCount) == snap.Checksum,
	}
	report.DistributionMatch, report.Mismatches = compareDistributions(snapDist, sourceDist)
	return report, nil
}

// Restore writes snapshot role fields back over the principal table and
// optionally the rule text. Rows deleted since backup time are skipped
// and reported in the result.
func (m *BackupManager) Restore(ctx context.Context, backupID uuid.UUID, includeRules bool) (RestoreResult, error) {
	snap, err := m.store.SnapshotByID(ctx, backupID)
	if err != nil {
		return RestoreResult{}, err
	}
	if snap.Status != SnapshotComplete {
		return RestoreResult{}, fmt.Errorf("%w: snapshot %s is %s", ErrBackupIntegrity, backupID, snap.Status)
	}
	restored, unrestorable, err := m.store.RestorePrincipalRows(ctx, backupID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("migration: restore principal rows: %w", err)
	}
	result := RestoreResult{RowsRestored: restored, RowsUnrestorable: unrestorable}
	if includeRules {
		rules, err := m.store.RestoreRuleRows(ctx, backupID)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("migration: restore rule rows: %w", err)
		}
		result.RulesRestored = rules
	}
	for _, id := range unrestorable {
		m.logger.Warn("row deleted since backup, skipped during restore",
			slog.String("backup_id", backupID.String()),
			slog.Int64("principal_id", id),
		)
	}
	return result, nil
}

// Prune drops snapshots beyond the retention count. A snapshot is only
// prunable once its run completed successfully and has been stable past
// the grace period; backups of failed runs are never pruned here.
func (m *BackupManager) Prune(ctx context.Context) (int, error) {
	snaps, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("migration: list snapshots: %w", err)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })

	pruned := 0
	for i, snap := range snaps {
		if i < m.retention.KeepCount {
			continue
		}
		run, err := m.store.RunByID(ctx, snap.RunID)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			return pruned, err
		}
		if run.Phase != PhaseCompleted || run.FinishedAt == nil {
			continue
		}
		if m.now().Sub(*run.FinishedAt) < m.retention.GracePeriod {
			continue
		}
		if err := m.store.DiscardSnapshot(ctx, snap.BackupID); err != nil {
			return pruned, fmt.Errorf("migration: prune snapshot %s: %w", snap.BackupID, err)
		}
		pruned++
		m.logger.Info("snapshot pruned", slog.String("backup_id", snap.BackupID.String()))
	}
	return pruned, nil
}

// distributionChecksum fingerprints a snapshot from its per-role counts
// and total row count.
func distributionChecksum(distribution map[string]int64, rows int64) string {
	roles := make([]string, 0, len(distribution))
	for role := range distribution {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	h := sha256.New()
	fmt.Fprintf(h, "rows=%d\n", rows)
	for _, role := range roles {
		fmt.Fprintf(h, "%s=%d\n", role, distribution[role])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func compareDistributions(snap, source map[string]int64) (bool, map[string]int64) {
	mismatches := make(map[string]int64)
	for role, n := range snap {
		if source[role] != n {
			mismatches[role] = source[role] - n
		}
	}
	for role, n := range source {
		if _, seen := snap[role]; !seen && n != 0 {
			mismatches[role] = n
		}
	}
	if len(mismatches) == 0 {
		return true, nil
	}
	return false, mismatches
}

// estimateSnapshotBytes approximates on-disk size for reporting.
func estimateSnapshotBytes(rows, rules int64) int64 {
	const perRow, perRule = 96, 512
	return rows*perRow + rules*perRule
}
