package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roleshift/roleshift/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for every store
// port in this package. Run, snapshot and rollback rows live in the
// dedicated roleshift schema inside the store being migrated, so they
// survive restarts and stay queryable by observers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const pgUniqueViolation = "23505"

// --- InspectorStore ---

// Ping verifies the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ServerVersion reports the store server version.
func (r *Repository) ServerVersion(ctx context.Context) (string, error) {
	var version string
	err := r.pool.QueryRow(ctx, `SHOW server_version`).Scan(&version)
	return version, err
}

// PrincipalCount counts all principal rows.
func (r *Repository) PrincipalCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM principals`).Scan(&n)
	return n, err
}

// PrincipalIdentifierIssues counts null and duplicate identifiers.
func (r *Repository) PrincipalIdentifierIssues(ctx context.Context) (int64, int64, error) {
	var nulls, duplicates int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) - COUNT(id) FROM principals`).Scan(&nulls)
	if err != nil {
		return 0, 0, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM (SELECT id FROM principals GROUP BY id HAVING COUNT(*) > 1) dup`).Scan(&duplicates)
	return nulls, duplicates, err
}

// EmptyRolePrincipals counts principals without a usable role value.
func (r *Repository) EmptyRolePrincipals(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM principals WHERE role IS NULL OR role = ''`).Scan(&n)
	return n, err
}

// RoleDistribution returns per-role row counts.
func (r *Repository) RoleDistribution(ctx context.Context) (map[string]int64, error) {
	return roleDistribution(ctx, r.pool, `SELECT role, COUNT(*) FROM principals WHERE role IS NOT NULL GROUP BY role`)
}

// ListRoleRules returns every access rule.
func (r *Repository) ListRoleRules(ctx context.Context) ([]AccessRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, table_name, predicate FROM access_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []AccessRule
	for rows.Next() {
		var rule AccessRule
		if err := rows.Scan(&rule.ID, &rule.TableName, &rule.Predicate); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// PrincipalTableBytes reports on-disk size of the principal table.
func (r *Repository) PrincipalTableBytes(ctx context.Context) (int64, error) {
	var bytes int64
	err := r.pool.QueryRow(ctx, `SELECT pg_total_relation_size('principals')`).Scan(&bytes)
	return bytes, err
}

// PendingSnapshots counts unfinished snapshots left by crashes.
func (r *Repository) PendingSnapshots(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM roleshift.backup_snapshots WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// ProbeBackupArea verifies the snapshot area accepts writes by
// inserting inside a transaction that always rolls back.
func (r *Repository) ProbeBackupArea(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx,
		`INSERT INTO roleshift.backup_snapshots (backup_id, run_id, status, created_at) VALUES ($1, $2, 'pending', NOW())`,
		uuid.New(), uuid.New())
	return err
}

// SampleHealth takes one read-only health observation.
func (r *Repository) SampleHealth(ctx context.Context) (HealthSample, error) {
	sample := HealthSample{SampledAt: time.Now().UTC()}

	start := time.Now()
	var one int
	if err := r.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return HealthSample{}, err
	}
	sample.QueryLatency = time.Since(start)

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pg_locks WHERE granted = false`).Scan(&sample.LockWaiters); err != nil {
		return HealthSample{}, err
	}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pg_stat_activity WHERE state = 'active'`).Scan(&sample.ActiveSessions); err != nil {
		return HealthSample{}, err
	}
	return sample, nil
}

// --- RunStore / RunReader ---

// CreateRun inserts a new run row. The partial unique index on
// non-terminal phases makes the insert fail while another run is
// active, which is the mutual-exclusion guarantee.
func (r *Repository) CreateRun(ctx context.Context, run MigrationRun) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roleshift.migration_runs (id, phase, started_at, rows_eligible, rows_migrated, forced) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, string(run.Phase), run.StartedAt, run.RowsEligible, run.RowsMigrated, run.Forced)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConcurrentRun
		}
		return err
	}
	return nil
}

// RunByID fetches one run.
func (r *Repository) RunByID(ctx context.Context, id uuid.UUID) (MigrationRun, error) {
	return scanRun(r.pool.QueryRow(ctx, runSelect+` WHERE id = $1`, id))
}

// LatestRun fetches the most recently started run.
func (r *Repository) LatestRun(ctx context.Context) (MigrationRun, error) {
	return scanRun(r.pool.QueryRow(ctx, runSelect+` ORDER BY started_at DESC LIMIT 1`))
}

const runSelect = `SELECT id, phase, started_at, finished_at, rows_eligible, rows_migrated, COALESCE(error, ''), COALESCE(backup_id, '00000000-0000-0000-0000-000000000000'), forced FROM roleshift.migration_runs`

func scanRun(row pgx.Row) (MigrationRun, error) {
	var run MigrationRun
	var phase string
	err := row.Scan(&run.ID, &phase, &run.StartedAt, &run.FinishedAt, &run.RowsEligible, &run.RowsMigrated, &run.Error, &run.BackupID, &run.Forced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MigrationRun{}, ErrRunNotFound
		}
		return MigrationRun{}, err
	}
	run.Phase = Phase(phase)
	return run, nil
}

// TransitionRun moves a run between phases with an optimistic guard on
// the expected source phase.
func (r *Repository) TransitionRun(ctx context.Context, id uuid.UUID, from, to Phase, detail string) error {
	var finishedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE roleshift.migration_runs SET phase = $3, error = NULLIF($4, ''), finished_at = COALESCE($5, finished_at) WHERE id = $1 AND phase = $2`,
		id, string(from), string(to), detail, finishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("migration: run %s is not in phase %s", id, from)
	}
	return nil
}

// SetRunBackup links the run to its snapshot.
func (r *Repository) SetRunBackup(ctx context.Context, id, backupID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE roleshift.migration_runs SET backup_id = $2 WHERE id = $1`, id, backupID)
	return err
}

// SetRunStats updates row statistics.
func (r *Repository) SetRunStats(ctx context.Context, id uuid.UUID, eligible, migrated int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE roleshift.migration_runs SET rows_eligible = $2, rows_migrated = $3 WHERE id = $1`, id, eligible, migrated)
	return err
}

// --- BackupStore ---

const snapshotSelect = `SELECT backup_id, run_id, row_count, rule_count, COALESCE(checksum, ''), size_bytes, status, created_at FROM roleshift.backup_snapshots`

func scanSnapshot(row pgx.Row) (BackupSnapshot, error) {
	var snap BackupSnapshot
	var status string
	err := row.Scan(&snap.BackupID, &snap.RunID, &snap.RowCount, &snap.RuleCount, &snap.Checksum, &snap.SizeBytes, &status, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BackupSnapshot{}, ErrSnapshotNotFound
		}
		return BackupSnapshot{}, err
	}
	snap.Status = SnapshotStatus(status)
	return snap, nil
}

// SnapshotByRun fetches the snapshot created for a run.
func (r *Repository) SnapshotByRun(ctx context.Context, runID uuid.UUID) (BackupSnapshot, error) {
	return scanSnapshot(r.pool.QueryRow(ctx, snapshotSelect+` WHERE run_id = $1`, runID))
}

// SnapshotByID fetches a snapshot by backup id.
func (r *Repository) SnapshotByID(ctx context.Context, backupID uuid.UUID) (BackupSnapshot, error) {
	return scanSnapshot(r.pool.QueryRow(ctx, snapshotSelect+` WHERE backup_id = $1`, backupID))
}

// InsertSnapshot writes the pending metadata row.
func (r *Repository) InsertSnapshot(ctx context.Context, snap BackupSnapshot) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roleshift.backup_snapshots (backup_id, run_id, row_count, rule_count, size_bytes, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.BackupID, snap.RunID, snap.RowCount, snap.RuleCount, snap.SizeBytes, string(snap.Status), snap.CreatedAt)
	return err
}

// DiscardSnapshot removes a snapshot and its copied rows.
func (r *Repository) DiscardSnapshot(ctx context.Context, backupID uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM roleshift.backup_principal_rows WHERE backup_id = $1`, backupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM roleshift.backup_rule_rows WHERE backup_id = $1`, backupID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM roleshift.backup_snapshots WHERE backup_id = $1`, backupID)
		return err
	})
}

// CopyPrincipalRows snapshots all principal role fields.
func (r *Repository) CopyPrincipalRows(ctx context.Context, backupID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO roleshift.backup_principal_rows (backup_id, principal_id, role, previous_role, seniority_tier, migration_timestamp)
		 SELECT $1, id, role, previous_role, seniority_tier, migration_timestamp FROM principals`,
		backupID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CopyRuleRows snapshots the rule rows named by ruleIDs.
func (r *Repository) CopyRuleRows(ctx context.Context, backupID uuid.UUID, ruleIDs []int64) (int64, error) {
	if len(ruleIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO roleshift.backup_rule_rows (backup_id, rule_id, table_name, predicate)
		 SELECT $1, id, table_name, predicate FROM access_rules WHERE id = ANY($2)`,
		backupID, ruleIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FinalizeSnapshot marks a snapshot complete with its checksum and
// counts derived from the copied rows.
func (r *Repository) FinalizeSnapshot(ctx context.Context, backupID uuid.UUID, checksum string, sizeBytes int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE roleshift.backup_snapshots SET status = 'complete', checksum = $2, size_bytes = $3,
		 row_count = (SELECT COUNT(*) FROM roleshift.backup_principal_rows WHERE backup_id = $1),
		 rule_count = (SELECT COUNT(*) FROM roleshift.backup_rule_rows WHERE backup_id = $1)
		 WHERE backup_id = $1`,
		backupID, checksum, sizeBytes)
	return err
}

// SnapshotDistribution returns per-role counts inside a snapshot.
func (r *Repository) SnapshotDistribution(ctx context.Context, backupID uuid.UUID) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT role, COUNT(*) FROM roleshift.backup_principal_rows WHERE backup_id = $1 AND role IS NOT NULL GROUP BY role`, backupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDistribution(rows)
}

// SnapshotNullCriticalRows counts snapshot rows missing critical fields.
func (r *Repository) SnapshotNullCriticalRows(ctx context.Context, backupID uuid.UUID) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM roleshift.backup_principal_rows WHERE backup_id = $1 AND (principal_id IS NULL OR role IS NULL OR role = '')`,
		backupID).Scan(&n)
	return n, err
}

// RestorePrincipalRows writes snapshot role fields back over the
// principal table. Rows deleted since backup are returned as
// unrestorable, never recreated.
func (r *Repository) RestorePrincipalRows(ctx context.Context, backupID uuid.UUID) (int64, []int64, error) {
	var restored int64
	var unrestorable []int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE principals p SET role = b.role, previous_role = b.previous_role, seniority_tier = b.seniority_tier, migration_timestamp = b.migration_timestamp
			 FROM roleshift.backup_principal_rows b
			 WHERE b.backup_id = $1 AND p.id = b.principal_id`,
			backupID)
		if err != nil {
			return err
		}
		restored = tag.RowsAffected()

		rows, err := tx.Query(ctx,
			`SELECT b.principal_id FROM roleshift.backup_principal_rows b
			 LEFT JOIN principals p ON p.id = b.principal_id
			 WHERE b.backup_id = $1 AND p.id IS NULL ORDER BY b.principal_id`,
			backupID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			unrestorable = append(unrestorable, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, nil, err
	}
	return restored, unrestorable, nil
}

// RestoreRuleRows writes snapshot predicates back over access rules.
func (r *Repository) RestoreRuleRows(ctx context.Context, backupID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE access_rules a SET predicate = b.predicate
		 FROM roleshift.backup_rule_rows b
		 WHERE b.backup_id = $1 AND a.id = b.rule_id`,
		backupID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListSnapshots returns all snapshot metadata, newest first.
func (r *Repository) ListSnapshots(ctx context.Context) ([]BackupSnapshot, error) {
	rows, err := r.pool.Query(ctx, snapshotSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []BackupSnapshot
	for rows.Next() {
		var snap BackupSnapshot
		var status string
		if err := rows.Scan(&snap.BackupID, &snap.RunID, &snap.RowCount, &snap.RuleCount, &snap.Checksum, &snap.SizeBytes, &status, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.Status = SnapshotStatus(status)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// --- ExecStore ---

// InExecTx opens the single serializable transaction execution runs
// in. An error from fn rolls everything back, so readers observe the
// fully-legacy or fully-canonical state and nothing in between.
func (r *Repository) InExecTx(ctx context.Context, fn func(ExecTx) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(&execTx{tx: tx})
	})
}

type execTx struct {
	tx pgx.Tx
}

func (t *execTx) RoleDistribution(ctx context.Context) (map[string]int64, error) {
	return roleDistribution(ctx, t.tx, `SELECT role, COUNT(*) FROM principals WHERE role IS NOT NULL GROUP BY role`)
}

func (t *execTx) ListPrincipalsByRoles(ctx context.Context, roles []string) ([]Principal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, role, previous_role, seniority_tier, migration_timestamp FROM principals WHERE role = ANY($1) ORDER BY id FOR UPDATE`,
		roles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var principals []Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.ID, &p.Role, &p.PreviousRole, &p.SeniorityTier, &p.MigrationTimestamp); err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

func (t *execTx) ApplyRoleChange(ctx context.Context, principalID int64, previousRole, canonicalRole, seniorityTier string, ts time.Time) error {
	// previous_role is write-once: a value set by an earlier successful
	// run is never overwritten.
	_, err := t.tx.Exec(ctx,
		`UPDATE principals SET previous_role = COALESCE(previous_role, $2), role = $3, seniority_tier = $4, migration_timestamp = $5 WHERE id = $1`,
		principalID, previousRole, canonicalRole, seniorityTier, ts)
	return err
}

func (t *execTx) RulePredicate(ctx context.Context, ruleID int64) (string, error) {
	var predicate string
	err := t.tx.QueryRow(ctx, `SELECT predicate FROM access_rules WHERE id = $1 FOR UPDATE`, ruleID).Scan(&predicate)
	return predicate, err
}

func (t *execTx) UpdateRulePredicate(ctx context.Context, ruleID int64, predicate string) error {
	_, err := t.tx.Exec(ctx, `UPDATE access_rules SET predicate = $2 WHERE id = $1`, ruleID, predicate)
	return err
}

// --- PostCheckStore ---

// CountMissingAuditFields counts migrated principals missing a
// companion audit field. Rows that were already canonical before the
// run carry no migration timestamp and are out of scope.
func (r *Repository) CountMissingAuditFields(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM principals WHERE migration_timestamp IS NOT NULL AND (previous_role IS NULL OR seniority_tier IS NULL)`).Scan(&n)
	return n, err
}

// SampleByPreviousRole fetches migrated principals whose audit field
// records the given legacy role.
func (r *Repository) SampleByPreviousRole(ctx context.Context, previousRole string, limit int) ([]Principal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, role, previous_role, seniority_tier, migration_timestamp FROM principals WHERE previous_role = $1 ORDER BY id LIMIT $2`,
		previousRole, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var principals []Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.ID, &p.Role, &p.PreviousRole, &p.SeniorityTier, &p.MigrationTimestamp); err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// --- RollbackStore ---

// InsertRollbackRecord persists one rollback attempt.
func (r *Repository) InsertRollbackRecord(ctx context.Context, rec RollbackRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roleshift.rollback_records (run_id, backup_id, outcome, rows_restored, rows_unrestorable, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RunID, rec.BackupID, string(rec.Outcome), rec.RowsRestored, rec.RowsUnrestorable, rec.Detail, rec.CreatedAt)
	return err
}

// --- helpers ---

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func roleDistribution(ctx context.Context, q queryer, sql string) (map[string]int64, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDistribution(rows)
}

func collectDistribution(rows pgx.Rows) (map[string]int64, error) {
	distribution := make(map[string]int64)
	for rows.Next() {
		var role string
		var n int64
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		distribution[role] = n
	}
	return distribution, rows.Err()
}
