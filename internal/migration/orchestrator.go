package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roleshift/roleshift/internal/shared"
)

// RunStore persists MigrationRun rows. CreateRun must fail with
// ErrConcurrentRun while another run is in a non-terminal phase; the
// persisted active row is the mutual-exclusion lock.
type RunStore interface {
	CreateRun(ctx context.Context, run MigrationRun) error
	RunByID(ctx context.Context, id uuid.UUID) (MigrationRun, error)
	LatestRun(ctx context.Context) (MigrationRun, error)
	TransitionRun(ctx context.Context, id uuid.UUID, from, to Phase, detail string) error
	SetRunBackup(ctx context.Context, id, backupID uuid.UUID) error
	SetRunStats(ctx context.Context, id uuid.UUID, eligible, migrated int64) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives run lifecycle counters.
type MetricsPort interface {
	RunStarted()
	RunFinished(outcome string)
	PhaseChanged(phase string)
	RowsMigrated(n int64)
}

// RunOptions controls a single invocation of Run.
type RunOptions struct {
	Actor string
	Force bool
	// Confirm gates progression between validation and backup when Force
	// is unset. Declining cancels the run before anything irreversible.
	Confirm func() (bool, error)
}

// OrchestratorConfig groups the orchestrator's collaborators.
type OrchestratorConfig struct {
	Runs             RunStore
	Preflight        *PreflightValidator
	Backup           *BackupManager
	Executor         *MigrationExecutor
	PostCheck        *PostMigrationValidator
	Rollback         *RollbackController
	Sampler          *HealthSampler
	Audit            AuditPort
	Metrics          MetricsPort
	Logger           *slog.Logger
	PreflightTimeout time.Duration
	BackupTimeout    time.Duration
}

// Orchestrator advances one MigrationRun through its phases
// sequentially. Observers read the persisted run row concurrently; the
// orchestrator is the only writer.
type Orchestrator struct {
	cfg OrchestratorConfig
	now func() time.Time
}

// NewOrchestrator constructs the orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Runs == nil || cfg.Preflight == nil || cfg.Backup == nil || cfg.Executor == nil || cfg.PostCheck == nil || cfg.Rollback == nil {
		return nil, errors.New("migration: orchestrator requires runs, preflight, backup, executor, postcheck and rollback")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PreflightTimeout <= 0 {
		cfg.PreflightTimeout = 2 * time.Minute
	}
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = 15 * time.Minute
	}
	return &Orchestrator{cfg: cfg, now: time.Now}, nil
}

// Validate performs a dry run: the full preflight report without
// creating a run row or touching any data.
func (o *Orchestrator) Validate(ctx context.Context, mapping Mapping) (PreflightReport, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PreflightTimeout)
	defer cancel()
	return o.cfg.Preflight.Validate(ctx, mapping)
}

// Run executes one end-to-end migration attempt and returns the
// terminal run state. The returned error carries the failure cause; the
// run row records the same cause for operators arriving later.
func (o *Orchestrator) Run(ctx context.Context, mapping Mapping, opts RunOptions) (MigrationRun, error) {
	run := MigrationRun{
		ID:        uuid.New(),
		Phase:     PhasePending,
		StartedAt: o.now().UTC(),
		Forced:    opts.Force,
	}
	if err := o.cfg.Runs.CreateRun(ctx, run); err != nil {
		return MigrationRun{}, err
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RunStarted()
	}
	o.audit(ctx, opts.Actor, "run.started", run.ID, nil)

	// VALIDATING
	if err := o.transition(ctx, &run, PhaseValidating, ""); err != nil {
		return run, err
	}
	report, err := o.Validate(ctx, mapping)
	if err != nil {
		return o.fail(ctx, run, PhaseBlocked, err)
	}
	preTotal := int64(0)
	for _, n := range report.Distribution {
		preTotal += n
	}
	run.RowsEligible = report.RowsEligible
	if err := o.cfg.Runs.SetRunStats(ctx, run.ID, run.RowsEligible, 0); err != nil {
		return o.fail(ctx, run, PhaseBlocked, err)
	}
	if report.Blocked {
		err := ErrPreflightBlocked
		if len(report.Gaps) > 0 {
			err = fmt.Errorf("%w: %v", ErrPreflightBlocked, &MappingGapError{Gaps: report.Gaps})
		}
		return o.fail(ctx, run, PhaseBlocked, err)
	}

	// Confirmation gate: nothing irreversible has happened yet.
	if !opts.Force && opts.Confirm != nil {
		ok, err := opts.Confirm()
		if err != nil {
			return o.fail(ctx, run, PhaseBlocked, err)
		}
		if !ok {
			return o.fail(ctx, run, PhaseBlocked, ErrRunCancelled)
		}
	}

	// BACKING_UP
	if err := o.transition(ctx, &run, PhaseBackingUp, ""); err != nil {
		return run, err
	}
	backupCtx, cancelBackup := context.WithTimeout(ctx, o.cfg.BackupTimeout)
	snap, err := o.cfg.Backup.Create(backupCtx, run.ID, report.RuleIndex.RuleIDs())
	cancelBackup()
	if err != nil {
		return o.fail(ctx, run, PhaseBlocked, fmt.Errorf("migration: backup: %w", err))
	}
	run.BackupID = snap.BackupID
	if err := o.cfg.Runs.SetRunBackup(ctx, run.ID, snap.BackupID); err != nil {
		return o.fail(ctx, run, PhaseBlocked, err)
	}
	completeness, err := o.cfg.Backup.Validate(ctx, snap.BackupID)
	if err != nil {
		return o.fail(ctx, run, PhaseBlocked, err)
	}
	if !completeness.Complete() {
		return o.fail(ctx, run, PhaseBlocked, fmt.Errorf("%w: backup %s", ErrBackupIntegrity, snap.BackupID))
	}
	o.audit(ctx, opts.Actor, "run.backed_up", run.ID, map[string]any{
		"backup_id": snap.BackupID.String(),
		"rows":      snap.RowCount,
	})

	// EXECUTING. From here on an abort is redirected to the rollback
	// path; the transaction itself cannot be partially undone.
	if err := o.transition(ctx, &run, PhaseExecuting, ""); err != nil {
		return run, err
	}
	result, execErr := o.executeSampled(ctx, mapping, report.RuleIndex)
	if execErr != nil {
		return o.rollbackFrom(ctx, run, PhaseExecuting, opts.Actor, execErr)
	}
	run.RowsMigrated = result.RowsMigrated
	if err := o.cfg.Runs.SetRunStats(ctx, run.ID, run.RowsEligible, run.RowsMigrated); err != nil {
		return o.rollbackFrom(ctx, run, PhaseExecuting, opts.Actor, err)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RowsMigrated(result.RowsMigrated)
	}

	// POST_VALIDATING
	if err := o.transition(ctx, &run, PhasePostValidating, ""); err != nil {
		return run, err
	}
	postReport, err := o.cfg.PostCheck.Validate(ctx, mapping, preTotal)
	if err != nil {
		return o.rollbackFrom(ctx, run, PhasePostValidating, opts.Actor, err)
	}
	if !postReport.Passed() {
		err := fmt.Errorf("%w: %v", ErrPostValidation, postReport.Failures())
		return o.rollbackFrom(ctx, run, PhasePostValidating, opts.Actor, err)
	}

	if err := o.transition(ctx, &run, PhaseCompleted, ""); err != nil {
		return run, err
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RunFinished("completed")
	}
	o.audit(ctx, opts.Actor, "run.completed", run.ID, map[string]any{
		"rows_migrated":   result.RowsMigrated,
		"rules_rewritten": result.RulesRewritten,
		"duration":        result.Duration.String(),
	})
	return o.reload(ctx, run)
}

// executeSampled runs the executor with the health sampler observing.
// A degraded sample cancels the execution context, which aborts the
// transaction and flows into the rollback path.
func (o *Orchestrator) executeSampled(ctx context.Context, mapping Mapping, index RuleIndex) (ExecResult, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	samplerDone := make(chan struct{})
	var degraded []string
	if o.cfg.Sampler != nil {
		go func() {
			defer close(samplerDone)
			o.cfg.Sampler.Run(execCtx, func(_ HealthSample, flags []string) {
				degraded = flags
				cancel()
			})
		}()
	} else {
		close(samplerDone)
	}

	result, err := o.cfg.Executor.Execute(execCtx, mapping, index)
	cancel()
	<-samplerDone

	if err != nil && len(degraded) > 0 {
		return result, fmt.Errorf("migration: execution aborted on degraded health (%v): %w", degraded, err)
	}
	return result, err
}

// rollbackFrom transitions the run into the rollback path and restores
// from its backup.
func (o *Orchestrator) rollbackFrom(ctx context.Context, run MigrationRun, from Phase, actor string, cause error) (MigrationRun, error) {
	o.cfg.Logger.Error("run failed, rolling back",
		slog.String("run_id", run.ID.String()),
		slog.String("phase", string(from)),
		slog.Any("error", cause),
	)
	if err := o.cfg.Runs.TransitionRun(ctx, run.ID, from, PhaseRollingBack, cause.Error()); err != nil {
		o.cfg.Logger.Error("transition to rollback failed", slog.Any("error", err))
	}
	run.Phase = PhaseRollingBack
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PhaseChanged(string(PhaseRollingBack))
	}

	record, rbErr := o.cfg.Rollback.Rollback(ctx, run)
	outcome := PhaseRolledBack
	if rbErr != nil {
		outcome = PhaseRollbackFailed
	}
	if err := o.cfg.Runs.TransitionRun(ctx, run.ID, PhaseRollingBack, outcome, cause.Error()); err != nil {
		o.cfg.Logger.Error("terminal transition failed", slog.Any("error", err))
	}
	run.Phase = outcome
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RunFinished(string(outcome))
	}
	o.audit(ctx, actor, "run.rolled_back", run.ID, map[string]any{
		"outcome":       string(record.Outcome),
		"rows_restored": record.RowsRestored,
		"cause":         cause.Error(),
	})
	if rbErr != nil {
		return run, fmt.Errorf("migration: rollback after failure: %w (cause: %v)", rbErr, cause)
	}
	final, err := o.reload(ctx, run)
	if err != nil {
		return final, err
	}
	return final, cause
}

// ManualRollback restores a run from its backup on operator request.
// Safe to retry; the backup of a failed run is never deleted, so this
// path stays open even when the automatic controller was bypassed.
func (o *Orchestrator) ManualRollback(ctx context.Context, runID uuid.UUID, actor string) (RollbackRecord, error) {
	run, err := o.cfg.Runs.RunByID(ctx, runID)
	if err != nil {
		return RollbackRecord{}, err
	}
	if run.BackupID == uuid.Nil {
		return RollbackRecord{}, fmt.Errorf("migration: run %s never reached the backup phase", runID)
	}
	record, rbErr := o.cfg.Rollback.Rollback(ctx, run)
	outcome := PhaseRolledBack
	if rbErr != nil {
		outcome = PhaseRollbackFailed
	}
	// A run already in a terminal phase keeps it; the rollback record
	// alone carries the manual outcome. A run stranded mid-flight is
	// walked to its terminal phase along declared edges only, so it
	// releases the mutual-exclusion lock.
	phase := run.Phase
	if !phase.Terminal() && phase != PhaseRollingBack && phase.CanTransition(PhaseRollingBack) {
		if err := o.cfg.Runs.TransitionRun(ctx, run.ID, phase, PhaseRollingBack, "manual rollback"); err != nil {
			o.cfg.Logger.Error("manual rollback transition failed", slog.Any("error", err))
		} else {
			phase = PhaseRollingBack
		}
	}
	if phase.CanTransition(outcome) {
		if err := o.cfg.Runs.TransitionRun(ctx, run.ID, phase, outcome, "manual rollback"); err != nil {
			o.cfg.Logger.Error("manual rollback transition failed", slog.Any("error", err))
		}
	}
	o.audit(ctx, actor, "run.manual_rollback", run.ID, map[string]any{
		"outcome": string(record.Outcome),
	})
	return record, rbErr
}

func (o *Orchestrator) transition(ctx context.Context, run *MigrationRun, to Phase, detail string) error {
	if !run.Phase.CanTransition(to) {
		return fmt.Errorf("migration: illegal transition %s -> %s", run.Phase, to)
	}
	if err := o.cfg.Runs.TransitionRun(ctx, run.ID, run.Phase, to, detail); err != nil {
		return fmt.Errorf("migration: transition %s -> %s: %w", run.Phase, to, err)
	}
	run.Phase = to
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PhaseChanged(string(to))
	}
	o.cfg.Logger.Info("run phase changed",
		slog.String("run_id", run.ID.String()),
		slog.String("phase", string(to)),
	)
	return nil
}

// fail marks a pre-execution failure. Nothing irreversible has
// happened, so the run terminates without touching principal data.
func (o *Orchestrator) fail(ctx context.Context, run MigrationRun, terminal Phase, cause error) (MigrationRun, error) {
	if err := o.cfg.Runs.TransitionRun(ctx, run.ID, run.Phase, terminal, cause.Error()); err != nil {
		o.cfg.Logger.Error("terminal transition failed", slog.Any("error", err))
	}
	run.Phase = terminal
	run.Error = cause.Error()
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RunFinished(string(terminal))
	}
	o.audit(ctx, "", "run.blocked", run.ID, map[string]any{"cause": cause.Error()})
	return run, cause
}

func (o *Orchestrator) reload(ctx context.Context, run MigrationRun) (MigrationRun, error) {
	fresh, err := o.cfg.Runs.RunByID(ctx, run.ID)
	if err != nil {
		return run, nil
	}
	return fresh, nil
}

func (o *Orchestrator) audit(ctx context.Context, actor, action string, runID uuid.UUID, meta map[string]any) {
	if o.cfg.Audit == nil {
		return
	}
	if actor == "" {
		actor = "roleshift"
	}
	err := o.cfg.Audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "migration_run",
		EntityID: runID.String(),
		Meta:     meta,
	})
	if err != nil {
		o.cfg.Logger.Warn("audit record failed", slog.Any("error", err))
	}
}
