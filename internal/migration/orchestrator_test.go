package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roleshift/roleshift/internal/shared"
)

type fakeMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	phases   []string
	rows     int64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{finished: make(map[string]int)}
}

func (m *fakeMetrics) RunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) RunFinished(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[outcome]++
}

func (m *fakeMetrics) PhaseChanged(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase)
}

func (m *fakeMetrics) RowsMigrated(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows += n
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions := make([]string, len(a.logs))
	for i, log := range a.logs {
		actions[i] = log.Action
	}
	return actions
}

type orchestratorFixture struct {
	store    *memStore
	orch     *Orchestrator
	executor *MigrationExecutor
	metrics  *fakeMetrics
	audit    *fakeAudit
}

func newOrchestratorFixture(t *testing.T, store *memStore, postStore PostCheckStore) *orchestratorFixture {
	t.Helper()
	if postStore == nil {
		postStore = store
	}
	logger := testLogger()
	backup := NewBackupManager(store, RetentionPolicy{KeepCount: 5, GracePeriod: time.Hour}, logger)
	executor := NewMigrationExecutor(store, logger)
	metrics := newFakeMetrics()
	audit := &fakeAudit{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Runs:      store,
		Preflight: NewPreflightValidator(store, DefaultThresholds(), logger),
		Backup:    backup,
		Executor:  executor,
		PostCheck: NewPostMigrationValidator(postStore, logger),
		Rollback:  NewRollbackController(backup, store, logger),
		Audit:     audit,
		Metrics:   metrics,
		Logger:    logger,
	})
	require.NoError(t, err)
	return &orchestratorFixture{store: store, orch: orch, executor: executor, metrics: metrics, audit: audit}
}

func TestRunHappyPath(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	run, err := fx.orch.Run(ctx, testMapping(), RunOptions{Actor: "ops@example.com", Force: true})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, run.Phase)
	assert.Equal(t, int64(8), run.RowsEligible)
	assert.Equal(t, int64(8), run.RowsMigrated)
	assert.NotEqual(t, uuid.Nil, run.BackupID)
	require.NotNil(t, run.FinishedAt)

	dist, err := store.RoleDistribution(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"admin": 3, "member": 4, "viewer": 1}, dist)

	assert.Equal(t, 1, fx.metrics.started)
	assert.Equal(t, 1, fx.metrics.finished["completed"])
	assert.Equal(t, int64(8), fx.metrics.rows)
	assert.Equal(t,
		[]string{"VALIDATING", "BACKING_UP", "EXECUTING", "POST_VALIDATING", "COMPLETED"},
		fx.metrics.phases)

	actions := fx.audit.actions()
	assert.Contains(t, actions, "run.started")
	assert.Contains(t, actions, "run.backed_up")
	assert.Contains(t, actions, "run.completed")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	activeID := uuid.New()
	require.NoError(t, store.CreateRun(ctx, MigrationRun{ID: activeID, Phase: PhaseExecuting, StartedAt: time.Now()}))

	_, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrentRun)

	// Nothing moved.
	assert.Equal(t, "owner", store.principals[1].Role)
	assert.Len(t, store.runs, 1)
}

func TestRunBlockedByPreflight(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	store.addPrincipal(100, "intern")
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	run, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreflightBlocked)
	assert.Contains(t, err.Error(), "intern")

	assert.Equal(t, PhaseBlocked, run.Phase)
	assert.Equal(t, "owner", store.principals[1].Role)
	assert.Empty(t, store.snapshots)
	assert.Equal(t, 1, fx.metrics.finished["BLOCKED"])
}

func TestRunCancelledByOperator(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	run, err := fx.orch.Run(ctx, testMapping(), RunOptions{
		Confirm: func() (bool, error) { return false, nil },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunCancelled)

	assert.Equal(t, PhaseBlocked, run.Phase)
	// Declining before backup means no snapshot was taken.
	assert.Empty(t, store.snapshots)
	assert.Equal(t, "owner", store.principals[1].Role)
}

func TestRunForceSkipsConfirmation(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)

	confirmCalled := false
	run, err := fx.orch.Run(context.Background(), testMapping(), RunOptions{
		Force:   true,
		Confirm: func() (bool, error) { confirmCalled = true; return false, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, run.Phase)
	assert.False(t, confirmCalled)
}

func TestRunRollsBackOnExecutionFailure(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	fx.executor.afterRow = func(processed int) error {
		if processed == 5 {
			return errors.New("server closed the connection unexpectedly")
		}
		return nil
	}
	ctx := context.Background()

	run, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.Error(t, err)

	assert.Equal(t, PhaseRolledBack, run.Phase)

	// The transaction never committed and the backup restored cleanly.
	dist, derr := store.RoleDistribution(ctx)
	require.NoError(t, derr)
	assert.Equal(t, map[string]int64{"owner": 3, "pm": 2, "developer": 2, "contractor": 1}, dist)
	assert.Equal(t, `role IN ('owner', 'pm')`, store.rules[1].Predicate)

	require.Len(t, store.rollbacks, 1)
	assert.Equal(t, RollbackFull, store.rollbacks[0].Outcome)
	assert.Equal(t, 1, fx.metrics.finished["ROLLED_BACK"])
	assert.Contains(t, fx.audit.actions(), "run.rolled_back")
}

// sabotagedPostStore reports phantom missing audit fields to force the
// post-validation phase to fail.
type sabotagedPostStore struct {
	*memStore
}

func (s *sabotagedPostStore) CountMissingAuditFields(ctx context.Context) (int64, error) {
	return 3, nil
}

func TestRunRollsBackOnPostValidationFailure(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, &sabotagedPostStore{store})
	ctx := context.Background()

	run, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPostValidation)
	assert.Contains(t, err.Error(), "audit_fields_populated")

	assert.Equal(t, PhaseRolledBack, run.Phase)
	dist, derr := store.RoleDistribution(ctx)
	require.NoError(t, derr)
	assert.Equal(t, map[string]int64{"owner": 3, "pm": 2, "developer": 2, "contractor": 1}, dist)
}

func TestRunAllowsNewRunAfterTerminal(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	first, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, first.Phase)

	// The run lock is released on terminal phases; a re-run is a no-op.
	second, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, second.Phase)
	assert.Equal(t, int64(0), second.RowsEligible)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestValidateIsReadOnly(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)

	report, err := fx.orch.Validate(context.Background(), testMapping())
	require.NoError(t, err)
	assert.False(t, report.Blocked)

	assert.Empty(t, store.runs)
	assert.Empty(t, store.snapshots)
	assert.Equal(t, "owner", store.principals[1].Role)
}

func TestManualRollback(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	run, err := fx.orch.Run(ctx, testMapping(), RunOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, run.Phase)

	record, err := fx.orch.ManualRollback(ctx, run.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, RollbackFull, record.Outcome)

	dist, derr := store.RoleDistribution(ctx)
	require.NoError(t, derr)
	assert.Equal(t, map[string]int64{"owner": 3, "pm": 2, "developer": 2, "contractor": 1}, dist)
	assert.Contains(t, fx.audit.actions(), "run.manual_rollback")

	// The run was already terminal; the rollback record alone carries
	// the outcome.
	after, aerr := store.RunByID(ctx, run.ID)
	require.NoError(t, aerr)
	assert.Equal(t, PhaseCompleted, after.Phase)
}

func TestManualRollbackStrandedRun(t *testing.T) {
	store := newMemStore()
	seedLegacyStore(store)
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	backup := newTestBackupManager(store, 5, time.Hour)
	runID := uuid.New()
	snap, err := backup.Create(ctx, runID, []int64{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, MigrationRun{
		ID:        runID,
		Phase:     PhaseExecuting,
		StartedAt: time.Now(),
		BackupID:  snap.BackupID,
	}))
	store.principals[1].Role = "admin"

	record, err := fx.orch.ManualRollback(ctx, runID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, RollbackFull, record.Outcome)
	assert.Equal(t, "owner", store.principals[1].Role)

	run, rerr := store.RunByID(ctx, runID)
	require.NoError(t, rerr)
	assert.Equal(t, PhaseRolledBack, run.Phase)
	require.NotNil(t, run.FinishedAt)
}

func TestManualRollbackWithoutBackup(t *testing.T) {
	store := newMemStore()
	fx := newOrchestratorFixture(t, store, nil)
	ctx := context.Background()

	runID := uuid.New()
	require.NoError(t, store.CreateRun(ctx, MigrationRun{ID: runID, Phase: PhaseBlocked, StartedAt: time.Now()}))

	_, err := fx.orch.ManualRollback(ctx, runID, "ops@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never reached the backup phase")
}

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhasePending, PhaseValidating, true},
		{PhaseValidating, PhaseBackingUp, true},
		{PhaseValidating, PhaseBlocked, true},
		{PhaseBackingUp, PhaseExecuting, true},
		{PhaseExecuting, PhasePostValidating, true},
		{PhaseExecuting, PhaseRollingBack, true},
		{PhasePostValidating, PhaseCompleted, true},
		{PhasePostValidating, PhaseRollingBack, true},
		{PhaseRollingBack, PhaseRolledBack, true},
		{PhaseRollingBack, PhaseRollbackFailed, true},
		{PhasePending, PhaseExecuting, false},
		{PhaseValidating, PhaseCompleted, false},
		{PhaseCompleted, PhaseValidating, false},
		{PhaseBlocked, PhaseBackingUp, false},
		{PhaseRolledBack, PhaseRollingBack, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	for _, terminal := range []Phase{PhaseBlocked, PhaseCompleted, PhaseRolledBack, PhaseRollbackFailed} {
		assert.True(t, terminal.Terminal())
	}
	for _, active := range []Phase{PhasePending, PhaseValidating, PhaseBackingUp, PhaseExecuting, PhasePostValidating, PhaseRollingBack} {
		assert.False(t, active.Terminal())
	}
}
