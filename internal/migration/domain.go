// Package migration orchestrates the consolidation of a legacy role set
// into a smaller canonical set over a live principal store: preflight
// validation, backup, atomic execution, post-validation, rollback and
// progress monitoring.
package migration

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is a MigrationRun state-machine value.
type Phase string

const (
	PhasePending        Phase = "PENDING"
	PhaseValidating     Phase = "VALIDATING"
	PhaseBlocked        Phase = "BLOCKED"
	PhaseBackingUp      Phase = "BACKING_UP"
	PhaseExecuting      Phase = "EXECUTING"
	PhasePostValidating Phase = "POST_VALIDATING"
	PhaseCompleted      Phase = "COMPLETED"
	PhaseRollingBack    Phase = "ROLLING_BACK"
	PhaseRolledBack     Phase = "ROLLED_BACK"
	PhaseRollbackFailed Phase = "ROLLBACK_FAILED"
)

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseBlocked, PhaseCompleted, PhaseRolledBack, PhaseRollbackFailed:
		return true
	}
	return false
}

var phaseTransitions = map[Phase][]Phase{
	PhasePending:        {PhaseValidating},
	PhaseValidating:     {PhaseBlocked, PhaseBackingUp},
	PhaseBackingUp:      {PhaseBlocked, PhaseExecuting},
	PhaseExecuting:      {PhasePostValidating, PhaseRollingBack},
	PhasePostValidating: {PhaseCompleted, PhaseRollingBack},
	PhaseRollingBack:    {PhaseRolledBack, PhaseRollbackFailed},
}

// CanTransition reports whether the state machine allows p -> next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MigrationRun is one end-to-end migration attempt. The row persisted for
// the active run doubles as the store-resident mutual-exclusion lock.
type MigrationRun struct {
	ID           uuid.UUID
	Phase        Phase
	StartedAt    time.Time
	FinishedAt   *time.Time
	RowsEligible int64
	RowsMigrated int64
	Error        string
	BackupID     uuid.UUID
	Forced       bool
}

// PercentComplete returns migration progress in [0,100].
func (r MigrationRun) PercentComplete() float64 {
	if r.Phase == PhaseCompleted {
		return 100
	}
	if r.RowsEligible <= 0 {
		return 0
	}
	pct := float64(r.RowsMigrated) / float64(r.RowsEligible) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Principal carries the role-related fields of an identity record. The
// identity system owns the row; this package only ever mutates the role
// fields.
type Principal struct {
	ID                 int64
	Role               string
	PreviousRole       *string
	SeniorityTier      *string
	MigrationTimestamp *time.Time
}

// AccessRule is a declarative access-control predicate that may embed
// role literals.
type AccessRule struct {
	ID        int64
	TableName string
	Predicate string
}

// BackupSnapshot is the metadata row for one immutable snapshot.
type BackupSnapshot struct {
	BackupID  uuid.UUID
	RunID     uuid.UUID
	RowCount  int64
	RuleCount int64
	Checksum  string
	SizeBytes int64
	Status    SnapshotStatus
	CreatedAt time.Time
}

// SnapshotStatus marks snapshot completeness. A crash mid-backup leaves
// the snapshot pending, never complete.
type SnapshotStatus string

const (
	SnapshotPending  SnapshotStatus = "pending"
	SnapshotComplete SnapshotStatus = "complete"
)

// RollbackOutcome classifies how far a restore got.
type RollbackOutcome string

const (
	RollbackFull    RollbackOutcome = "full"
	RollbackPartial RollbackOutcome = "partial"
)

// RollbackRecord documents one rollback attempt and its verification.
type RollbackRecord struct {
	RunID            uuid.UUID
	BackupID         uuid.UUID
	Outcome          RollbackOutcome
	RowsRestored     int64
	RowsUnrestorable []int64
	Detail           string
	CreatedAt        time.Time
}

// HealthSample is one read-only observation of store health.
type HealthSample struct {
	LockWaiters    int
	ActiveSessions int
	QueryLatency   time.Duration
	SampledAt      time.Time
}

// Sentinel errors forming the failure taxonomy.
var (
	// ErrConcurrentRun indicates another run holds the run lock.
	ErrConcurrentRun = errors.New("migration: another run is already active")
	// ErrRunNotFound indicates no run matches the given id.
	ErrRunNotFound = errors.New("migration: run not found")
	// ErrPreflightBlocked indicates a critical preflight check failed.
	ErrPreflightBlocked = errors.New("migration: preflight reported critical issues")
	// ErrBackupIntegrity indicates the snapshot failed its completeness check.
	ErrBackupIntegrity = errors.New("migration: backup failed integrity validation")
	// ErrPostValidation indicates the post-state verification failed.
	ErrPostValidation = errors.New("migration: post-migration validation failed")
	// ErrStoreUnreachable indicates the store cannot be contacted at all.
	ErrStoreUnreachable = errors.New("migration: store unreachable")
	// ErrRunCancelled indicates the operator declined before execution.
	ErrRunCancelled = errors.New("migration: run cancelled by operator")
)

// MappingGap describes one legacy role value with no canonical mapping.
type MappingGap struct {
	Role  string
	Rows  int64
	Rules int
}

// MappingGapError aborts a run before any write when observed legacy
// values are missing from the mapping.
type MappingGapError struct {
	Gaps []MappingGap
}

func (e *MappingGapError) Error() string {
	parts := make([]string, len(e.Gaps))
	for i, gap := range e.Gaps {
		parts[i] = fmt.Sprintf("%s (%d rows, %d rules)", gap.Role, gap.Rows, gap.Rules)
	}
	sort.Strings(parts)
	return "migration: unmapped legacy roles: " + strings.Join(parts, ", ")
}

// TransactionError wraps a store-level failure inside the execution
// transaction. It is always fatal to the run.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("migration: transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// RestoreIncompleteError reports a rollback that could not reach parity
// with the snapshot, typically because rows were deleted concurrently.
type RestoreIncompleteError struct {
	BackupID     uuid.UUID
	Unrestorable []int64
}

func (e *RestoreIncompleteError) Error() string {
	return fmt.Sprintf("migration: restore from backup %s incomplete: %d rows unrestorable", e.BackupID, len(e.Unrestorable))
}
