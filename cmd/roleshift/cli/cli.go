// Package cli implements the operator-facing commands: validate, run,
// status and rollback.
package cli

import (
	"context"

	"github.com/google/uuid"

	"github.com/roleshift/roleshift/internal/migration"
)

// Runner is the orchestrator surface the commands drive.
type Runner interface {
	Validate(ctx context.Context, mapping migration.Mapping) (migration.PreflightReport, error)
	Run(ctx context.Context, mapping migration.Mapping, opts migration.RunOptions) (migration.MigrationRun, error)
	ManualRollback(ctx context.Context, runID uuid.UUID, actor string) (migration.RollbackRecord, error)
}

// MigrationCLI bundles the dependencies the commands share.
type MigrationCLI struct {
	runner  Runner
	monitor *migration.ProgressMonitor
}

// NewMigrationCLI constructs the helper.
func NewMigrationCLI(runner Runner, monitor *migration.ProgressMonitor) *MigrationCLI {
	return &MigrationCLI{runner: runner, monitor: monitor}
}

// Exit codes shared by all commands.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitCancelled = 2
)
