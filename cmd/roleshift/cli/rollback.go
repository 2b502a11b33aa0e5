package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/roleshift/roleshift/internal/migration"
)

// RollbackOptions configures the rollback command.
type RollbackOptions struct {
	RunID      string
	Actor      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RollbackCommand manually restores a run from its backup. Exit 0 on a
// full restore, 1 otherwise; a partial restore is reported, never
// presented as success.
func (c *MigrationCLI) RollbackCommand(ctx context.Context, opts RollbackOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	id, err := uuid.Parse(opts.RunID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "rollback: invalid run id %q\n", opts.RunID)
		return ExitFailure
	}

	record, err := c.runner.ManualRollback(ctx, id, opts.Actor)
	var incomplete *migration.RestoreIncompleteError
	switch {
	case err == nil:
	case errors.As(err, &incomplete):
		// Record still written; fall through to report the partial outcome.
	default:
		fmt.Fprintf(opts.Stderr, "rollback: %v\n", err)
		return ExitFailure
	}

	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"run_id":            record.RunID.String(),
			"backup_id":         record.BackupID.String(),
			"outcome":           record.Outcome,
			"rows_restored":     record.RowsRestored,
			"rows_unrestorable": record.RowsUnrestorable,
			"detail":            record.Detail,
		})
	} else {
		fmt.Fprintf(opts.Stdout, "rollback of run %s: %s\n", record.RunID, record.Outcome)
		fmt.Fprintf(opts.Stdout, "  rows restored: %d\n", record.RowsRestored)
		if len(record.RowsUnrestorable) > 0 {
			fmt.Fprintf(opts.Stdout, "  unrestorable:  %v\n", record.RowsUnrestorable)
		}
		if record.Detail != "" {
			fmt.Fprintf(opts.Stdout, "  detail:        %s\n", record.Detail)
		}
	}
	if record.Outcome != migration.RollbackFull {
		return ExitFailure
	}
	return ExitOK
}
