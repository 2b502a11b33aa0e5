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

// StatusOptions configures the status command.
type StatusOptions struct {
	RunID      string
	Watch      bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatusCommand prints the current run phase and progress. With
// --watch it keeps polling until the run reaches a terminal phase.
func (c *MigrationCLI) StatusCommand(ctx context.Context, opts StatusOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	id := uuid.Nil
	if opts.RunID != "" {
		parsed, err := uuid.Parse(opts.RunID)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "status: invalid run id %q\n", opts.RunID)
			return ExitFailure
		}
		id = parsed
	}

	if opts.Watch {
		run, err := c.monitor.Watch(ctx, id)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "status: %v\n", err)
			return ExitFailure
		}
		if run.Phase != migration.PhaseCompleted {
			return ExitFailure
		}
		return ExitOK
	}

	view, err := c.monitor.Snapshot(ctx, id)
	if err != nil {
		if errors.Is(err, migration.ErrRunNotFound) {
			fmt.Fprintln(opts.Stderr, "status: no migration run found")
		} else {
			fmt.Fprintf(opts.Stderr, "status: %v\n", err)
		}
		return ExitFailure
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			fmt.Fprintf(opts.Stderr, "status: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "run %s\n", view.RunID)
	fmt.Fprintf(opts.Stdout, "  phase:    %s\n", view.Phase)
	fmt.Fprintf(opts.Stdout, "  progress: %.1f%% (%d/%d rows)\n", view.Percent, view.RowsMigrated, view.RowsEligible)
	if view.BackupID != "" {
		fmt.Fprintf(opts.Stdout, "  backup:   %s\n", view.BackupID)
	}
	if len(view.HealthFlags) > 0 {
		fmt.Fprintf(opts.Stdout, "  health:   %v\n", view.HealthFlags)
	}
	if view.Error != "" {
		fmt.Fprintf(opts.Stdout, "  error:    %s\n", view.Error)
	}
	return ExitOK
}
