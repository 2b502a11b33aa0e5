package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/roleshift/roleshift/internal/migration"
)

// RunOptions configures the run command.
type RunOptions struct {
	MappingPath string
	Actor       string
	Force       bool
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
	Stdin       io.Reader
	// Confirm is consulted between validation and backup unless Force
	// is set. Defaults to an interactive y/N prompt.
	Confirm func(io.Reader, io.Writer) (bool, error)
}

// RunCommand executes one end-to-end migration attempt. Exit 0 on a
// completed run, 2 when the operator declined, 1 on any failure.
func (c *MigrationCLI) RunCommand(ctx context.Context, opts RunOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Confirm == nil {
		opts.Confirm = promptConfirm
	}
	mapping, err := migration.LoadMapping(opts.MappingPath)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "run: %v\n", err)
		return ExitFailure
	}

	run, err := c.runner.Run(ctx, mapping, migration.RunOptions{
		Actor: opts.Actor,
		Force: opts.Force,
		Confirm: func() (bool, error) {
			return opts.Confirm(opts.Stdin, opts.Stdout)
		},
	})
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary(run, err))
	} else {
		writeRunText(opts.Stdout, run, err)
	}
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, migration.ErrRunCancelled):
		return ExitCancelled
	default:
		fmt.Fprintf(opts.Stderr, "run: %v\n", err)
		return ExitFailure
	}
}

// RunResult is the structured run outcome.
type RunResult struct {
	RunID        string `json:"run_id"`
	Phase        string `json:"phase"`
	RowsEligible int64  `json:"rows_eligible"`
	RowsMigrated int64  `json:"rows_migrated"`
	BackupID     string `json:"backup_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func runSummary(run migration.MigrationRun, err error) RunResult {
	result := RunResult{
		RunID:        run.ID.String(),
		Phase:        string(run.Phase),
		RowsEligible: run.RowsEligible,
		RowsMigrated: run.RowsMigrated,
	}
	if run.BackupID != uuid.Nil {
		result.BackupID = run.BackupID.String()
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func writeRunText(w io.Writer, run migration.MigrationRun, err error) {
	fmt.Fprintf(w, "run %s finished in phase %s\n", run.ID, run.Phase)
	fmt.Fprintf(w, "  rows migrated: %d of %d eligible\n", run.RowsMigrated, run.RowsEligible)
	if run.BackupID != uuid.Nil {
		fmt.Fprintf(w, "  backup: %s\n", run.BackupID)
	}
	if err != nil {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}

func promptConfirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "Proceed with migration? This mutates live data. [y/N]: ")
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
