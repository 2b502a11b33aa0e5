package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/roleshift/roleshift/internal/migration"
)

// ValidateOptions configures the validate command.
type ValidateOptions struct {
	MappingPath string
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// ValidateCommand runs preflight as a dry run and prints the safety
// report. Exit 0 when no critical issue was found, 1 otherwise.
func (c *MigrationCLI) ValidateCommand(ctx context.Context, opts ValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	mapping, err := migration.LoadMapping(opts.MappingPath)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "validate: %v\n", err)
		return ExitFailure
	}
	report, err := c.runner.Validate(ctx, mapping)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "validate: %v\n", err)
		return ExitFailure
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(opts.Stderr, "validate: %v\n", err)
			return ExitFailure
		}
	} else {
		writePreflightText(opts.Stdout, report)
	}
	if report.Blocked {
		return ExitFailure
	}
	return ExitOK
}

func writePreflightText(w io.Writer, report migration.PreflightReport) {
	fmt.Fprintf(w, "Preflight safety report (score %.1f)\n", report.Score)

	byCategory := make(map[string][]migration.PreflightCheck)
	var categories []string
	for _, check := range report.Checks {
		if _, seen := byCategory[check.Category]; !seen {
			categories = append(categories, check.Category)
		}
		byCategory[check.Category] = append(byCategory[check.Category], check)
	}
	for _, category := range categories {
		fmt.Fprintf(w, "\n[%s]\n", category)
		for _, check := range byCategory[category] {
			mark := "PASS"
			if !check.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  %-4s %-28s %-8s %s\n", mark, check.Name, check.Severity, check.Detail)
		}
	}

	if len(report.Gaps) > 0 {
		fmt.Fprintf(w, "\nUnmapped legacy roles:\n")
		for _, gap := range report.Gaps {
			fmt.Fprintf(w, "  %-20s %d rows, %d rules\n", gap.Role, gap.Rows, gap.Rules)
		}
	}

	if breakdown := report.RuleIndex.TableBreakdown(); len(breakdown) > 0 {
		tables := make([]string, 0, len(breakdown))
		for table := range breakdown {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		fmt.Fprintf(w, "\nRules embedding legacy roles by table:\n")
		for _, table := range tables {
			fmt.Fprintf(w, "  %-30s %d\n", table, breakdown[table])
		}
	}

	fmt.Fprintf(w, "\nEligible rows: %d\n", report.RowsEligible)
	if report.Blocked {
		fmt.Fprintln(w, "Overall: BLOCKED")
	} else {
		fmt.Fprintln(w, "Overall: READY")
	}
}
