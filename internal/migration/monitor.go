package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RunReader is the read-only run surface the monitor needs.
type RunReader interface {
	RunByID(ctx context.Context, id uuid.UUID) (MigrationRun, error)
	LatestRun(ctx context.Context) (MigrationRun, error)
}

// ProgressView is one rendered observation of a run.
type ProgressView struct {
	RunID        uuid.UUID  `json:"run_id"`
	Phase        Phase      `json:"phase"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RowsEligible int64      `json:"rows_eligible"`
	RowsMigrated int64      `json:"rows_migrated"`
	Percent      float64    `json:"percent_complete"`
	Error        string     `json:"error,omitempty"`
	BackupID     string     `json:"backup_id,omitempty"`
	HealthFlags  []string   `json:"health_flags,omitempty"`
	ObservedAt   time.Time  `json:"observed_at"`
}

func newProgressView(run MigrationRun) ProgressView {
	view := ProgressView{
		RunID:        run.ID,
		Phase:        run.Phase,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		RowsEligible: run.RowsEligible,
		RowsMigrated: run.RowsMigrated,
		Percent:      run.PercentComplete(),
		Error:        run.Error,
		ObservedAt:   time.Now().UTC(),
	}
	if run.BackupID != uuid.Nil {
		view.BackupID = run.BackupID.String()
	}
	return view
}

// ProgressMonitor polls run state and renders progress lines. It is a
// pure observer: any number of instances may run concurrently and none
// of them can mutate migration state.
type ProgressMonitor struct {
	runs     RunReader
	health   *HealthCache
	interval time.Duration
	out      io.Writer
	printer  *message.Printer
}

// NewProgressMonitor constructs a monitor writing to out.
func NewProgressMonitor(runs RunReader, health *HealthCache, interval time.Duration, out io.Writer) *ProgressMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ProgressMonitor{
		runs:     runs,
		health:   health,
		interval: interval,
		out:      out,
		printer:  message.NewPrinter(language.English),
	}
}

// Snapshot observes a run once. A nil id observes the latest run.
func (m *ProgressMonitor) Snapshot(ctx context.Context, id uuid.UUID) (ProgressView, error) {
	var run MigrationRun
	var err error
	if id == uuid.Nil {
		run, err = m.runs.LatestRun(ctx)
	} else {
		run, err = m.runs.RunByID(ctx, id)
	}
	if err != nil {
		return ProgressView{}, err
	}
	view := newProgressView(run)
	if m.health != nil {
		if _, flags, err := m.health.Latest(ctx); err == nil {
			view.HealthFlags = flags
		}
	}
	return view, nil
}

// Watch polls until the run reaches a terminal phase, rendering one
// line per observation, and returns the terminal run state.
func (m *ProgressMonitor) Watch(ctx context.Context, id uuid.UUID) (MigrationRun, error) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		view, err := m.Snapshot(ctx, id)
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return MigrationRun{}, err
		}
		if err == nil {
			m.render(view)
			if view.Phase.Terminal() {
				return m.runs.RunByID(ctx, view.RunID)
			}
			if id == uuid.Nil {
				id = view.RunID
			}
		}
		select {
		case <-ctx.Done():
			return MigrationRun{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *ProgressMonitor) render(view ProgressView) {
	if m.out == nil {
		return
	}
	line := m.printer.Sprintf("run %s phase=%s %.1f%% (%d/%d rows)",
		view.RunID, view.Phase, view.Percent, view.RowsMigrated, view.RowsEligible)
	if len(view.HealthFlags) > 0 {
		line += " health=" + strings.Join(view.HealthFlags, ",")
	}
	fmt.Fprintln(m.out, line)
}
