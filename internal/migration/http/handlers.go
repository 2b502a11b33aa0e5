// Package http exposes the read-only status surface backed by the
// persisted run rows. It observes; it never mutates migration state.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roleshift/roleshift/internal/migration"
	"github.com/roleshift/roleshift/internal/platform/httpx"
)

// SnapshotLister exposes backup metadata for operators.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context) ([]migration.BackupSnapshot, error)
}

// Handler serves migration status endpoints.
type Handler struct {
	monitor   *migration.ProgressMonitor
	snapshots SnapshotLister
	logger    *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(monitor *migration.ProgressMonitor, snapshots SnapshotLister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{monitor: monitor, snapshots: snapshots, logger: logger}
}

// Routes mounts the status endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.latest)
	r.Get("/runs/{id}", h.runByID)
	r.Get("/backups", h.listBackups)
	r.Get("/healthz", h.healthz)
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	view, err := h.monitor.Snapshot(r.Context(), uuid.Nil)
	if err != nil {
		if errors.Is(err, migration.ErrRunNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no migration run exists yet")
			return
		}
		h.logger.Error("status read failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) runByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "run id must be a uuid")
		return
	}
	view, err := h.monitor.Snapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, migration.ErrRunNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "run "+id.String()+" not found")
			return
		}
		h.logger.Error("run read failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "snapshot listing not configured")
		return
	}
	snaps, err := h.snapshots.ListSnapshots(r.Context())
	if err != nil {
		h.logger.Error("backup list failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"backups": snaps})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
