package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roleshift/roleshift/internal/migration"
)

type fakeRuns struct {
	run migration.MigrationRun
	err error
}

func (f *fakeRuns) RunByID(ctx context.Context, id uuid.UUID) (migration.MigrationRun, error) {
	return f.run, f.err
}

func (f *fakeRuns) LatestRun(ctx context.Context) (migration.MigrationRun, error) {
	return f.run, f.err
}

type fakeSnapshots struct {
	snaps []migration.BackupSnapshot
	err   error
}

func (f *fakeSnapshots) ListSnapshots(ctx context.Context) ([]migration.BackupSnapshot, error) {
	return f.snaps, f.err
}

func newTestServer(runs *fakeRuns, snaps *fakeSnapshots) *httptest.Server {
	monitor := migration.NewProgressMonitor(runs, nil, time.Second, nil)
	var lister SnapshotLister
	if snaps != nil {
		lister = snaps
	}
	handler := NewHandler(monitor, lister, nil)
	r := chi.NewRouter()
	handler.Routes(r)
	return httptest.NewServer(r)
}

func TestGetStatus(t *testing.T) {
	runID := uuid.New()
	runs := &fakeRuns{run: migration.MigrationRun{
		ID:           runID,
		Phase:        migration.PhaseExecuting,
		StartedAt:    time.Now(),
		RowsEligible: 100,
		RowsMigrated: 30,
	}}
	srv := newTestServer(runs, &fakeSnapshots{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view migration.ProgressView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, runID, view.RunID)
	assert.Equal(t, migration.PhaseExecuting, view.Phase)
	assert.Equal(t, float64(30), view.Percent)
}

func TestGetStatusNoRuns(t *testing.T) {
	srv := newTestServer(&fakeRuns{err: migration.ErrRunNotFound}, &fakeSnapshots{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRunByID(t *testing.T) {
	runID := uuid.New()
	runs := &fakeRuns{run: migration.MigrationRun{ID: runID, Phase: migration.PhaseCompleted, StartedAt: time.Now()}}
	srv := newTestServer(runs, &fakeSnapshots{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/" + runID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view migration.ProgressView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, migration.PhaseCompleted, view.Phase)
}

func TestGetRunByIDRejectsBadUUID(t *testing.T) {
	srv := newTestServer(&fakeRuns{}, &fakeSnapshots{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListBackups(t *testing.T) {
	snaps := &fakeSnapshots{snaps: []migration.BackupSnapshot{
		{BackupID: uuid.New(), RunID: uuid.New(), RowCount: 8, Status: migration.SnapshotComplete, CreatedAt: time.Now()},
	}}
	srv := newTestServer(&fakeRuns{}, snaps)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/backups")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Backups []migration.BackupSnapshot `json:"backups"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Backups, 1)
	assert.Equal(t, int64(8), body.Backups[0].RowCount)
}

func TestListBackupsUnavailableWithoutStore(t *testing.T) {
	srv := newTestServer(&fakeRuns{}, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/backups")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListBackupsStoreError(t *testing.T) {
	srv := newTestServer(&fakeRuns{}, &fakeSnapshots{err: errors.New("connection lost")})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/backups")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeRuns{}, &fakeSnapshots{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
