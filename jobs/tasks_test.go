package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roleshift/roleshift/internal/migration"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackupStore embeds the interface so only the methods Prune
// touches need real implementations.
type fakeBackupStore struct {
	migration.BackupStore
	snaps     []migration.BackupSnapshot
	runs      map[uuid.UUID]migration.MigrationRun
	discarded []uuid.UUID
}

func (f *fakeBackupStore) ListSnapshots(ctx context.Context) ([]migration.BackupSnapshot, error) {
	return f.snaps, nil
}

func (f *fakeBackupStore) RunByID(ctx context.Context, runID uuid.UUID) (migration.MigrationRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return migration.MigrationRun{}, migration.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeBackupStore) DiscardSnapshot(ctx context.Context, backupID uuid.UUID) error {
	f.discarded = append(f.discarded, backupID)
	for i, snap := range f.snaps {
		if snap.BackupID == backupID {
			f.snaps = append(f.snaps[:i], f.snaps[i+1:]...)
			break
		}
	}
	return nil
}

func TestBackupPruneJob(t *testing.T) {
	store := &fakeBackupStore{runs: make(map[uuid.UUID]migration.MigrationRun)}
	for i := 0; i < 3; i++ {
		created := time.Now().Add(-time.Duration(48+i) * time.Hour)
		finished := created.Add(time.Minute)
		runID := uuid.New()
		store.runs[runID] = migration.MigrationRun{ID: runID, Phase: migration.PhaseCompleted, StartedAt: created, FinishedAt: &finished}
		store.snaps = append(store.snaps, migration.BackupSnapshot{
			BackupID: uuid.New(), RunID: runID, Status: migration.SnapshotComplete, CreatedAt: created,
		})
	}

	mgr := migration.NewBackupManager(store, migration.RetentionPolicy{KeepCount: 1, GracePeriod: time.Hour}, testLogger())
	job := NewBackupPruneJob(mgr, testLogger())

	task, err := NewBackupPruneTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Len(t, store.discarded, 2)
	assert.Len(t, store.snaps, 1)
}

type fakeHealthSource struct {
	sample migration.HealthSample
	err    error
}

func (f *fakeHealthSource) SampleHealth(ctx context.Context) (migration.HealthSample, error) {
	return f.sample, f.err
}

func newTestHealthCache(t *testing.T) *migration.HealthCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return migration.NewHealthCache(client)
}

func TestHealthReportJob(t *testing.T) {
	source := &fakeHealthSource{sample: migration.HealthSample{LockWaiters: 50, ActiveSessions: 10}}
	cache := newTestHealthCache(t)
	thresholds := migration.HealthThresholds{MaxLockWaiters: 25}

	job := NewHealthReportJob(source, cache, thresholds, testLogger())
	task, err := NewHealthReportTask(10 * time.Second)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))

	sample, flags, err := cache.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, sample.LockWaiters)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0], "lock_contention")
}

func TestHealthReportJobSampleFailure(t *testing.T) {
	source := &fakeHealthSource{err: errors.New("store unreachable")}
	job := NewHealthReportJob(source, newTestHealthCache(t), migration.HealthThresholds{}, testLogger())

	task, err := NewHealthReportTask(time.Second)
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
}

func TestHealthReportJobRejectsBadPayload(t *testing.T) {
	job := NewHealthReportJob(&fakeHealthSource{}, newTestHealthCache(t), migration.HealthThresholds{}, testLogger())
	task := asynq.NewTask(TaskHealthReport, []byte("{not json"))

	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
