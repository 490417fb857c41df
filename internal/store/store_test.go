package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return New(db)
}

func dc() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	job := &domain.ScheduledJob{Name: "nightly-report", JobType: "report", CronExpr: "0 0 0 * * *", Timezone: "UTC", Active: true}
	require.NoError(t, s.CreateJob(dc(), job))
	require.NotEqual(t, uuid.Nil, job.ID)

	got, err := s.GetJob(dc(), job.ID)
	require.NoError(t, err)
	require.Equal(t, "nightly-report", got.Name)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(dc(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextRunnable_OnlyQueuedAndDue(t *testing.T) {
	s := newTestStore(t)
	job := &domain.ScheduledJob{Name: "x", JobType: "t", Active: true}
	require.NoError(t, s.CreateJob(dc(), job))

	now := time.Now().UTC()
	due := &domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceQueued, ScheduledFor: now.Add(-time.Minute)}
	future := &domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceQueued, ScheduledFor: now.Add(time.Hour)}
	running := &domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceRunning, ScheduledFor: now.Add(-time.Minute)}
	require.NoError(t, s.CreateOccurrence(dc(), due))
	require.NoError(t, s.CreateOccurrence(dc(), future))
	require.NoError(t, s.CreateOccurrence(dc(), running))

	claimed, err := s.ClaimNextRunnable(dc(), now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, due.ID, claimed[0].ID)

	got, err := s.GetOccurrence(dc(), due.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceRunning, got.Status)
}

func TestUpdateOccurrenceUnlessStatus_BlocksRegressionFromTerminal(t *testing.T) {
	s := newTestStore(t)
	job := &domain.ScheduledJob{Name: "x", JobType: "t", Active: true}
	require.NoError(t, s.CreateJob(dc(), job))
	occ := &domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceSucceeded, ScheduledFor: time.Now()}
	require.NoError(t, s.CreateOccurrence(dc(), occ))

	n, err := s.UpdateOccurrenceUnlessStatus(dc(), occ.ID, []domain.OccurrenceStatus{domain.OccurrenceSucceeded, domain.OccurrenceFailed, domain.OccurrenceCanceled}, map[string]interface{}{
		"status": domain.OccurrenceRunning,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	got, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceSucceeded, got.Status)
}

func TestStaleRunning_FindsOldHeartbeats(t *testing.T) {
	s := newTestStore(t)
	job := &domain.ScheduledJob{Name: "x", JobType: "t", Active: true}
	require.NoError(t, s.CreateJob(dc(), job))

	old := time.Now().Add(-time.Hour)
	occ := &domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceRunning, ScheduledFor: old, HeartbeatAt: &old}
	require.NoError(t, s.CreateOccurrence(dc(), occ))

	stale, err := s.StaleRunning(dc(), time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
}
