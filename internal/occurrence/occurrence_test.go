package occurrence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	created []domain.JobOccurrence
	updated []domain.JobOccurrence
}

func (r *recordingSink) OccurrenceCreated(_ context.Context, occ domain.JobOccurrence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, occ)
}

func (r *recordingSink) OccurrenceUpdated(_ context.Context, occ domain.JobOccurrence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, occ)
}

func newTestMachine(t *testing.T) (*Machine, *store.Store, *recordingSink) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	s := store.New(db)
	log, err := logger.New("test")
	require.NoError(t, err)
	sink := &recordingSink{}
	return New(s, sink, log), s, sink
}

func dc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func seedJob(t *testing.T, s *store.Store) *domain.ScheduledJob {
	t.Helper()
	job := &domain.ScheduledJob{Name: "j", JobType: "default", Active: true, Version: 3}
	require.NoError(t, s.CreateJob(dc(), job))
	return job
}

func create(t *testing.T, m *Machine, job *domain.ScheduledJob) *domain.JobOccurrence {
	t.Helper()
	occ, err := m.Create(dc(), CreateParams{
		JobID:        job.ID,
		ScheduledFor: time.Now().UTC(),
		Attempt:      1,
		JobVersion:   job.Version,
	})
	require.NoError(t, err)
	return occ
}

func TestCreate_StartsQueuedUnpublished(t *testing.T) {
	m, s, sink := newTestMachine(t)
	job := seedJob(t, s)

	occ, err := m.Create(dc(), CreateParams{
		JobID:            job.ID,
		ScheduledFor:     time.Now().UTC(),
		Payload:          []byte(`{"k":1}`),
		Attempt:          1,
		JobVersion:       job.Version,
		ZombieTimeoutMin: 7,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceQueued, occ.Status)
	require.Nil(t, occ.QueuedAt)
	require.Equal(t, occ.ID, occ.CorrelationID)
	require.Equal(t, 3, occ.JobVersion)
	require.Equal(t, 7, occ.ZombieTimeoutMin)
	require.Len(t, sink.created, 1)

	require.NoError(t, m.MarkPublished(dc(), occ.ID))
	got, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueuedAt)
}

func TestLifecycle_QueuedRunningSucceeded(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)

	require.NoError(t, m.Start(dc(), occ.ID, "worker-1"))
	require.NoError(t, m.Succeed(dc(), occ.ID, []byte(`{"ok":true}`)))

	got, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceSucceeded, got.Status)
	require.Equal(t, "worker-1", got.WorkerID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.GreaterOrEqual(t, got.DurationMs(), int64(0))
	require.Equal(t, got.FinishedAt.Sub(*got.StartedAt).Milliseconds(), got.DurationMs())
}

func TestIllegalTransitions_RejectedWithoutMutation(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)

	// Succeeding, timing out or marking unknown an occurrence that never
	// started is illegal; the row must stay queued.
	occ := create(t, m, job)
	require.NoError(t, m.Succeed(dc(), occ.ID, []byte(`{}`)))
	require.NoError(t, m.TimeOut(dc(), occ.ID, "late"))
	require.NoError(t, m.MarkUnknown(dc(), occ.ID, "lost"))

	got, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceQueued, got.Status)
	require.Empty(t, got.Error)

	// No spurious events were appended for the rejected transitions.
	events, err := s.Events(dc(), occ.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.OccurrenceQueued, events[0].Status)
}

func TestTerminal_IsImmutable(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)

	for _, terminal := range []func(uuid.UUID) error{
		func(id uuid.UUID) error { return m.Succeed(dc(), id, nil) },
		func(id uuid.UUID) error { return m.Fail(dc(), id, "boom", domain.FailureTransient) },
		func(id uuid.UUID) error { return m.Cancel(dc(), id, "stop") },
		func(id uuid.UUID) error { return m.TimeOut(dc(), id, "too slow") },
		func(id uuid.UUID) error { return m.MarkUnknown(dc(), id, "worker vanished") },
	} {
		occ := create(t, m, job)
		require.NoError(t, m.Start(dc(), occ.ID, "worker-1"))
		require.NoError(t, terminal(occ.ID))

		before, err := s.GetOccurrence(dc(), occ.ID)
		require.NoError(t, err)
		require.True(t, before.Status.Terminal())

		// Every further transition must be silently rejected.
		require.NoError(t, m.Start(dc(), occ.ID, "worker-2"))
		require.NoError(t, m.Succeed(dc(), occ.ID, []byte(`{}`)))
		require.NoError(t, m.Fail(dc(), occ.ID, "late", domain.FailureTransient))
		require.NoError(t, m.Cancel(dc(), occ.ID, "late"))

		after, err := s.GetOccurrence(dc(), occ.ID)
		require.NoError(t, err)
		require.Equal(t, before.Status, after.Status)
		require.Equal(t, before.Error, after.Error)
	}
}

func TestDuplicateTerminalUpdate_IsIdempotent(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)
	require.NoError(t, m.Start(dc(), occ.ID, "worker-1"))

	require.NoError(t, m.Fail(dc(), occ.ID, "boom", domain.FailureTransient))
	first, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)

	require.NoError(t, m.Fail(dc(), occ.ID, "boom", domain.FailureTransient))
	second, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)

	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.FinishedAt.Unix(), second.FinishedAt.Unix())
}

func TestFail_StampsClassification(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)

	// Dispatch-time failures go straight from queued to failed.
	require.NoError(t, m.Fail(dc(), occ.ID, "publish failed", domain.FailureExternalDependency))
	got, err := s.GetOccurrence(dc(), occ.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OccurrenceFailed, got.Status)
	require.Equal(t, domain.FailureExternalDependency, got.FailureType)
}

func TestEvents_AppendInOrder(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)
	require.NoError(t, m.Start(dc(), occ.ID, "worker-1"))
	require.NoError(t, m.Succeed(dc(), occ.ID, nil))

	events, err := m.History(dc(), occ.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, domain.OccurrenceQueued, events[0].Status)
	require.Equal(t, domain.OccurrenceRunning, events[1].Status)
	require.Equal(t, domain.OccurrenceSucceeded, events[2].Status)
}

func TestAppendLog_PreservesOrder(t *testing.T) {
	m, s, _ := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)

	for i, msg := range []string{"starting", "halfway", "done"} {
		require.NoError(t, m.AppendLog(dc(), &domain.OccurrenceLog{
			OccurrenceID: occ.ID,
			WorkerID:     "worker-1",
			Timestamp:    time.Now().UTC(),
			Level:        "info",
			Message:      msg,
		}), "line %d", i)
	}

	logs, err := m.Logs(dc(), occ.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, "starting", logs[0].Message)
	require.Equal(t, "halfway", logs[1].Message)
	require.Equal(t, "done", logs[2].Message)
}

func TestSink_NotifiedOnTransitions(t *testing.T) {
	m, s, sink := newTestMachine(t)
	job := seedJob(t, s)
	occ := create(t, m, job)
	require.NoError(t, m.Start(dc(), occ.ID, "worker-1"))
	require.NoError(t, m.Succeed(dc(), occ.ID, nil))

	require.Len(t, sink.created, 1)
	require.Len(t, sink.updated, 2)
	require.Equal(t, domain.OccurrenceSucceeded, sink.updated[1].Status)
}
