package autodisable

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

type fakeDue struct {
	mu      sync.Mutex
	removed []string
	added   []string
}

func (f *fakeDue) RemoveDue(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, jobID)
	return nil
}

func (f *fakeDue) AddDue(_ context.Context, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, jobID)
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	disabled  []uuid.UUID
	reenabled []uuid.UUID
}

func (n *recordingNotifier) JobAutoDisabled(_ context.Context, jobID uuid.UUID, _ string, _ int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled = append(n.disabled, jobID)
}

func (n *recordingNotifier) JobReEnabled(_ context.Context, jobID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reenabled = append(n.reenabled, jobID)
}

func newFixture(t *testing.T, threshold int) (*Guard, *store.Store, *fakeDue, *recordingNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	s := store.New(db)
	log, err := logger.New("test")
	require.NoError(t, err)
	due := &fakeDue{}
	notifier := &recordingNotifier{}
	return New(s, due, notifier, log, threshold), s, due, notifier
}

func adc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func seedJob(t *testing.T, s *store.Store) *domain.ScheduledJob {
	t.Helper()
	job := &domain.ScheduledJob{Name: "j", JobType: "default", Active: true}
	require.NoError(t, s.CreateJob(adc(), job))
	return job
}

func TestRecordFailure_DisablesAtThreshold(t *testing.T) {
	g, s, due, notifier := newFixture(t, 3)
	job := seedJob(t, s)

	for i := 0; i < 2; i++ {
		tripped, err := g.RecordFailure(adc(), job.ID)
		require.NoError(t, err)
		require.False(t, tripped)
	}
	tripped, err := g.RecordFailure(adc(), job.ID)
	require.NoError(t, err)
	require.True(t, tripped)

	got, err := s.GetJob(adc(), job.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.True(t, got.AutoDisabled)
	require.NotNil(t, got.AutoDisabledAt)
	require.Equal(t, 3, got.ConsecutiveFailures)
	require.Contains(t, due.removed, job.ID.String())
	require.Equal(t, []uuid.UUID{job.ID}, notifier.disabled)
}

func TestRecordSuccess_ResetsCounter(t *testing.T) {
	g, s, _, _ := newFixture(t, 3)
	job := seedJob(t, s)

	_, err := g.RecordFailure(adc(), job.ID)
	require.NoError(t, err)
	_, err = g.RecordFailure(adc(), job.ID)
	require.NoError(t, err)
	require.NoError(t, g.RecordSuccess(adc(), job.ID))

	got, err := s.GetJob(adc(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ConsecutiveFailures)
	require.True(t, got.Active)

	// The streak starts over; two more failures don't trip a threshold of 3.
	_, err = g.RecordFailure(adc(), job.ID)
	require.NoError(t, err)
	tripped, err := g.RecordFailure(adc(), job.ID)
	require.NoError(t, err)
	require.False(t, tripped)
}

func TestReEnable_RestoresSchedulingState(t *testing.T) {
	g, s, due, notifier := newFixture(t, 1)
	job := seedJob(t, s)

	tripped, err := g.RecordFailure(adc(), job.ID)
	require.NoError(t, err)
	require.True(t, tripped)

	require.NoError(t, g.ReEnable(adc(), job.ID))

	got, err := s.GetJob(adc(), job.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.False(t, got.AutoDisabled)
	require.Nil(t, got.AutoDisabledAt)
	require.Equal(t, 0, got.ConsecutiveFailures)
	require.Contains(t, due.added, job.ID.String())
	require.Equal(t, []uuid.UUID{job.ID}, notifier.reenabled)
}

func TestEventSinkAdapter_CountsFailedAndTimedOut(t *testing.T) {
	g, s, _, notifier := newFixture(t, 2)
	job := seedJob(t, s)
	adapter := EventSinkAdapter{Guard: g}

	adapter.OccurrenceUpdated(context.Background(), domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceFailed})
	adapter.OccurrenceUpdated(context.Background(), domain.JobOccurrence{JobID: job.ID, Status: domain.OccurrenceTimedOut})

	got, err := s.GetJob(adc(), job.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.Len(t, notifier.disabled, 1)
}
