// Package store is the scheduler's own Postgres persistence for
// ScheduledJob, JobOccurrence and FailedOccurrence rows. Occurrence
// writes that participate in the status machine go through
// UpdateOccurrenceUnlessStatus so a delayed or duplicated update can
// never regress a terminal row; reservation-style reads use
// FOR UPDATE SKIP LOCKED so replicas never double-claim.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the scheduler's Postgres-backed repository for job definitions
// and their occurrences.
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB. AutoMigrate is left to the
// caller (cmd/scheduler) so tests can point Store at a migrated test DB
// without re-running migrations per package.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates/updates the scheduler's tables. Called once at
// startup; not invoked by Store methods themselves.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.ScheduledJob{}, &domain.JobOccurrence{}, &domain.OccurrenceEvent{}, &domain.OccurrenceLog{}, &domain.FailedOccurrence{})
}

// -- ScheduledJob --

func (s *Store) CreateJob(dc dbctx.Context, job *domain.ScheduledJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	return dc.DB(s.db).Create(job).Error
}

func (s *Store) GetJob(dc dbctx.Context, id uuid.UUID) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	if err := dc.DB(s.db).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ActiveJobs returns every active job, used to rebuild the KV due set on
// dispatcher startup.
func (s *Store) ActiveJobs(dc dbctx.Context) ([]domain.ScheduledJob, error) {
	var jobs []domain.ScheduledJob
	if err := dc.DB(s.db).Where("active = ?", true).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) UpdateJobFields(dc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	return dc.DB(s.db).Model(&domain.ScheduledJob{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DeleteJob(dc dbctx.Context, id uuid.UUID) error {
	return dc.DB(s.db).Where("id = ?", id).Delete(&domain.ScheduledJob{}).Error
}

// -- JobOccurrence --

func (s *Store) CreateOccurrence(dc dbctx.Context, occ *domain.JobOccurrence) error {
	if occ.ID == uuid.Nil {
		occ.ID = uuid.New()
	}
	// The occurrence id IS the correlation id; every wire envelope refers
	// back to the row through it.
	if occ.CorrelationID == uuid.Nil {
		occ.CorrelationID = occ.ID
	}
	return dc.DB(s.db).Create(occ).Error
}

func (s *Store) GetOccurrence(dc dbctx.Context, id uuid.UUID) (*domain.JobOccurrence, error) {
	var occ domain.JobOccurrence
	if err := dc.DB(s.db).Where("id = ?", id).First(&occ).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &occ, nil
}

// OccurrencesForJob returns a job's occurrences, newest first.
func (s *Store) OccurrencesForJob(dc dbctx.Context, jobID uuid.UUID, limit int) ([]domain.JobOccurrence, error) {
	var occs []domain.JobOccurrence
	err := dc.DB(s.db).
		Where("job_id = ?", jobID).
		Order("created_at desc").
		Limit(limit).
		Find(&occs).Error
	return occs, err
}

// UpdateOccurrenceFields applies updates unconditionally, stamping
// updated_at. Used for fields outside the status machine (heartbeat_at).
func (s *Store) UpdateOccurrenceFields(dc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	return dc.DB(s.db).Model(&domain.JobOccurrence{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateOccurrenceUnlessStatus applies updates only if the row's current
// status is not one of disallowed, so a delayed/duplicate status callback
// (e.g. a retried "running" heartbeat arriving after "succeeded" already
// landed) can never regress a terminal occurrence. Returns the number of
// rows actually changed.
func (s *Store) UpdateOccurrenceUnlessStatus(dc dbctx.Context, id uuid.UUID, disallowed []domain.OccurrenceStatus, updates map[string]interface{}) (int64, error) {
	updates["updated_at"] = time.Now().UTC()
	q := dc.DB(s.db).Model(&domain.JobOccurrence{}).Where("id = ?", id)
	if len(disallowed) > 0 {
		q = q.Where("status NOT IN ?", disallowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// UpdateOccurrenceIfStatus applies updates only while the row's current
// status is one of allowed, the predecessor-state check behind every
// legal transition. Returns the number of rows actually changed; zero
// means the row was in some other state and the caller decides whether
// that is a harmless duplicate or a state violation.
func (s *Store) UpdateOccurrenceIfStatus(dc dbctx.Context, id uuid.UUID, allowed []domain.OccurrenceStatus, updates map[string]interface{}) (int64, error) {
	updates["updated_at"] = time.Now().UTC()
	res := dc.DB(s.db).Model(&domain.JobOccurrence{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ClaimNextRunnable atomically selects and marks queued occurrences
// scheduled at or before now as running, under FOR UPDATE SKIP LOCKED so
// two scheduler replicas can never double-claim the same occurrence.
func (s *Store) ClaimNextRunnable(dc dbctx.Context, now time.Time, limit int) ([]domain.JobOccurrence, error) {
	var occs []domain.JobOccurrence
	err := dc.DB(s.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_for <= ?", domain.OccurrenceQueued, now).
			Order("scheduled_for asc").
			Limit(limit).
			Find(&occs).Error; err != nil {
			return err
		}
		if len(occs) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(occs))
		for i, o := range occs {
			ids[i] = o.ID
		}
		return tx.Model(&domain.JobOccurrence{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": domain.OccurrenceRunning, "updated_at": time.Now().UTC()}).Error
	})
	if err != nil {
		return nil, err
	}
	return occs, nil
}

// ClaimFinalize atomically claims a terminal occurrence for its one-time
// terminal side effects, returning true only for the single caller that
// wins the claim. Both the synchronous sink path and the finalizer poll
// funnel through this, so worker-written and scheduler-written terminals
// are processed exactly once each.
func (s *Store) ClaimFinalize(dc dbctx.Context, id uuid.UUID) (bool, error) {
	res := dc.DB(s.db).Model(&domain.JobOccurrence{}).
		Where("id = ? AND finalized_at IS NULL AND status IN ?", id, domain.TerminalStatuses).
		Updates(map[string]interface{}{"finalized_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UnfinalizedTerminals returns terminal occurrences whose side effects have
// not yet run — typically ones whose terminal status was written by a
// worker process, which carries no scheduler-side observers.
func (s *Store) UnfinalizedTerminals(dc dbctx.Context, limit int) ([]domain.JobOccurrence, error) {
	var occs []domain.JobOccurrence
	err := dc.DB(s.db).
		Where("finalized_at IS NULL AND status IN ?", domain.TerminalStatuses).
		Order("updated_at asc").
		Limit(limit).
		Find(&occs).Error
	return occs, err
}

// HasNonTerminalOccurrence reports whether jobID has any occurrence still
// queued or running, the check behind ConcurrencySkip and delete
// protection.
func (s *Store) HasNonTerminalOccurrence(dc dbctx.Context, jobID uuid.UUID) (bool, error) {
	var n int64
	err := dc.DB(s.db).Model(&domain.JobOccurrence{}).
		Where("job_id = ? AND status IN ?", jobID, []domain.OccurrenceStatus{domain.OccurrenceQueued, domain.OccurrenceRunning}).
		Count(&n).Error
	return n > 0, err
}

// PendingRetries returns queued occurrences that are due but were never
// confirmed onto the broker (queued_at is null) — retry attempts the retry
// engine scheduled for a later fire time, plus dispatcher-created
// occurrences whose publish was cut short by a crash. The redispatcher
// publishes these and stamps queued_at.
func (s *Store) PendingRetries(dc dbctx.Context, now time.Time, limit int) ([]domain.JobOccurrence, error) {
	var occs []domain.JobOccurrence
	err := dc.DB(s.db).
		Where("status = ? AND queued_at IS NULL AND scheduled_for <= ?", domain.OccurrenceQueued, now).
		Order("scheduled_for asc").
		Limit(limit).
		Find(&occs).Error
	return occs, err
}

// StaleQueued returns queued occurrences whose scheduled_for is older than
// olderThan, used by the zombie sweep to detect occurrences the dispatcher
// created but never actually published.
func (s *Store) StaleQueued(dc dbctx.Context, olderThan time.Time, limit int) ([]domain.JobOccurrence, error) {
	var occs []domain.JobOccurrence
	err := dc.DB(s.db).
		Where("status = ? AND scheduled_for < ?", domain.OccurrenceQueued, olderThan).
		Order("scheduled_for asc").
		Limit(limit).
		Find(&occs).Error
	return occs, err
}

// StaleRunning returns running occurrences whose heartbeat_at is older than
// olderThan (or never set and started_at is older than olderThan).
func (s *Store) StaleRunning(dc dbctx.Context, olderThan time.Time, limit int) ([]domain.JobOccurrence, error) {
	var occs []domain.JobOccurrence
	err := dc.DB(s.db).
		Where("status = ? AND (heartbeat_at < ? OR (heartbeat_at IS NULL AND started_at < ?))", domain.OccurrenceRunning, olderThan, olderThan).
		Order("started_at asc").
		Limit(limit).
		Find(&occs).Error
	return occs, err
}

// -- Events --

func (s *Store) AppendEvent(dc dbctx.Context, occurrenceID uuid.UUID, status domain.OccurrenceStatus, message string) error {
	ev := &domain.OccurrenceEvent{
		ID:           uuid.New(),
		OccurrenceID: occurrenceID,
		Status:       status,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}
	return dc.DB(s.db).Create(ev).Error
}

func (s *Store) Events(dc dbctx.Context, occurrenceID uuid.UUID) ([]domain.OccurrenceEvent, error) {
	var evs []domain.OccurrenceEvent
	err := dc.DB(s.db).Where("occurrence_id = ?", occurrenceID).Order("created_at asc").Find(&evs).Error
	return evs, err
}

// -- Logs --

// AppendLog persists one worker-emitted log line for an occurrence. Lines
// are append-only; ordering is by the server-side CreatedAt stamp.
func (s *Store) AppendLog(dc dbctx.Context, entry *domain.OccurrenceLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now().UTC()
	return dc.DB(s.db).Create(entry).Error
}

// Logs returns an occurrence's log lines in append order.
func (s *Store) Logs(dc dbctx.Context, occurrenceID uuid.UUID) ([]domain.OccurrenceLog, error) {
	var logs []domain.OccurrenceLog
	err := dc.DB(s.db).Where("occurrence_id = ?", occurrenceID).Order("created_at asc").Find(&logs).Error
	return logs, err
}

// -- FailedOccurrence --

func (s *Store) CreateFailedOccurrence(dc dbctx.Context, f *domain.FailedOccurrence) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	return dc.DB(s.db).Create(f).Error
}

// FailedOccurrenceByOccurrenceID returns the dead-letter row for an
// occurrence, or ErrNotFound. Exactly one row may exist per occurrence;
// the retry engine checks here before inserting.
func (s *Store) FailedOccurrenceByOccurrenceID(dc dbctx.Context, occurrenceID uuid.UUID) (*domain.FailedOccurrence, error) {
	var f domain.FailedOccurrence
	if err := dc.DB(s.db).Where("occurrence_id = ?", occurrenceID).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// ResolveFailedOccurrence records an operator acknowledgement on a
// dead-letter row — the only mutation permitted after an occurrence is
// terminal.
func (s *Store) ResolveFailedOccurrence(dc dbctx.Context, id uuid.UUID, note string) error {
	now := time.Now().UTC()
	return dc.DB(s.db).Model(&domain.FailedOccurrence{}).Where("id = ?", id).Updates(map[string]interface{}{
		"resolved":        true,
		"resolved_at":     now,
		"resolution_note": note,
	}).Error
}

func (s *Store) FailedOccurrencesForJob(dc dbctx.Context, jobID uuid.UUID, limit int) ([]domain.FailedOccurrence, error) {
	var out []domain.FailedOccurrence
	err := dc.DB(s.db).Where("job_id = ?", jobID).Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}
