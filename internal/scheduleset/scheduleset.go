// Package scheduleset keeps the Redis due-set (internal/kv) in sync with
// the Postgres ScheduledJob table: every create/update/delete of a job is
// reflected into the due set so the dispatcher never needs to query
// Postgres just to know what's coming up next.
package scheduleset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/northbridge-io/taskgrid/internal/cronspec"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/store"
)

// DueIndex is the KV surface the set maintains: the sorted time index the
// dispatcher pops from. Implemented by *kv.Client; faked in tests.
type DueIndex interface {
	AddDue(ctx context.Context, jobID string, fireAt time.Time) error
	RemoveDue(ctx context.Context, jobID string) error
}

// ErrOccurrenceInFlight rejects deleting a job that still has a queued or
// running occurrence; callers wait for it to finish or cancel it first.
var ErrOccurrenceInFlight = errors.New("scheduleset: job has a non-terminal occurrence")

// Set wires the Postgres store and the KV due set together behind a single
// mutation surface.
type Set struct {
	store *store.Store
	kv    DueIndex
	log   *logger.Logger
}

func New(s *store.Store, due DueIndex, log *logger.Logger) *Set {
	return &Set{store: s, kv: due, log: log.With("component", "scheduleset")}
}

// Create validates the job's schedule, persists it, and — if active —
// indexes it into the due set at its first fire time.
func (s *Set) Create(dc dbctx.Context, job *domain.ScheduledJob) error {
	fireAt, err := s.firstFireTime(job)
	if err != nil {
		return err
	}
	job.NextRunAt = &fireAt
	active := job.Active
	if err := s.store.CreateJob(dc, job); err != nil {
		return err
	}
	if !active {
		// The column's default:true replaces a false Active on insert;
		// write the requested inactive state back.
		if err := s.store.UpdateJobFields(dc, job.ID, map[string]interface{}{"active": false}); err != nil {
			return err
		}
		job.Active = false
	}
	if job.Active {
		if err := s.kv.AddDue(dc.Ctx, job.ID.String(), fireAt); err != nil {
			return fmt.Errorf("scheduleset: index due: %w", err)
		}
	}
	return nil
}

// Update applies updates and reconciles due-set membership: deactivating a
// job removes it, reactivating (or changing its schedule) recomputes and
// re-adds it. Changes to the handler, payload or schedule bump the job's
// version so occurrences dispatched afterwards carry a distinguishable
// snapshot.
func (s *Set) Update(dc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if bumpsVersion(updates) {
		updates["version"] = gorm.Expr("version + 1")
	}
	if err := s.store.UpdateJobFields(dc, id, updates); err != nil {
		return err
	}
	job, err := s.store.GetJob(dc, id)
	if err != nil {
		return err
	}
	if !job.Active {
		return s.kv.RemoveDue(dc.Ctx, id.String())
	}
	fireAt := job.NextRunAt
	_, cronChanged := updates["cron_expr"]
	_, runAtChanged := updates["run_at"]
	_, activeChanged := updates["active"]
	if fireAt == nil || cronChanged || runAtChanged || activeChanged {
		t, err := s.firstFireTime(job)
		if err != nil {
			return err
		}
		fireAt = &t
		if err := s.store.UpdateJobFields(dc, id, map[string]interface{}{"next_run_at": fireAt}); err != nil {
			return err
		}
	}
	return s.kv.AddDue(dc.Ctx, id.String(), *fireAt)
}

// Delete removes a job from both Postgres and the due set. A job with a
// queued or running occurrence cannot be deleted; the due-set entry is only
// removed after the row delete succeeds, so a concurrent tick never sees an
// indexed job whose definition is already gone.
func (s *Set) Delete(dc dbctx.Context, id uuid.UUID) error {
	inFlight, err := s.store.HasNonTerminalOccurrence(dc, id)
	if err != nil {
		return err
	}
	if inFlight {
		return ErrOccurrenceInFlight
	}
	if err := s.store.DeleteJob(dc, id); err != nil {
		return err
	}
	return s.kv.RemoveDue(dc.Ctx, id.String())
}

// Advance recomputes and re-indexes a recurring job's next occurrence after
// the dispatcher has popped and dispatched its current one. One-shot jobs
// are deactivated instead of re-indexed.
func (s *Set) Advance(dc dbctx.Context, job *domain.ScheduledJob, from time.Time) error {
	if job.IsOneShot() {
		return s.store.UpdateJobFields(dc, job.ID, map[string]interface{}{"active": false, "last_run_at": from})
	}
	sched, err := cronspec.Parse(job.CronExpr, job.Timezone)
	if err != nil {
		return fmt.Errorf("scheduleset: reparse schedule: %w", err)
	}
	next := sched.Next(from)
	if err := s.store.UpdateJobFields(dc, job.ID, map[string]interface{}{"next_run_at": next, "last_run_at": from}); err != nil {
		return err
	}
	return s.kv.AddDue(dc.Ctx, job.ID.String(), next)
}

// Rebuild reindexes every active job into the due set, for dispatcher
// startup recovery when the KV due set may be stale or empty (e.g. after a
// Redis restart with no persistence).
func (s *Set) Rebuild(dc dbctx.Context) (int, error) {
	jobs, err := s.store.ActiveJobs(dc)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		fireAt := job.NextRunAt
		if fireAt == nil {
			t, err := s.firstFireTime(&job)
			if err != nil {
				s.log.Warn("rebuild: skip job with invalid schedule", "job_id", job.ID.String(), "error", err)
				continue
			}
			fireAt = &t
		}
		if err := s.kv.AddDue(dc.Ctx, job.ID.String(), *fireAt); err != nil {
			return count, fmt.Errorf("scheduleset: rebuild index %s: %w", job.ID.String(), err)
		}
		count++
	}
	return count, nil
}

func bumpsVersion(updates map[string]interface{}) bool {
	for _, field := range []string{"job_type", "payload", "cron_expr", "run_at"} {
		if _, ok := updates[field]; ok {
			return true
		}
	}
	return false
}

func (s *Set) firstFireTime(job *domain.ScheduledJob) (time.Time, error) {
	if job.IsOneShot() {
		// A fire time in the past, or close enough that the next tick
		// would already consider it due, normalizes to now.
		now := time.Now().UTC()
		if job.RunAt.Before(now.Add(5 * time.Second)) {
			return now, nil
		}
		return *job.RunAt, nil
	}
	sched, err := cronspec.Parse(job.CronExpr, job.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduleset: invalid schedule: %w", err)
	}
	return sched.Next(time.Now()), nil
}
