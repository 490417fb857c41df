// Package autodisable tracks consecutive occurrence failures per job and
// deactivates a job once it crosses a configurable threshold, so a
// persistently broken job stops burning dispatch slots and polluting the
// dead letter store. Re-enabling is an explicit operator action, not
// automatic.
package autodisable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/store"
)

// Notifier is told whenever a job's auto-disable state changes. Implementors
// typically bridge into internal/occurrence's EventSink transport.
type Notifier interface {
	JobAutoDisabled(ctx context.Context, jobID uuid.UUID, reason string, consecutiveFailures int)
	JobReEnabled(ctx context.Context, jobID uuid.UUID)
}

type noopNotifier struct{}

func (noopNotifier) JobAutoDisabled(context.Context, uuid.UUID, string, int) {}
func (noopNotifier) JobReEnabled(context.Context, uuid.UUID)                 {}

// NoopNotifier discards every notification.
var NoopNotifier Notifier = noopNotifier{}

// DueIndex is the KV surface needed to pull a disabled job out of the
// dispatcher's time index immediately, rather than waiting for the next
// tick to notice active=false.
type DueIndex interface {
	RemoveDue(ctx context.Context, jobID string) error
	AddDue(ctx context.Context, jobID string, fireAt time.Time) error
}

// Guard enforces the consecutive-failure threshold.
type Guard struct {
	store     *store.Store
	due       DueIndex
	notifier  Notifier
	log       *logger.Logger
	Threshold int
}

func New(s *store.Store, due DueIndex, notifier Notifier, log *logger.Logger, threshold int) *Guard {
	if notifier == nil {
		notifier = NoopNotifier
	}
	if threshold <= 0 {
		threshold = 10
	}
	return &Guard{store: s, due: due, notifier: notifier, log: log.With("component", "autodisable"), Threshold: threshold}
}

// RecordSuccess resets a job's consecutive-failure counter.
func (g *Guard) RecordSuccess(dc dbctx.Context, jobID uuid.UUID) error {
	return g.store.UpdateJobFields(dc, jobID, map[string]interface{}{"consecutive_failures": 0})
}

// RecordFailure increments a job's consecutive-failure counter and disables
// the job once it reaches Threshold. Returns true if this call triggered
// the disable.
func (g *Guard) RecordFailure(dc dbctx.Context, jobID uuid.UUID) (bool, error) {
	job, err := g.store.GetJob(dc, jobID)
	if err != nil {
		return false, fmt.Errorf("autodisable: load job: %w", err)
	}
	count := job.ConsecutiveFailures + 1
	updates := map[string]interface{}{"consecutive_failures": count}

	if count < g.Threshold {
		return false, g.store.UpdateJobFields(dc, jobID, updates)
	}

	now := time.Now().UTC()
	reason := fmt.Sprintf("%d consecutive failures, threshold is %d", count, g.Threshold)
	updates["active"] = false
	updates["auto_disabled"] = true
	updates["auto_disabled_at"] = now
	updates["auto_disabled_reason"] = reason
	if err := g.store.UpdateJobFields(dc, jobID, updates); err != nil {
		return false, err
	}
	if g.due != nil {
		if err := g.due.RemoveDue(dc.Ctx, jobID.String()); err != nil {
			g.log.Warn("remove disabled job from due index failed", "job_id", jobID.String(), "error", err)
		}
	}
	g.log.Warn("job auto-disabled", "job_id", jobID.String(), "consecutive_failures", count)
	g.notifier.JobAutoDisabled(dc.Ctx, jobID, reason, count)
	return true, nil
}

// ReEnable clears auto-disable state, reactivates the job, and puts it back
// into the due index at its stored next fire time (or immediately when none
// is recorded).
func (g *Guard) ReEnable(dc dbctx.Context, jobID uuid.UUID) error {
	if err := g.store.UpdateJobFields(dc, jobID, map[string]interface{}{
		"active":               true,
		"auto_disabled":        false,
		"auto_disabled_at":     nil,
		"auto_disabled_reason": "",
		"consecutive_failures": 0,
	}); err != nil {
		return fmt.Errorf("autodisable: reenable: %w", err)
	}
	if g.due != nil {
		fireAt := time.Now().UTC()
		if job, err := g.store.GetJob(dc, jobID); err == nil && job.NextRunAt != nil && job.NextRunAt.After(fireAt) {
			fireAt = *job.NextRunAt
		}
		if err := g.due.AddDue(dc.Ctx, jobID.String(), fireAt); err != nil {
			g.log.Warn("re-index re-enabled job failed", "job_id", jobID.String(), "error", err)
		}
	}
	g.log.Info("job re-enabled", "job_id", jobID.String())
	g.notifier.JobReEnabled(dc.Ctx, jobID)
	return nil
}

// EventSinkAdapter lets Guard observe occurrence completions directly as an
// occurrence.EventSink, so the dispatcher's success/failure counting needs
// no separate wiring beyond registering it alongside (or composed with) the
// scheduler's primary notification sink.
type EventSinkAdapter struct {
	Guard *Guard
}

func (a EventSinkAdapter) OccurrenceCreated(context.Context, domain.JobOccurrence) {}

func (a EventSinkAdapter) OccurrenceUpdated(ctx context.Context, occ domain.JobOccurrence) {
	dc := dbctx.Context{Ctx: ctx}
	switch occ.Status {
	case domain.OccurrenceSucceeded:
		if err := a.Guard.RecordSuccess(dc, occ.JobID); err != nil {
			a.Guard.log.Warn("record success failed", "job_id", occ.JobID.String(), "error", err)
		}
	case domain.OccurrenceFailed, domain.OccurrenceTimedOut:
		if _, err := a.Guard.RecordFailure(dc, occ.JobID); err != nil {
			a.Guard.log.Warn("record failure failed", "job_id", occ.JobID.String(), "error", err)
		}
	}
}
