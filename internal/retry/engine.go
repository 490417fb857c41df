package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/occurrence"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/store"
)

// JobPublisher is the broker surface the redispatcher needs to put a retry
// attempt back on the wire.
type JobPublisher interface {
	Publish(ctx context.Context, routingKey string, msg broker.Message) error
}

// DeadLetterPublisher is the broker surface used when an occurrence is
// given up on.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl broker.DeadLetter) error
}

// RunningMarks is the KV surface the engine uses to keep the per-job
// running marker honest across terminal transitions and redispatches.
type RunningMarks interface {
	MarkRunning(ctx context.Context, jobID string, ttl time.Duration) error
	ClearRunning(ctx context.Context, jobID string) error
}

// Engine reacts to terminal occurrence transitions: clearing the job's
// running marker, scheduling the next attempt for retryable failures with
// budget left, and dead-lettering everything else. It plugs into the
// occurrence machine as an EventSink, the same composition point
// internal/autodisable uses.
type Engine struct {
	policy Policy
	store  *store.Store
	occ    *occurrence.Machine
	jobs   JobPublisher
	dlx    DeadLetterPublisher
	marks  RunningMarks
	log    *logger.Logger

	// Observers are notified after the engine has claimed and processed a
	// terminal occurrence — the hook the auto-disable guard hangs off.
	// They run at most once per occurrence, on whichever path won the
	// finalize claim.
	Observers []occurrence.EventSink

	// RedispatchInterval is the cadence RunRedispatcher polls for due,
	// not-yet-published retry attempts.
	RedispatchInterval time.Duration
	// RedispatchBatch bounds how many pending attempts one poll publishes.
	RedispatchBatch int
	// RunningTTL is the lifetime stamped on the running marker when a retry
	// attempt is republished.
	RunningTTL time.Duration
	// FinalizeInterval is the cadence RunFinalizer polls for terminal
	// occurrences written by workers, whose processes carry no
	// scheduler-side observers.
	FinalizeInterval time.Duration
	// FinalizeBatch bounds how many terminals one finalize poll claims.
	FinalizeBatch int
}

func NewEngine(policy Policy, s *store.Store, occ *occurrence.Machine, jobs JobPublisher, dlx DeadLetterPublisher, marks RunningMarks, log *logger.Logger) *Engine {
	if policy.MaxRetries <= 0 {
		policy = DefaultPolicy
	}
	return &Engine{
		policy:             policy,
		store:              s,
		occ:                occ,
		jobs:               jobs,
		dlx:                dlx,
		marks:              marks,
		log:                log.With("component", "retry"),
		RedispatchInterval: 2 * time.Second,
		RedispatchBatch:    100,
		RunningTTL:         30 * time.Minute,
		FinalizeInterval:   5 * time.Second,
		FinalizeBatch:      100,
	}
}

func (e *Engine) OccurrenceCreated(context.Context, domain.JobOccurrence) {}

// OccurrenceUpdated inspects every occurrence change and acts only on
// terminal ones. The finalize claim makes processing exactly-once: a
// duplicate notification, or the finalizer poll racing the synchronous
// sink path, loses the claim and does nothing.
func (e *Engine) OccurrenceUpdated(ctx context.Context, occ domain.JobOccurrence) {
	if !occ.Status.Terminal() {
		return
	}
	dc := dbctx.Context{Ctx: ctx}

	won, err := e.store.ClaimFinalize(dc, occ.ID)
	if err != nil {
		e.log.Error("finalize claim failed", "occurrence_id", occ.ID.String(), "error", err)
		return
	}
	if !won {
		return
	}
	defer func() {
		for _, obs := range e.Observers {
			obs.OccurrenceUpdated(ctx, occ)
		}
	}()

	if e.marks != nil {
		if err := e.marks.ClearRunning(ctx, occ.JobID.String()); err != nil {
			e.log.Warn("clear running marker failed", "job_id", occ.JobID.String(), "error", err)
		}
	}

	switch occ.Status {
	case domain.OccurrenceSucceeded, domain.OccurrenceCanceled:
		return
	}

	failure := occ.FailureType
	if failure == "" {
		switch occ.Status {
		case domain.OccurrenceTimedOut:
			failure = domain.FailureTimeout
		case domain.OccurrenceUnknown:
			failure = domain.FailureWorkerCrash
		default:
			failure = domain.FailureTransient
		}
	}

	maxRetries := e.policy.MaxRetries
	if job, err := e.store.GetJob(dc, occ.JobID); err == nil && job.MaxRetries > 0 {
		maxRetries = job.MaxRetries
	}

	if failure.Retryable() && occ.Attempt < maxRetries {
		delay := NextDelay(e.policy, occ.Attempt)
		fireAt := time.Now().UTC().Add(delay)
		next, err := e.occ.Create(dc, occurrence.CreateParams{
			JobID:            occ.JobID,
			ScheduledFor:     fireAt,
			Payload:          []byte(occ.Payload),
			Attempt:          occ.Attempt + 1,
			JobVersion:       occ.JobVersion,
			ZombieTimeoutMin: occ.ZombieTimeoutMin,
		})
		if err != nil {
			e.log.Error("schedule retry attempt failed", "job_id", occ.JobID.String(), "occurrence_id", occ.ID.String(), "error", err)
			return
		}
		e.log.Info("retry attempt scheduled",
			"job_id", occ.JobID.String(),
			"failed_occurrence_id", occ.ID.String(),
			"retry_occurrence_id", next.ID.String(),
			"attempt", next.Attempt,
			"delay", delay.String())
		return
	}

	if failure.Retryable() {
		failure = domain.FailureMaxRetries
	}
	e.deadLetter(dc, occ, failure)
}

func (e *Engine) deadLetter(dc dbctx.Context, occ domain.JobOccurrence, failure domain.FailureType) {
	existing, err := e.store.FailedOccurrenceByOccurrenceID(dc, occ.ID)
	if err == nil && existing != nil {
		return
	}
	row := &domain.FailedOccurrence{
		OccurrenceID: occ.ID,
		JobID:        occ.JobID,
		FailureType:  failure,
		Attempt:      occ.Attempt,
		Error:        occ.Error,
		Payload:      occ.Payload,
	}
	if err := e.store.CreateFailedOccurrence(dc, row); err != nil {
		e.log.Error("write dead letter row failed", "occurrence_id", occ.ID.String(), "error", err)
		return
	}
	if e.dlx != nil {
		dl := broker.DeadLetter{
			OccurrenceID:  occ.ID.String(),
			JobID:         occ.JobID.String(),
			CorrelationID: occ.CorrelationID.String(),
			FailureType:   string(failure),
			Attempt:       occ.Attempt,
			Error:         occ.Error,
		}
		if err := e.dlx.PublishDeadLetter(dc.Ctx, dl); err != nil {
			e.log.Warn("publish dead letter failed", "occurrence_id", occ.ID.String(), "error", err)
		}
	}
	e.log.Warn("occurrence dead lettered",
		"job_id", occ.JobID.String(),
		"occurrence_id", occ.ID.String(),
		"failure_type", string(failure),
		"attempt", occ.Attempt)
}

// RunFinalizer blocks, sweeping for terminal occurrences whose side
// effects have not run yet — the path by which worker-written terminal
// statuses reach retry scheduling, dead-lettering, and the observers.
func (e *Engine) RunFinalizer(ctx context.Context) error {
	ticker := time.NewTicker(e.FinalizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.finalizeDue(ctx); err != nil {
				e.log.Error("finalize poll failed", "error", err)
			}
		}
	}
}

func (e *Engine) finalizeDue(ctx context.Context) error {
	dc := dbctx.Context{Ctx: ctx}
	pending, err := e.store.UnfinalizedTerminals(dc, e.FinalizeBatch)
	if err != nil {
		return fmt.Errorf("retry: list unfinalized: %w", err)
	}
	for _, occ := range pending {
		e.OccurrenceUpdated(ctx, occ)
	}
	return nil
}

// RunRedispatcher blocks, polling for retry attempts whose fire time has
// arrived and publishing them, until ctx is canceled. Runs on the scheduler
// alongside the dispatcher; it needs no leader election because
// PendingRetries only ever returns occurrences this process then stamps
// queued_at on, and a rare double-publish is absorbed by the worker-side
// terminal-status idempotency.
func (e *Engine) RunRedispatcher(ctx context.Context) error {
	ticker := time.NewTicker(e.RedispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.redispatchDue(ctx); err != nil {
				e.log.Error("redispatch poll failed", "error", err)
			}
		}
	}
}

func (e *Engine) redispatchDue(ctx context.Context) error {
	dc := dbctx.Context{Ctx: ctx}
	pending, err := e.store.PendingRetries(dc, time.Now().UTC(), e.RedispatchBatch)
	if err != nil {
		return fmt.Errorf("retry: list pending: %w", err)
	}
	for _, occ := range pending {
		job, err := e.store.GetJob(dc, occ.JobID)
		if err != nil {
			if err == store.ErrNotFound {
				_ = e.occ.Cancel(dc, occ.ID, "job definition deleted before retry fired")
				continue
			}
			e.log.Warn("load job for retry failed", "job_id", occ.JobID.String(), "error", err)
			continue
		}
		if !job.Active {
			_ = e.occ.Cancel(dc, occ.ID, "job deactivated before retry fired")
			continue
		}
		msg := broker.Message{
			JobID:               job.ID.String(),
			CorrelationID:       occ.CorrelationID.String(),
			JobName:             job.JobType,
			JobData:             []byte(occ.Payload),
			JobVersion:          occ.JobVersion,
			ExecutionTimeoutSec: job.TimeoutSec,
			ZombieTimeoutMin:    occ.ZombieTimeoutMin,
			Attempt:             occ.Attempt,
			PublishedAt:         time.Now().UTC(),
		}
		if err := e.jobs.Publish(ctx, broker.RoutingKeyForFamily(job.JobType), msg); err != nil {
			e.log.Warn("republish retry failed", "occurrence_id", occ.ID.String(), "error", err)
			continue
		}
		if err := e.occ.MarkPublished(dc, occ.ID); err != nil {
			e.log.Warn("stamp republish failed", "occurrence_id", occ.ID.String(), "error", err)
		}
		if e.marks != nil {
			_ = e.marks.MarkRunning(ctx, job.ID.String(), e.RunningTTL)
		}
	}
	return nil
}
