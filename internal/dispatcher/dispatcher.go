// Package dispatcher runs the scheduler's single active tick loop: popping
// due jobs from the KV due set, enforcing each job's concurrency policy,
// creating a JobOccurrence, publishing it to the broker, and advancing the
// job's next fire time. Exactly one dispatcher replica is active at a
// time, arbitrated by a TTL-refreshed Redis leader lock that the leader
// renews on every tick.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/occurrence"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/platform/tracing"
	"github.com/northbridge-io/taskgrid/internal/scheduleset"
	"github.com/northbridge-io/taskgrid/internal/store"
)

// Coordinator is the KV surface the dispatcher drives: leader lease,
// due-set pops, per-job locks, running markers, and the emergency-stop
// flag. Implemented by *kv.Client; faked in tests.
type Coordinator interface {
	AcquireLeader(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	RenewLeader(ctx context.Context, holderID string, ttl time.Duration) (bool, error)
	ReleaseLeader(ctx context.Context, holderID string) error
	DispatcherPaused(ctx context.Context) (bool, error)
	PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
	RemoveDue(ctx context.Context, jobID string) error
	AcquireJobLock(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, jobID string) error
	IsRunning(ctx context.Context, jobID string) (bool, error)
	MarkRunning(ctx context.Context, jobID string, ttl time.Duration) error
}

// Publisher is the broker surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg broker.Message) error
	QueueMessageCount(queue string) (int, error)
}

// Options configures tick cadence, lease lifetime and batch size.
type Options struct {
	TickInterval time.Duration
	LeaderTTL    time.Duration
	JobLockTTL   time.Duration
	BatchSize    int64
	InstanceID   string

	// RunningTTL bounds how long a job's running marker survives without
	// the occurrence reaching a terminal state; it should exceed the
	// longest execution timeout plus the zombie threshold.
	RunningTTL time.Duration

	// QueueDepthWarning / QueueDepthCritical are ready-message thresholds
	// above which the tick emits health signals. Dispatch continues either
	// way; the operator decides whether to pull the emergency stop.
	QueueDepthWarning  int
	QueueDepthCritical int
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.LeaderTTL <= 0 {
		o.LeaderTTL = 10 * time.Second
	}
	if o.JobLockTTL <= 0 {
		o.JobLockTTL = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.New().String()
	}
	if o.RunningTTL <= 0 {
		o.RunningTTL = 30 * time.Minute
	}
	if o.QueueDepthWarning <= 0 {
		o.QueueDepthWarning = 1000
	}
	if o.QueueDepthCritical <= 0 {
		o.QueueDepthCritical = 10000
	}
}

// Dispatcher is the scheduler's tick loop.
type Dispatcher struct {
	opts     Options
	kv       Coordinator
	broker   Publisher
	store    *store.Store
	set      *scheduleset.Set
	occ      *occurrence.Machine
	log      *logger.Logger
	isLeader bool
	tickN    uint64
}

func New(opts Options, kvClient Coordinator, b Publisher, s *store.Store, set *scheduleset.Set, occ *occurrence.Machine, log *logger.Logger) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{opts: opts, kv: kvClient, broker: b, store: s, set: set, occ: occ, log: log.With("component", "dispatcher", "instance_id", opts.InstanceID)}
}

// Run blocks, ticking every TickInterval, until ctx is canceled. On startup
// it rebuilds the due set from Postgres in case Redis lost its state.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.set.Rebuild(dbctx.Context{Ctx: ctx}); err != nil {
		d.log.Warn("startup rebuild failed", "error", err)
	}

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()
	defer d.releaseLeadership(context.Background())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.maintainLeadership(ctx); err != nil {
				d.log.Warn("leader maintenance failed", "error", err)
				continue
			}
			if !d.isLeader {
				continue
			}
			if err := d.tick(ctx); err != nil {
				d.log.Error("tick failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) maintainLeadership(ctx context.Context) error {
	if !d.isLeader {
		acquired, err := d.kv.AcquireLeader(ctx, d.opts.InstanceID, d.opts.LeaderTTL)
		if err != nil {
			return err
		}
		d.isLeader = acquired
		if acquired {
			d.log.Info("became dispatcher leader")
		}
		return nil
	}
	renewed, err := d.kv.RenewLeader(ctx, d.opts.InstanceID, d.opts.LeaderTTL)
	if err != nil {
		return err
	}
	if !renewed {
		d.log.Warn("lost dispatcher leadership")
	}
	d.isLeader = renewed
	return nil
}

func (d *Dispatcher) releaseLeadership(ctx context.Context) {
	if !d.isLeader {
		return
	}
	if err := d.kv.ReleaseLeader(ctx, d.opts.InstanceID); err != nil {
		d.log.Warn("release leader lock failed", "error", err)
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	ctx, span := tracing.Tracer("dispatcher").Start(ctx, "dispatcher.tick")
	defer span.End()

	paused, err := d.kv.DispatcherPaused(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: read pause flag: %w", err)
	}
	if paused {
		d.log.Warn("dispatch paused by emergency stop flag")
		return nil
	}

	d.tickN++
	if d.tickN%10 == 0 {
		d.checkQueueDepths()
	}

	now := time.Now()
	due, err := d.kv.PopDue(ctx, now, d.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("dispatcher: pop due: %w", err)
	}
	for _, jobIDStr := range due {
		if err := d.dispatchOne(ctx, jobIDStr, now); err != nil {
			d.log.Error("dispatch job failed", "job_id", jobIDStr, "error", err)
		}
	}
	return nil
}

// checkQueueDepths samples every job queue's ready-message count and logs
// threshold breaches. Dispatch is never throttled here; the signal exists
// so an operator can act before workers drown.
func (d *Dispatcher) checkQueueDepths() {
	for _, q := range broker.AllQueues {
		depth, err := d.broker.QueueMessageCount(q)
		if err != nil {
			continue
		}
		switch {
		case depth >= d.opts.QueueDepthCritical:
			d.log.Error("queue depth critical", "queue", q, "depth", depth, "threshold", d.opts.QueueDepthCritical)
		case depth >= d.opts.QueueDepthWarning:
			d.log.Warn("queue depth above warning threshold", "queue", q, "depth", depth, "threshold", d.opts.QueueDepthWarning)
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, jobIDStr string, now time.Time) error {
	acquired, err := d.kv.AcquireJobLock(ctx, jobIDStr, d.opts.JobLockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		// Another dispatcher replica (or a still-in-flight retry of this
		// same tick) is already handling this job.
		return nil
	}
	releaseLock := true
	defer func() {
		if releaseLock {
			_ = d.kv.ReleaseJobLock(ctx, jobIDStr)
		}
	}()

	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", jobIDStr, err)
	}

	dc := dbctx.Context{Ctx: ctx}
	job, err := d.store.GetJob(dc, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return d.kv.RemoveDue(ctx, jobIDStr)
		}
		return fmt.Errorf("load job: %w", err)
	}
	if !job.Active {
		return d.kv.RemoveDue(ctx, jobIDStr)
	}

	if job.Concurrency == domain.ConcurrencySkip {
		running, err := d.kv.IsRunning(ctx, jobIDStr)
		if err != nil {
			return fmt.Errorf("check running: %w", err)
		}
		if !running {
			// The running marker only covers published occurrences; a retry
			// attempt waiting on its backoff delay is queued in Postgres
			// with no marker, and Skip must respect it too.
			running, err = d.store.HasNonTerminalOccurrence(dc, job.ID)
			if err != nil {
				return fmt.Errorf("check queued: %w", err)
			}
		}
		if running {
			d.log.Info("skip: previous occurrence still in flight", "job_id", jobIDStr)
			return d.set.Advance(dc, job, now)
		}
	}

	occ, err := d.occ.Create(dc, occurrence.CreateParams{
		JobID:            job.ID,
		ScheduledFor:     now,
		Payload:          job.Payload,
		Attempt:          1,
		JobVersion:       job.Version,
		ZombieTimeoutMin: job.ZombieTimeoutMin,
	})
	if err != nil {
		return fmt.Errorf("create occurrence: %w", err)
	}

	msg := broker.Message{
		JobID:               job.ID.String(),
		CorrelationID:       occ.CorrelationID.String(),
		JobName:             job.JobType,
		JobData:             json.RawMessage(job.Payload),
		JobVersion:          occ.JobVersion,
		ExecutionTimeoutSec: job.TimeoutSec,
		ZombieTimeoutMin:    occ.ZombieTimeoutMin,
		Attempt:             occ.Attempt,
		PublishedAt:         time.Now().UTC(),
	}
	routingKey := broker.RoutingKeyForFamily(job.JobType)
	if err := d.broker.Publish(ctx, routingKey, msg); err != nil {
		_ = d.occ.Fail(dc, occ.ID, fmt.Sprintf("publish failed: %v", err), domain.FailureExternalDependency)
		return fmt.Errorf("publish: %w", err)
	}
	if err := d.occ.MarkPublished(dc, occ.ID); err != nil {
		d.log.Warn("stamp publish failed", "occurrence_id", occ.ID.String(), "error", err)
	}

	runningTTL := d.opts.RunningTTL
	if job.TimeoutSec > 0 {
		jobTTL := time.Duration(job.TimeoutSec)*time.Second + 5*time.Minute
		if jobTTL > runningTTL {
			runningTTL = jobTTL
		}
	}
	if err := d.kv.MarkRunning(ctx, jobIDStr, runningTTL); err != nil {
		d.log.Warn("mark running failed", "job_id", jobIDStr, "error", err)
	}

	// Release the lock only after publish succeeds so a crash mid-dispatch
	// leaves the job locked until the TTL expires rather than immediately
	// re-dispatchable and double-published.
	releaseLock = false
	if err := d.kv.ReleaseJobLock(ctx, jobIDStr); err != nil {
		d.log.Warn("release lock failed", "job_id", jobIDStr, "error", err)
	}

	return d.set.Advance(dc, job, now)
}
