package workerrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/cancelbus"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/jobcore"
	"github.com/northbridge-io/taskgrid/internal/outbox"
	"github.com/northbridge-io/taskgrid/internal/platform/ctxutil"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/platform/tracing"
	"github.com/northbridge-io/taskgrid/internal/retry"
)

// Options configures the runtime's identity, concurrency bound, per-job
// timeout default (overridden per delivery by the message's own timeout),
// and heartbeat cadences.
type Options struct {
	WorkerID             string
	Prefetch             int
	DefaultTimeout       time.Duration
	JobHeartbeatInterval time.Duration
	HeartbeatInterval    time.Duration
	InstanceID           uuid.UUID
	Queue                string
	ConsumerTag          string
}

func (o *Options) setDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = "taskgrid-worker"
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 10
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = time.Hour
	}
	if o.JobHeartbeatInterval <= 0 {
		o.JobHeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.InstanceID == uuid.Nil {
		o.InstanceID = uuid.New()
	}
	if o.Queue == "" {
		o.Queue = broker.ScheduledJobsQueue
	}
	if o.ConsumerTag == "" {
		o.ConsumerTag = "taskgrid-worker-" + o.InstanceID.String()
	}
}

// Transport is the broker surface the runtime drives: consuming job
// deliveries and publishing the worker-originated envelopes.
type Transport interface {
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
	PublishStatusUpdate(ctx context.Context, su broker.StatusUpdate) error
	PublishLog(ctx context.Context, lm broker.LogMessage) error
	PublishHeartbeat(ctx context.Context, hb broker.Heartbeat) error
	PublishRegistration(ctx context.Context, reg broker.Registration) error
}

// Runtime pulls deliveries off the jobs queue and runs them through the
// registry with bounded concurrency. Everything it has to say back to the
// scheduler — status transitions, log lines, heartbeats, its own
// registration — goes out as broker envelopes. When a status or log
// publish fails the envelope is buffered into the local outbox and the
// syncer delivers it once the broker is reachable again; a failed
// heartbeat publish is only logged, and a failed registration is
// returned to the caller.
type Runtime struct {
	opts     Options
	broker   Transport
	registry *Registry
	outbox   *outbox.Outbox
	cancel   cancelbus.Bus
	log      *logger.Logger

	sem         *semaphore.Weighted
	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
	busCanceled map[string]bool
	lastBeat    map[string]time.Time
	inFlight    int
}

func New(opts Options, b Transport, reg *Registry, ob *outbox.Outbox, cancel cancelbus.Bus, log *logger.Logger) *Runtime {
	opts.setDefaults()
	return &Runtime{
		opts:        opts,
		broker:      b,
		registry:    reg,
		outbox:      ob,
		cancel:      cancel,
		log:         log.With("component", "workerrt", "worker_id", opts.WorkerID, "instance_id", opts.InstanceID.String()),
		sem:         semaphore.NewWeighted(int64(opts.Prefetch)),
		cancelFuncs: make(map[string]context.CancelFunc),
		busCanceled: make(map[string]bool),
		lastBeat:    make(map[string]time.Time),
	}
}

// InFlight returns the number of occurrences currently executing.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// jobHeartbeats snapshots the in-flight occurrences and their last local
// heartbeat stamps for the heartbeat envelope.
func (r *Runtime) jobHeartbeats() []broker.JobHeartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broker.JobHeartbeat, 0, len(r.lastBeat))
	for id, at := range r.lastBeat {
		out = append(out, broker.JobHeartbeat{CorrelationID: id, LastHeartbeat: at})
	}
	return out
}

// Register announces this instance and its handlers on the registration
// queue. Called once at startup, before consuming begins.
func (r *Runtime) Register(ctx context.Context) error {
	names := r.registry.JobTypes()
	handlers := make([]broker.HandlerRegistration, 0, len(names))
	for _, name := range names {
		handlers = append(handlers, broker.HandlerRegistration{
			Name:                name,
			RoutingPattern:      broker.RoutingKeyForFamily(name),
			MaxParallelJobs:     r.opts.Prefetch,
			ExecutionTimeoutSec: int(r.opts.DefaultTimeout / time.Second),
		})
	}
	reg := broker.Registration{
		WorkerID:   r.opts.WorkerID,
		InstanceID: r.opts.InstanceID.String(),
		Handlers:   handlers,
	}
	if err := r.broker.PublishRegistration(ctx, reg); err != nil {
		return fmt.Errorf("workerrt: register: %w", err)
	}
	return nil
}

// RunHeartbeat blocks, publishing this instance's heartbeat envelope —
// current load plus the per-occurrence heartbeat list — until ctx is
// canceled.
func (r *Runtime) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hb := broker.Heartbeat{
				WorkerID:        r.opts.WorkerID,
				InstanceID:      r.opts.InstanceID.String(),
				CurrentJobs:     r.InFlight(),
				MaxParallelJobs: r.opts.Prefetch,
				Status:          "active",
				Jobs:            r.jobHeartbeats(),
			}
			if err := r.broker.PublishHeartbeat(ctx, hb); err != nil {
				r.log.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

// Run consumes from the runtime's queue until ctx is canceled, dispatching
// each delivery to a goroutine bounded by the prefetch semaphore. It also
// starts the cancellation-bus forwarder so in-flight jobs can be aborted.
func (r *Runtime) Run(ctx context.Context) error {
	if r.cancel != nil {
		if err := r.cancel.StartForwarder(ctx, r.handleCancel); err != nil {
			return fmt.Errorf("workerrt: start cancel forwarder: %w", err)
		}
	}

	deliveries, err := r.broker.Consume(ctx, r.opts.Queue, r.opts.ConsumerTag)
	if err != nil {
		return fmt.Errorf("workerrt: consume: %w", err)
	}

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return nil
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer r.sem.Release(1)
				r.handle(ctx, d)
			}(d)
		}
	}
}

func (r *Runtime) handleCancel(occurrenceID string) {
	r.mu.Lock()
	cancel, ok := r.cancelFuncs[occurrenceID]
	if ok {
		r.busCanceled[occurrenceID] = true
	}
	r.mu.Unlock()
	if ok {
		r.log.Info("cancellation received for running occurrence", "occurrence_id", occurrenceID)
		cancel()
	}
}

func (r *Runtime) handle(parent context.Context, d amqp.Delivery) {
	var msg broker.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// Unparseable body: nothing to retry, straight to the DLX.
		r.log.Error("malformed delivery, dropping to DLQ", "error", err)
		_ = d.Nack(false, false)
		return
	}
	if _, err := uuid.Parse(msg.CorrelationID); err != nil {
		r.log.Error("invalid correlation id in delivery", "correlation_id", msg.CorrelationID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	jobCtx, span := tracing.Tracer("worker").Start(parent, "workerrt.handle")
	defer span.End()

	timeout := r.opts.DefaultTimeout
	if msg.ExecutionTimeoutSec > 0 {
		timeout = time.Duration(msg.ExecutionTimeoutSec) * time.Second
	}
	jobCtx, cancel := context.WithTimeout(jobCtx, timeout)
	defer cancel()

	startedAt := time.Now().UTC()
	r.mu.Lock()
	r.cancelFuncs[msg.CorrelationID] = cancel
	r.lastBeat[msg.CorrelationID] = startedAt
	r.inFlight++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancelFuncs, msg.CorrelationID)
		delete(r.busCanceled, msg.CorrelationID)
		delete(r.lastBeat, msg.CorrelationID)
		r.inFlight--
		r.mu.Unlock()
	}()

	r.publishStatus(parent, broker.StatusUpdate{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
		WorkerID:      r.opts.WorkerID,
		Status:        string(domain.OccurrenceRunning),
		StartTime:     &startedAt,
	})

	hbCtx, stopHB := context.WithCancel(parent)
	defer stopHB()
	go r.runJobHeartbeat(hbCtx, msg.CorrelationID)

	result, runErr := r.runWithRecover(jobCtx, msg)

	r.mu.Lock()
	wasBusCanceled := r.busCanceled[msg.CorrelationID]
	r.mu.Unlock()

	endedAt := time.Now().UTC()
	durationMs := endedAt.Sub(startedAt).Milliseconds()
	terminal := broker.StatusUpdate{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
		WorkerID:      r.opts.WorkerID,
		StartTime:     &startedAt,
		EndTime:       &endedAt,
		DurationMs:    &durationMs,
	}

	switch {
	case runErr == nil && jobCtx.Err() == nil:
		resultJSON, _ := json.Marshal(result)
		terminal.Status = string(domain.OccurrenceSucceeded)
		terminal.Result = string(resultJSON)
	case wasBusCanceled:
		terminal.Status = string(domain.OccurrenceCanceled)
		terminal.Exception = "canceled by request"
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		terminal.Status = string(domain.OccurrenceTimedOut)
		terminal.Exception = fmt.Sprintf("execution exceeded %s", timeout)
	default:
		errMsg := "job context canceled"
		if runErr != nil {
			errMsg = runErr.Error()
		}
		terminal.Status = string(domain.OccurrenceFailed)
		terminal.Exception = errMsg
		terminal.FailureType = string(retry.Classify(runErr, false, false))
	}
	r.publishStatus(parent, terminal)

	// The terminal envelope (or its outbox record) is durable by now, so
	// the delivery is done regardless of outcome; redelivery would only
	// re-run a job whose result is already decided.
	_ = d.Ack(false)
}

// runJobHeartbeat refreshes the occurrence's local heartbeat stamp on a
// ticker for as long as the job runs; the instance heartbeat envelope
// carries the stamps to the scheduler, whose zombie sweep uses them to
// tell a slow job from a dead worker.
func (r *Runtime) runJobHeartbeat(ctx context.Context, correlationID string) {
	ticker := time.NewTicker(r.opts.JobHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(correlationID)
		}
	}
}

func (r *Runtime) beat(correlationID string) {
	r.mu.Lock()
	if _, ok := r.lastBeat[correlationID]; ok {
		r.lastBeat[correlationID] = time.Now().UTC()
	}
	r.mu.Unlock()
}

func (r *Runtime) runWithRecover(ctx context.Context, msg broker.Message) (result any, err error) {
	handler, lookupErr := r.registry.Lookup(msg.JobName)
	if lookupErr != nil {
		return nil, jobcore.Wrap(jobcore.KindPermanent, "no handler for job", lookupErr)
	}

	ctx = ctxutil.WithJobTrace(ctx, &ctxutil.JobTrace{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
		JobName:       msg.JobName,
		Attempt:       msg.Attempt,
	})

	done := make(chan struct{})
	jc := &JobContext{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
		JobName:       msg.JobName,
		JobVersion:    msg.JobVersion,
		Attempt:       msg.Attempt,
		Payload:       msg.JobData,
		heartbeat: func() {
			r.beat(msg.CorrelationID)
		},
		logf: func(level, message string, data any) {
			r.publishJobLog(ctx, msg, level, message, data)
		},
	}

	var res any
	var hErr error
	go func() {
		defer close(done)
		// The recover must live in the handler's own goroutine; a panic
		// here would otherwise take the whole worker process down.
		defer func() {
			if p := recover(); p != nil {
				hErr = fmt.Errorf("workerrt: handler panic: %v", p)
			}
		}()
		res, hErr = handler(ctx, jc)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return res, hErr
	}
}
