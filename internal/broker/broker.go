// Package broker is the RabbitMQ transport joining the scheduler and the
// worker fleet. One topic exchange carries all traffic: the scheduler
// publishes job messages routed by handler family, and workers publish
// status updates, structured logs, heartbeats and registrations onto their
// own durable queues. A fanout dead letter exchange backs the job queue and
// receives explicit dead-letter publishes for failures detected scheduler
// side. Publisher confirms are required on every publish; consumption is
// manual-ack with prefetch.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

const (
	JobsExchange = "jobs.topic"
	DLX          = "dlx_scheduled_jobs"

	// Queue topology. ScheduledJobsQueue is the only queue with dead-letter
	// wiring; the worker-originated queues hold envelopes whose loss is
	// recoverable from the worker outbox.
	ScheduledJobsQueue = "scheduled_jobs_queue"
	WorkerLogsQueue    = "worker_logs_queue"
	HeartbeatQueue     = "worker_heartbeat_queue"
	RegistrationQueue  = "worker_registration_queue"
	StatusUpdatesQueue = "job_status_updates_queue"
	FailedJobsQueue    = "failed_jobs_queue"

	// Routing keys bound on JobsExchange. Job messages use "job.<family>"
	// and the jobs queue binds the whole "job.#" space.
	JobsBindingPattern = "job.#"
	LogsRoutingKey     = "worker.logs"
	HeartbeatRoutingKey = "worker.heartbeat"
	RegistrationRoutingKey = "worker.registration"
	StatusRoutingKey   = "status.updates"
	FailedRoutingKey   = "failed_jobs"
)

// Message is the wire envelope published for every occurrence dispatch.
// The correlation id doubles as the occurrence id; the execution and
// zombie timeouts ride along so the consuming worker never needs a
// definition lookup.
type Message struct {
	JobID               string          `json:"jobId"`
	CorrelationID       string          `json:"correlationId"`
	JobName             string          `json:"jobName"`
	JobData             json.RawMessage `json:"jobData,omitempty"`
	JobVersion          int             `json:"jobVersion"`
	ExecutionTimeoutSec int             `json:"executionTimeoutSeconds,omitempty"`
	ZombieTimeoutMin    int             `json:"zombieTimeoutMinutes,omitempty"`
	Attempt             int             `json:"attempt"`
	PublishedAt         time.Time       `json:"publishedAt"`
}

// StatusUpdate is the envelope a worker publishes for every occurrence
// status transition.
type StatusUpdate struct {
	CorrelationID    string     `json:"correlationId"`
	JobID            string     `json:"jobId"`
	WorkerID         string     `json:"workerId"`
	Status           string     `json:"status"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	DurationMs       *int64     `json:"durationMs,omitempty"`
	Result           string     `json:"result,omitempty"`
	Exception        string     `json:"exception,omitempty"`
	FailureType      string     `json:"failureType,omitempty"`
	MessageTimestamp time.Time  `json:"messageTimestamp"`
}

// LogEntry is one structured log line inside a LogMessage.
type LogEntry struct {
	Timestamp     time.Time       `json:"timestamp"`
	Level         string          `json:"level"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	Category      string          `json:"category,omitempty"`
	ExceptionType string          `json:"exceptionType,omitempty"`
}

// LogMessage is the envelope carrying one occurrence log line.
type LogMessage struct {
	CorrelationID    string    `json:"correlationId"`
	WorkerID         string    `json:"workerId"`
	Log              LogEntry  `json:"log"`
	MessageTimestamp time.Time `json:"messageTimestamp"`
}

// HandlerRegistration describes one handler a worker instance offers.
type HandlerRegistration struct {
	Name                string `json:"name"`
	RoutingPattern      string `json:"routingPattern"`
	MaxParallelJobs     int    `json:"maxParallelJobs"`
	ExecutionTimeoutSec int    `json:"executionTimeoutSeconds,omitempty"`
	JobDataSchema       string `json:"jobDataSchema,omitempty"`
}

// Registration is published once when a worker instance starts.
type Registration struct {
	WorkerID   string                `json:"workerId"`
	InstanceID string                `json:"instanceId"`
	Handlers   []HandlerRegistration `json:"handlers"`
	Version    string                `json:"version,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
}

// JobHeartbeat reports one in-flight occurrence inside a Heartbeat.
type JobHeartbeat struct {
	CorrelationID string    `json:"correlationId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Heartbeat is the envelope a worker instance publishes on its heartbeat
// interval.
type Heartbeat struct {
	WorkerID        string         `json:"workerId"`
	InstanceID      string         `json:"instanceId"`
	CurrentJobs     int            `json:"currentJobs"`
	MaxParallelJobs int            `json:"maxParallelJobs"`
	Status          string         `json:"status"`
	Jobs            []JobHeartbeat `json:"jobs,omitempty"`
}

// DeadLetter is the envelope published onto the DLX when an occurrence is
// given up on, mirroring the FailedOccurrence row so DLQ consumers need no
// database access to triage.
type DeadLetter struct {
	OccurrenceID  string `json:"occurrenceId"`
	JobID         string `json:"jobId"`
	CorrelationID string `json:"correlationId"`
	FailureType   string `json:"failureType"`
	Attempt       int    `json:"attempt"`
	Error         string `json:"error,omitempty"`
}

// Broker owns the connection/channel pair and the topology it declares.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logger.Logger
}

// Options configures the broker connection and per-consumer prefetch.
type Options struct {
	URL      string
	Prefetch int
}

// New dials RabbitMQ, opens a channel, declares the exchange/queue
// topology, and sets the channel into confirm mode.
func New(ctx context.Context, opts Options, log *logger.Logger) (*Broker, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker: URL required")
	}
	conn, err := amqp.DialConfig(opts.URL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: enable confirms: %w", err)
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: set qos: %w", err)
	}

	b := &Broker{conn: conn, ch: ch, log: log.With("component", "broker")}
	if err := b.declareTopology(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) declareTopology() error {
	if err := b.ch.ExchangeDeclare(JobsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange: %w", err)
	}
	if err := b.ch.ExchangeDeclare(DLX, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx: %w", err)
	}
	if _, err := b.ch.QueueDeclare(FailedJobsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlq: %w", err)
	}
	if err := b.ch.QueueBind(FailedJobsQueue, FailedRoutingKey, DLX, false, nil); err != nil {
		return fmt.Errorf("broker: bind dlq: %w", err)
	}

	jobArgs := amqp.Table{"x-dead-letter-exchange": DLX}
	if _, err := b.ch.QueueDeclare(ScheduledJobsQueue, true, false, false, false, jobArgs); err != nil {
		return fmt.Errorf("broker: declare jobs queue: %w", err)
	}
	if err := b.ch.QueueBind(ScheduledJobsQueue, JobsBindingPattern, JobsExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind jobs queue: %w", err)
	}

	workerQueues := map[string]string{
		WorkerLogsQueue:    LogsRoutingKey,
		HeartbeatQueue:     HeartbeatRoutingKey,
		RegistrationQueue:  RegistrationRoutingKey,
		StatusUpdatesQueue: StatusRoutingKey,
	}
	for q, key := range workerQueues {
		if _, err := b.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", q, err)
		}
		if err := b.ch.QueueBind(q, key, JobsExchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %s: %w", q, err)
		}
	}
	return nil
}

// AllQueues lists every declared queue, for depth monitoring.
var AllQueues = []string{
	ScheduledJobsQueue,
	StatusUpdatesQueue,
	WorkerLogsQueue,
	HeartbeatQueue,
	RegistrationQueue,
	FailedJobsQueue,
}

// RoutingKeyForFamily maps a handler family (e.g. "report", "export") onto
// its job routing key. Empty families route to job.default.
func RoutingKeyForFamily(family string) string {
	if family == "" {
		return "job.default"
	}
	return "job." + family
}

// publish marshals body, sends it to exchange with routingKey, and waits
// for the broker's publisher confirm so callers know the message survived
// before they commit their own state.
func (b *Broker) publish(ctx context.Context, exchange, routingKey string, body []byte, correlationID string) error {
	confirm, err := b.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          body,
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", routingKey, err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("broker: wait for confirm on %s: %w", routingKey, err)
	}
	if !ok {
		return fmt.Errorf("broker: publish to %s nacked by broker", routingKey)
	}
	return nil
}

func (b *Broker) publishJSON(ctx context.Context, exchange, routingKey string, v any, correlationID string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: marshal %s envelope: %w", routingKey, err)
	}
	return b.publish(ctx, exchange, routingKey, body, correlationID)
}

// Publish sends a job message routed by routingKey.
func (b *Broker) Publish(ctx context.Context, routingKey string, msg Message) error {
	return b.publishJSON(ctx, JobsExchange, routingKey, msg, msg.CorrelationID)
}

// PublishStatusUpdate sends a status envelope onto the status queue.
func (b *Broker) PublishStatusUpdate(ctx context.Context, su StatusUpdate) error {
	return b.publishJSON(ctx, JobsExchange, StatusRoutingKey, su, su.CorrelationID)
}

// PublishLog sends one occurrence log line onto the worker-logs queue.
func (b *Broker) PublishLog(ctx context.Context, lm LogMessage) error {
	return b.publishJSON(ctx, JobsExchange, LogsRoutingKey, lm, lm.CorrelationID)
}

// PublishHeartbeat sends a worker instance heartbeat.
func (b *Broker) PublishHeartbeat(ctx context.Context, hb Heartbeat) error {
	return b.publishJSON(ctx, JobsExchange, HeartbeatRoutingKey, hb, "")
}

// PublishRegistration announces a worker instance and its handlers.
func (b *Broker) PublishRegistration(ctx context.Context, reg Registration) error {
	return b.publishJSON(ctx, JobsExchange, RegistrationRoutingKey, reg, "")
}

// PublishDeadLetter sends dl to the dead letter exchange directly, for
// failures detected scheduler-side (zombie sweeps, exhausted retries) where
// no broker delivery exists to nack.
func (b *Broker) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	return b.publishJSON(ctx, DLX, FailedRoutingKey, dl, dl.CorrelationID)
}

// PublishBody re-sends an already-marshaled envelope with routingKey, the
// path the worker outbox syncer uses to flush buffered envelopes without
// re-encoding them.
func (b *Broker) PublishBody(ctx context.Context, routingKey string, body []byte) error {
	return b.publish(ctx, JobsExchange, routingKey, body, "")
}

// Consume returns a delivery channel for queue with manual acknowledgement.
func (b *Broker) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return b.ch.ConsumeWithContext(ctx, queue, consumerTag, false, false, false, false, nil)
}

// QueueMessageCount returns the current ready-message depth of queue
// without binding a consumer, for queue-depth health checks.
func (b *Broker) QueueMessageCount(queue string) (int, error) {
	q, err := b.ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("broker: inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
