// Package fleet is the scheduler-side worker registry. Workers announce
// themselves on the registration queue and report load on the heartbeat
// queue; the consumer here folds both streams into TTL'd KV hashes (one
// per worker id, one per instance) and refreshes each in-flight
// occurrence's heartbeat stamp from the envelope's job list. Health is
// derived purely from heartbeat age, so the registry never needs its own
// reaper.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/northbridge-io/taskgrid/internal/broker"
	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/occurrence"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

// RegistryKV is the KV surface the consumer writes worker state into.
type RegistryKV interface {
	UpsertWorker(ctx context.Context, workerID string, fields map[string]interface{}, ttl time.Duration) error
	UpsertWorkerInstance(ctx context.Context, workerID, instanceID string, fields map[string]interface{}, ttl time.Duration) error
	WorkerInstances(ctx context.Context) ([]map[string]string, error)
}

// Deliveries is the broker surface the consumer reads envelopes from.
type Deliveries interface {
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Options configures registry TTLs and staleness thresholds. RegistryTTL
// should be a small multiple of the workers' heartbeat interval so a
// crashed instance ages out within a few missed beats.
type Options struct {
	RegistryTTL  time.Duration
	StaleAfter   time.Duration
	OfflineAfter time.Duration
}

func (o *Options) setDefaults() {
	if o.RegistryTTL <= 0 {
		o.RegistryTTL = 20 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Second
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = 30 * time.Second
	}
}

// Registry consumes worker registration and heartbeat envelopes and
// answers "which workers are alive and what can they run".
type Registry struct {
	opts   Options
	kv     RegistryKV
	broker Deliveries
	occ    *occurrence.Machine
	log    *logger.Logger
}

func New(opts Options, kvClient RegistryKV, b Deliveries, occ *occurrence.Machine, log *logger.Logger) *Registry {
	opts.setDefaults()
	return &Registry{opts: opts, kv: kvClient, broker: b, occ: occ, log: log.With("component", "fleet")}
}

// RunRegistrations blocks, recording worker registrations until ctx is
// canceled.
func (r *Registry) RunRegistrations(ctx context.Context) error {
	deliveries, err := r.broker.Consume(ctx, broker.RegistrationQueue, "taskgrid-registration-consumer")
	if err != nil {
		return fmt.Errorf("fleet: consume registrations: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := r.applyRegistration(ctx, d.Body); err != nil {
				r.log.Error("drop unusable registration", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// RunHeartbeats blocks, folding worker heartbeats into the registry and
// occurrence heartbeat stamps until ctx is canceled.
func (r *Registry) RunHeartbeats(ctx context.Context) error {
	deliveries, err := r.broker.Consume(ctx, broker.HeartbeatQueue, "taskgrid-heartbeat-consumer")
	if err != nil {
		return fmt.Errorf("fleet: consume heartbeats: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := r.applyHeartbeat(ctx, d.Body); err != nil {
				r.log.Error("drop unusable heartbeat", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *Registry) applyRegistration(ctx context.Context, body []byte) error {
	var reg broker.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return fmt.Errorf("unmarshal registration: %w", err)
	}
	if reg.WorkerID == "" || reg.InstanceID == "" {
		return fmt.Errorf("registration missing worker or instance id")
	}
	names := make([]string, 0, len(reg.Handlers))
	patterns := make([]string, 0, len(reg.Handlers))
	maxParallel := 0
	for _, h := range reg.Handlers {
		names = append(names, h.Name)
		patterns = append(patterns, h.RoutingPattern)
		if h.MaxParallelJobs > maxParallel {
			maxParallel = h.MaxParallelJobs
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.kv.UpsertWorker(ctx, reg.WorkerID, map[string]interface{}{
		"worker_id":        reg.WorkerID,
		"handlers":         strings.Join(names, ","),
		"routing_patterns": strings.Join(patterns, ","),
		"version":          reg.Version,
		"registered_at":    now,
	}, r.opts.RegistryTTL); err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	if err := r.kv.UpsertWorkerInstance(ctx, reg.WorkerID, reg.InstanceID, map[string]interface{}{
		"worker_id":    reg.WorkerID,
		"instance_id":  reg.InstanceID,
		"handlers":     strings.Join(names, ","),
		"max_parallel": strconv.Itoa(maxParallel),
		"started_at":   now,
		"heartbeat_at": now,
	}, r.opts.RegistryTTL); err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	r.log.Info("worker instance registered", "worker_id", reg.WorkerID, "instance_id", reg.InstanceID, "handlers", strings.Join(names, ","))
	return nil
}

func (r *Registry) applyHeartbeat(ctx context.Context, body []byte) error {
	var hb broker.Heartbeat
	if err := json.Unmarshal(body, &hb); err != nil {
		return fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	if hb.WorkerID == "" || hb.InstanceID == "" {
		return fmt.Errorf("heartbeat missing worker or instance id")
	}
	now := time.Now().UTC()
	running := make([]string, 0, len(hb.Jobs))
	for _, j := range hb.Jobs {
		running = append(running, j.CorrelationID)
	}
	if err := r.kv.UpsertWorkerInstance(ctx, hb.WorkerID, hb.InstanceID, map[string]interface{}{
		"worker_id":    hb.WorkerID,
		"instance_id":  hb.InstanceID,
		"in_flight":    strconv.Itoa(hb.CurrentJobs),
		"max_parallel": strconv.Itoa(hb.MaxParallelJobs),
		"status":       hb.Status,
		"running":      strings.Join(running, ","),
		"heartbeat_at": now.Format(time.RFC3339),
	}, r.opts.RegistryTTL); err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}

	// Each listed occurrence gets its heartbeat stamp refreshed so the
	// zombie sweep can tell a slow job from a dead worker.
	dc := dbctx.Context{Ctx: ctx}
	for _, j := range hb.Jobs {
		id, err := uuid.Parse(j.CorrelationID)
		if err != nil {
			r.log.Warn("skip job heartbeat with invalid correlation id", "correlation_id", j.CorrelationID)
			continue
		}
		if err := r.occ.Heartbeat(dc, id); err != nil {
			r.log.Warn("refresh occurrence heartbeat failed", "occurrence_id", j.CorrelationID, "error", err)
		}
	}
	return nil
}

// WorkerView pairs a worker instance with its derived health status.
type WorkerView struct {
	Instance domain.WorkerInstance
	Status   domain.WorkerStatus
}

// List returns every worker instance currently in the registry along with
// its derived status.
func (r *Registry) List(ctx context.Context) ([]WorkerView, error) {
	raw, err := r.kv.WorkerInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: list workers: %w", err)
	}
	now := time.Now().UTC()
	out := make([]WorkerView, 0, len(raw))
	for _, fields := range raw {
		w, err := parseInstance(fields)
		if err != nil {
			r.log.Warn("skip malformed worker record", "error", err)
			continue
		}
		out = append(out, WorkerView{
			Instance: w,
			Status:   domain.DerivedStatus(w, now, r.opts.StaleAfter, r.opts.OfflineAfter),
		})
	}
	return out, nil
}

func parseInstance(fields map[string]string) (domain.WorkerInstance, error) {
	id, err := uuid.Parse(fields["instance_id"])
	if err != nil {
		return domain.WorkerInstance{}, fmt.Errorf("invalid instance_id: %w", err)
	}
	maxParallel, _ := strconv.Atoi(fields["max_parallel"])
	inFlight, _ := strconv.Atoi(fields["in_flight"])
	started, _ := time.Parse(time.RFC3339, fields["started_at"])
	heartbeat, _ := time.Parse(time.RFC3339, fields["heartbeat_at"])

	var handlers []string
	if raw := fields["handlers"]; raw != "" {
		handlers = strings.Split(raw, ",")
	}
	var running []string
	if raw := fields["running"]; raw != "" {
		running = strings.Split(raw, ",")
	}

	return domain.WorkerInstance{
		InstanceID:  id,
		WorkerID:    fields["worker_id"],
		JobTypes:    handlers,
		Prefetch:    maxParallel,
		InFlight:    inFlight,
		Running:     running,
		StartedAt:   started,
		HeartbeatAt: heartbeat,
	}, nil
}
