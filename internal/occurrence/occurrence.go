// Package occurrence implements the JobOccurrence state machine: the legal
// transitions out of the queued and running states into the terminal set,
// the append-only event and log ledgers, and a pluggable notification
// sink. Every transition funnels through a conditional update guarded on
// the legal predecessor states, so duplicates are accepted silently,
// terminal rows are immutable, and an illegal jump (e.g. succeeding an
// occurrence that never started) is rejected and logged as a state
// violation instead of applied. The EventSink interface is the whole
// notification contract: callers only ever need to know an occurrence was
// created or updated, not the transport used to tell anyone.
package occurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/jobcore"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/store"
)

// EventSink is notified on every occurrence creation and update. A no-op
// implementation is provided by NoopSink for tests and for binaries that
// don't need realtime push.
type EventSink interface {
	OccurrenceCreated(ctx context.Context, occ domain.JobOccurrence)
	OccurrenceUpdated(ctx context.Context, occ domain.JobOccurrence)
}

type noopSink struct{}

func (noopSink) OccurrenceCreated(context.Context, domain.JobOccurrence) {}
func (noopSink) OccurrenceUpdated(context.Context, domain.JobOccurrence) {}

// NoopSink is an EventSink that discards every notification.
var NoopSink EventSink = noopSink{}

// MultiSink fans a single notification out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) OccurrenceCreated(ctx context.Context, occ domain.JobOccurrence) {
	for _, s := range m {
		s.OccurrenceCreated(ctx, occ)
	}
}

func (m MultiSink) OccurrenceUpdated(ctx context.Context, occ domain.JobOccurrence) {
	for _, s := range m {
		s.OccurrenceUpdated(ctx, occ)
	}
}

// terminalStatuses is the disallowed set for updates that may land in any
// live state (heartbeats, publish stamps): once an occurrence is terminal,
// nothing may move it again.
var terminalStatuses = domain.TerminalStatuses

var (
	fromQueued        = []domain.OccurrenceStatus{domain.OccurrenceQueued}
	fromRunning       = []domain.OccurrenceStatus{domain.OccurrenceRunning}
	fromQueuedRunning = []domain.OccurrenceStatus{domain.OccurrenceQueued, domain.OccurrenceRunning}
)

// Machine drives occurrence transitions against the store and notifies sink
// of every change.
type Machine struct {
	store *store.Store
	sink  EventSink
	log   *logger.Logger
}

func New(s *store.Store, sink EventSink, log *logger.Logger) *Machine {
	if sink == nil {
		sink = NoopSink
	}
	return &Machine{store: s, sink: sink, log: log.With("component", "occurrence")}
}

// SetSink replaces the machine's sink. Observers like the retry engine are
// constructed around the machine itself, so wiring happens in two phases:
// build the machine, build the observers, then install the composed sink
// before any loop starts.
func (m *Machine) SetSink(sink EventSink) {
	if sink == nil {
		sink = NoopSink
	}
	m.sink = sink
}

// CreateParams describes a new occurrence. JobVersion and ZombieTimeoutMin
// are snapshots of the job definition at dispatch time.
type CreateParams struct {
	JobID            uuid.UUID
	ScheduledFor     time.Time
	Payload          []byte
	Attempt          int
	JobVersion       int
	ZombieTimeoutMin int
}

// Create persists a fresh queued occurrence, whose id doubles as the
// correlation id on every wire envelope, and notifies the sink. QueuedAt
// is left unset until MarkPublished confirms the broker accepted the
// message; the gap is what lets the retry redispatcher find occurrences
// that were scheduled for a future attempt but not yet put on the wire.
func (m *Machine) Create(dc dbctx.Context, p CreateParams) (*domain.JobOccurrence, error) {
	if p.Attempt < 1 {
		p.Attempt = 1
	}
	if p.JobVersion < 1 {
		p.JobVersion = 1
	}
	occ := &domain.JobOccurrence{
		ID:               uuid.New(),
		JobID:            p.JobID,
		Status:           domain.OccurrenceQueued,
		Attempt:          p.Attempt,
		ScheduledFor:     p.ScheduledFor,
		Payload:          p.Payload,
		JobVersion:       p.JobVersion,
		ZombieTimeoutMin: p.ZombieTimeoutMin,
	}
	occ.CorrelationID = occ.ID
	if err := m.store.CreateOccurrence(dc, occ); err != nil {
		return nil, fmt.Errorf("occurrence: create: %w", err)
	}
	if err := m.store.AppendEvent(dc, occ.ID, occ.Status, "occurrence queued"); err != nil {
		m.log.Warn("append event failed", "error", err)
	}
	m.sink.OccurrenceCreated(dc.Ctx, *occ)
	return occ, nil
}

// MarkPublished records that the occurrence's message was confirmed by the
// broker, stamping queued_at.
func (m *Machine) MarkPublished(dc dbctx.Context, id uuid.UUID) error {
	_, err := m.store.UpdateOccurrenceUnlessStatus(dc, id, terminalStatuses, map[string]interface{}{
		"queued_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("occurrence: mark published: %w", err)
	}
	return nil
}

// transition applies one guarded state change: the update lands only when
// the row is in one of allowedFrom. A no-op is silent when the row already
// carries the target (duplicate delivery) or any terminal status
// (immutable); any other current state is a state violation, logged and
// swallowed per the error-propagation rules.
func (m *Machine) transition(dc dbctx.Context, id uuid.UUID, target domain.OccurrenceStatus, allowedFrom []domain.OccurrenceStatus, updates map[string]interface{}, eventMsg string) error {
	n, err := m.store.UpdateOccurrenceIfStatus(dc, id, allowedFrom, updates)
	if err != nil {
		return fmt.Errorf("occurrence: %s: %w", target, err)
	}
	if n == 0 {
		cur, err := m.store.GetOccurrence(dc, id)
		if err != nil {
			return fmt.Errorf("occurrence: %s: reload: %w", target, err)
		}
		if cur.Status == target || cur.Status.Terminal() {
			return nil
		}
		violation := jobcore.E(jobcore.KindStateViolation, "illegal transition %s -> %s", cur.Status, target)
		m.log.Warn("transition rejected", "occurrence_id", id.String(), "from", string(cur.Status), "to", string(target), "error", violation)
		return nil
	}
	_ = m.store.AppendEvent(dc, id, target, eventMsg)
	m.notifyByID(dc, id)
	return nil
}

// Start transitions a queued occurrence to running, recording the worker
// that claimed it.
func (m *Machine) Start(dc dbctx.Context, id uuid.UUID, workerID string) error {
	now := time.Now().UTC()
	return m.transition(dc, id, domain.OccurrenceRunning, fromQueued, map[string]interface{}{
		"status":       domain.OccurrenceRunning,
		"started_at":   now,
		"heartbeat_at": now,
		"worker_id":    workerID,
	}, "occurrence started")
}

// Heartbeat refreshes heartbeat_at for a live occurrence, the signal the
// zombie sweep uses to distinguish a slow job from a dead worker.
func (m *Machine) Heartbeat(dc dbctx.Context, id uuid.UUID) error {
	_, err := m.store.UpdateOccurrenceUnlessStatus(dc, id, terminalStatuses, map[string]interface{}{
		"heartbeat_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("occurrence: heartbeat: %w", err)
	}
	return nil
}

// Succeed transitions a running occurrence to succeeded and stores result.
func (m *Machine) Succeed(dc dbctx.Context, id uuid.UUID, result []byte) error {
	return m.transition(dc, id, domain.OccurrenceSucceeded, fromRunning, map[string]interface{}{
		"status":      domain.OccurrenceSucceeded,
		"finished_at": time.Now().UTC(),
		"result":      result,
	}, "occurrence succeeded")
}

// Fail transitions a running (or queued, for dispatch-time and zombie
// failures) occurrence to failed, recording errMsg and the caller's
// classification. The retry engine observes the transition and decides
// separately whether a new attempt should be scheduled.
func (m *Machine) Fail(dc dbctx.Context, id uuid.UUID, errMsg string, failure domain.FailureType) error {
	if failure == "" {
		failure = domain.FailureTransient
	}
	return m.transition(dc, id, domain.OccurrenceFailed, fromQueuedRunning, map[string]interface{}{
		"status":       domain.OccurrenceFailed,
		"finished_at":  time.Now().UTC(),
		"error":        errMsg,
		"failure_type": failure,
	}, errMsg)
}

// TimeOut transitions a running occurrence to timed_out after its
// execution deadline elapsed. Distinct from Fail so the retry engine can
// classify it without parsing error text.
func (m *Machine) TimeOut(dc dbctx.Context, id uuid.UUID, reason string) error {
	return m.transition(dc, id, domain.OccurrenceTimedOut, fromRunning, map[string]interface{}{
		"status":       domain.OccurrenceTimedOut,
		"finished_at":  time.Now().UTC(),
		"error":        reason,
		"failure_type": domain.FailureTimeout,
	}, reason)
}

// MarkUnknown transitions a stale-running occurrence to unknown: the worker
// stopped heartbeating mid-run, so the true outcome is indeterminate.
// Unknown is terminal and carries the worker_crash failure type; the retry
// engine dead-letters it when it observes the transition.
func (m *Machine) MarkUnknown(dc dbctx.Context, id uuid.UUID, reason string) error {
	return m.transition(dc, id, domain.OccurrenceUnknown, fromRunning, map[string]interface{}{
		"status":       domain.OccurrenceUnknown,
		"finished_at":  time.Now().UTC(),
		"error":        reason,
		"failure_type": domain.FailureWorkerCrash,
	}, reason)
}

// Cancel transitions a queued or running occurrence to canceled.
func (m *Machine) Cancel(dc dbctx.Context, id uuid.UUID, reason string) error {
	return m.transition(dc, id, domain.OccurrenceCanceled, fromQueuedRunning, map[string]interface{}{
		"status":      domain.OccurrenceCanceled,
		"finished_at": time.Now().UTC(),
		"error":       reason,
	}, reason)
}

// AppendLog persists one worker log line for an occurrence. Logs attach to
// occurrences in any state: a line emitted just before a terminal status
// may arrive just after it.
func (m *Machine) AppendLog(dc dbctx.Context, entry *domain.OccurrenceLog) error {
	if err := m.store.AppendLog(dc, entry); err != nil {
		return fmt.Errorf("occurrence: append log: %w", err)
	}
	return nil
}

// Logs returns an occurrence's log lines in append order.
func (m *Machine) Logs(dc dbctx.Context, id uuid.UUID) ([]domain.OccurrenceLog, error) {
	return m.store.Logs(dc, id)
}

// History returns an occurrence's status-change ledger in append order.
func (m *Machine) History(dc dbctx.Context, id uuid.UUID) ([]domain.OccurrenceEvent, error) {
	return m.store.Events(dc, id)
}

func (m *Machine) notifyByID(dc dbctx.Context, id uuid.UUID) {
	occ, err := m.store.GetOccurrence(dc, id)
	if err != nil {
		m.log.Warn("notify: reload occurrence failed", "occurrence_id", id.String(), "error", err)
		return
	}
	m.sink.OccurrenceUpdated(dc.Ctx, *occ)
}
