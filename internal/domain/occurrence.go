package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OccurrenceStatus is the occurrence lifecycle state machine. Valid forward
// transitions are enforced by internal/occurrence, not by the type itself.
type OccurrenceStatus string

const (
	OccurrenceQueued    OccurrenceStatus = "queued"
	OccurrenceRunning   OccurrenceStatus = "running"
	OccurrenceSucceeded OccurrenceStatus = "succeeded"
	OccurrenceFailed    OccurrenceStatus = "failed"
	OccurrenceCanceled  OccurrenceStatus = "canceled"
	OccurrenceTimedOut  OccurrenceStatus = "timed_out"
	OccurrenceUnknown   OccurrenceStatus = "unknown"
)

// Terminal reports whether a status is a final state no further transition
// should be applied on top of. Unknown is terminal: it records that the
// worker vanished mid-run and the true outcome can never be recovered, so
// nothing is allowed to rewrite it into a cleaner-looking state afterwards.
func (s OccurrenceStatus) Terminal() bool {
	switch s {
	case OccurrenceSucceeded, OccurrenceFailed, OccurrenceCanceled, OccurrenceTimedOut, OccurrenceUnknown:
		return true
	default:
		return false
	}
}

// TerminalStatuses is the full terminal set, in the order transitions are
// guarded against in internal/occurrence and internal/store.
var TerminalStatuses = []OccurrenceStatus{
	OccurrenceSucceeded,
	OccurrenceFailed,
	OccurrenceCanceled,
	OccurrenceTimedOut,
	OccurrenceUnknown,
}

// JobOccurrence is a single fire of a ScheduledJob: one row per scheduled
// tick (or manual trigger), carrying its own status, attempt count and
// timing independent of the job definition it was spawned from.
type JobOccurrence struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`

	Status   OccurrenceStatus `gorm:"size:32;not null;index" json:"status"`
	Attempt  int              `gorm:"not null;default:1" json:"attempt"`

	ScheduledFor time.Time `gorm:"not null;index" json:"scheduled_for"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`

	WorkerID string `gorm:"size:128;index" json:"worker_id,omitempty"`

	// JobVersion is the ScheduledJob.Version snapshot taken at dispatch.
	JobVersion int `gorm:"not null;default:1" json:"job_version"`

	// ZombieTimeoutMin is the per-occurrence override for the zombie
	// sweep's queued timeout, copied from the job at dispatch; zero means
	// the sweep's global default applies.
	ZombieTimeoutMin int `gorm:"not null;default:0" json:"zombie_timeout_min,omitempty"`

	Payload datatypes.JSON `json:"payload,omitempty"`
	Result  datatypes.JSON `json:"result,omitempty"`

	Error string `gorm:"type:text" json:"error,omitempty"`

	// FailureType is stamped together with a failing terminal status so the
	// retry engine never has to re-derive the classification from error
	// text.
	FailureType FailureType `gorm:"size:32" json:"failure_type,omitempty"`

	CorrelationID uuid.UUID `gorm:"type:uuid;not null;index" json:"correlation_id"`

	// FinalizedAt marks that terminal side effects (retry scheduling,
	// dead-lettering, failure accounting) have run for this occurrence.
	// Claimed atomically so a transition observed both synchronously and
	// by the finalizer poll is processed exactly once.
	FinalizedAt *time.Time `gorm:"index" json:"finalized_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (JobOccurrence) TableName() string { return "job_occurrences" }

// DurationMs derives the run duration in milliseconds from the start and
// finish stamps, or -1 when either is missing. Derived rather than stored
// so the two timestamps can never disagree with it.
func (o JobOccurrence) DurationMs() int64 {
	if o.StartedAt == nil || o.FinishedAt == nil {
		return -1
	}
	return o.FinishedAt.Sub(*o.StartedAt).Milliseconds()
}

// OccurrenceEvent is an append-only ledger entry recording every status
// transition an occurrence goes through.
type OccurrenceEvent struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	OccurrenceID uuid.UUID        `gorm:"type:uuid;not null;index" json:"occurrence_id"`
	Status       OccurrenceStatus `gorm:"size:32;not null" json:"status"`
	Message      string           `gorm:"type:text" json:"message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (OccurrenceEvent) TableName() string { return "job_occurrence_events" }

// OccurrenceLog is one structured log line a worker emitted while running
// an occurrence, delivered over the worker-logs queue and appended here in
// arrival order. The server-side CreatedAt stamp is authoritative for
// ordering.
type OccurrenceLog struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OccurrenceID uuid.UUID      `gorm:"type:uuid;not null;index" json:"occurrence_id"`
	WorkerID     string         `gorm:"size:128" json:"worker_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        string         `gorm:"size:16" json:"level"`
	Message      string         `gorm:"type:text" json:"message"`
	Data         datatypes.JSON `json:"data,omitempty"`
	Category     string         `gorm:"size:128" json:"category,omitempty"`
	ExceptionType string        `gorm:"size:255" json:"exception_type,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (OccurrenceLog) TableName() string { return "job_occurrence_logs" }

// FailureType classifies why an occurrence ended up in the dead letter
// store, distinguishing retryable transient errors from ones that should
// never be retried automatically.
type FailureType string

const (
	FailureTransient          FailureType = "transient"
	FailurePermanent          FailureType = "permanent"
	FailureTimeout            FailureType = "timeout"
	FailureWorkerCrash        FailureType = "worker_crash"
	FailurePoisonPill         FailureType = "poison_pill"
	FailureMaxRetries         FailureType = "max_retries_exceeded"
	FailureZombie             FailureType = "zombie"
	FailureCanceled           FailureType = "canceled"
	FailureExternalDependency FailureType = "external_dependency"
)

// Retryable reports whether a failure of this type is worth another
// attempt. Permanent classifications stay dead no matter how much retry
// budget remains.
func (f FailureType) Retryable() bool {
	switch f {
	case FailureTransient, FailureTimeout, FailureExternalDependency:
		return true
	default:
		return false
	}
}

// FailedOccurrence is the dead-letter record created once an occurrence has
// exhausted its retry budget or been classified as non-retryable. Resolved
// and its companions are the one mutation allowed after the fact: an
// operator acknowledging the failure.
type FailedOccurrence struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	OccurrenceID uuid.UUID   `gorm:"type:uuid;not null;index" json:"occurrence_id"`
	JobID        uuid.UUID   `gorm:"type:uuid;not null;index" json:"job_id"`
	FailureType  FailureType `gorm:"size:32;not null" json:"failure_type"`
	Attempt      int         `json:"attempt"`
	Error        string      `gorm:"type:text" json:"error,omitempty"`
	Payload      datatypes.JSON `json:"payload,omitempty"`
	Resolved       bool       `gorm:"not null;default:false;index" json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `gorm:"size:512" json:"resolution_note,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

func (FailedOccurrence) TableName() string { return "failed_occurrences" }
