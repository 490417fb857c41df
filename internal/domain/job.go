package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ConcurrencyPolicy controls what the dispatcher does when an occurrence
// becomes due while a previous occurrence of the same job is still running.
type ConcurrencyPolicy string

const (
	ConcurrencySkip  ConcurrencyPolicy = "skip"
	ConcurrencyQueue ConcurrencyPolicy = "queue"
)

// ScheduledJob is the durable definition of a recurring or one-shot unit of
// work. It owns a cron expression (or a single fire time for one-shot jobs)
// and the payload template handed to whichever worker handler claims it.
type ScheduledJob struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name     string    `gorm:"size:255;not null" json:"name"`
	JobType  string    `gorm:"size:255;not null;index" json:"job_type"`
	CronExpr string    `gorm:"size:255" json:"cron_expr,omitempty"`
	RunAt    *time.Time `json:"run_at,omitempty"`
	Timezone string    `gorm:"size:128;not null;default:UTC" json:"timezone"`

	Payload datatypes.JSON `json:"payload,omitempty"`

	Concurrency ConcurrencyPolicy `gorm:"size:32;not null;default:skip" json:"concurrency"`
	MaxRetries  int               `gorm:"not null;default:3" json:"max_retries"`
	TimeoutSec  int               `gorm:"not null;default:300" json:"timeout_sec"`

	// ZombieTimeoutMin bounds how long a dispatched occurrence of this job
	// may sit queued before the zombie sweep gives up on it; zero falls
	// back to the sweep's global default.
	ZombieTimeoutMin int `gorm:"not null;default:0" json:"zombie_timeout_min,omitempty"`

	// Version counts semantic revisions of the job definition. It is
	// bumped whenever the handler, payload or schedule changes and is
	// snapshotted onto every occurrence at dispatch so a run can always be
	// traced back to the definition it executed under.
	Version int `gorm:"not null;default:1" json:"version"`

	Active bool `gorm:"not null;default:true;index" json:"active"`

	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	AutoDisabled        bool       `gorm:"not null;default:false" json:"auto_disabled"`
	AutoDisabledAt       *time.Time `json:"auto_disabled_at,omitempty"`
	AutoDisabledReason   string     `gorm:"size:512" json:"auto_disabled_reason,omitempty"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ScheduledJob) TableName() string { return "scheduled_jobs" }

// IsOneShot reports whether the job fires exactly once at RunAt rather than
// on a recurring cron schedule.
func (j *ScheduledJob) IsOneShot() bool {
	return j.RunAt != nil && j.CronExpr == ""
}
