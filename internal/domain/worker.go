package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the derived health of a worker instance, computed from the
// age of its last heartbeat rather than stored directly.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerInstance is one running worker process. Rows live in the KV registry
// (internal/kv, internal/fleet), not Postgres: instance state is ephemeral
// and tied to process lifetime, unlike job/occurrence definitions.
type WorkerInstance struct {
	InstanceID   uuid.UUID `json:"instance_id"`
	WorkerID     string    `json:"worker_id"`
	JobTypes     []string  `json:"job_types"`
	Prefetch     int       `json:"prefetch"`
	InFlight     int       `json:"in_flight"`
	Running      []string  `json:"running,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	HeartbeatAt  time.Time `json:"heartbeat_at"`
}

// DerivedStatus is a pure function of heartbeat age so the registry never
// needs a background reaper just to answer "is this worker alive".
func DerivedStatus(w WorkerInstance, now time.Time, staleAfter, offlineAfter time.Duration) WorkerStatus {
	age := now.Sub(w.HeartbeatAt)
	switch {
	case age > offlineAfter:
		return WorkerOffline
	case age > staleAfter:
		return WorkerStale
	default:
		return WorkerOnline
	}
}
