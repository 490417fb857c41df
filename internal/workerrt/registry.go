// Package workerrt is the worker-side consumer runtime: a handler registry
// keyed by job type, and a prefetch-bounded executor that pulls broker
// deliveries, deserializes typed payloads, runs the matching handler under
// a per-job timeout and cancellation token, and acks/nacks based on the
// outcome.
package workerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler processes one occurrence's payload and returns a JSON-serializable
// result, or an error. Handlers must respect ctx cancellation promptly: the
// executor cancels ctx both on per-job timeout and on an incoming
// cancellation-bus message for this occurrence.
type Handler func(ctx context.Context, jc *JobContext) (result any, err error)

// JobContext is handed to every Handler invocation. The correlation id is
// the occurrence's identity on every envelope the handler's run produces.
type JobContext struct {
	CorrelationID string
	JobID         string
	JobName       string
	JobVersion    int
	Attempt       int
	Payload       json.RawMessage

	heartbeat func()
	logf      func(level, message string, data any)
}

// Heartbeat refreshes the occurrence's heartbeat stamp; long-running
// handlers should call it periodically so the zombie sweep doesn't mistake
// them for a crashed worker. Safe to call on a bare JobContext.
func (jc *JobContext) Heartbeat() {
	if jc.heartbeat != nil {
		jc.heartbeat()
	}
}

// Log emits one structured log line for this occurrence, delivered to the
// scheduler over the worker-logs queue (tee'd through the outbox when the
// broker is down). data may be nil. Safe to call on a bare JobContext.
func (jc *JobContext) Log(level, message string, data any) {
	if jc.logf != nil {
		jc.logf(level, message, data)
	}
}

// BindPayload unmarshals jc.Payload into dst.
func (jc *JobContext) BindPayload(dst any) error {
	if len(jc.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(jc.Payload, dst)
}

// Registry maps job types to handlers. Safe for concurrent use: handlers
// are typically registered once at startup and read concurrently by many
// consumer goroutines afterward.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds jobName to handler, replacing any existing binding.
func (r *Registry) Register(jobName string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobName] = handler
}

// Lookup returns the handler bound to jobName, or an error if none is
// registered — a poison-pill candidate the caller should classify as
// permanent rather than retry indefinitely.
func (r *Registry) Lookup(jobName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobName]
	if !ok {
		return nil, fmt.Errorf("workerrt: no handler registered for job %q", jobName)
	}
	return h, nil
}

// JobTypes returns every job name this registry has a handler for, used to
// build the registration envelope.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
