// Package handlers holds the built-in job handlers every worker deployment
// ships with: an echo job for wiring smoke tests and a sleep job for load
// and cancellation drills. Service teams register their own handlers next
// to these in cmd/worker.
package handlers

import (
	"context"
	"time"

	"github.com/northbridge-io/taskgrid/internal/jobcore"
	"github.com/northbridge-io/taskgrid/internal/workerrt"
)

// Register installs the built-in handlers into reg.
func Register(reg *workerrt.Registry) {
	reg.Register("default", Echo)
	reg.Register("sleep", Sleep)
}

type echoPayload struct {
	Message string `json:"message"`
}

// Echo returns its payload message, proving the dispatch → consume → status
// round trip end to end.
func Echo(ctx context.Context, jc *workerrt.JobContext) (any, error) {
	var p echoPayload
	if err := jc.BindPayload(&p); err != nil {
		return nil, jobcore.Wrap(jobcore.KindPermanent, "invalid payload", err)
	}
	jc.Log("info", "echoing message", map[string]string{"message": p.Message})
	return map[string]string{"echo": p.Message}, nil
}

type sleepPayload struct {
	Duration string `json:"duration"`
}

// Sleep blocks for the requested duration, heartbeating once a second and
// returning early when the job is canceled or times out. Used to exercise
// concurrency policies, timeouts and the cancellation bus against a real
// broker.
func Sleep(ctx context.Context, jc *workerrt.JobContext) (any, error) {
	var p sleepPayload
	if err := jc.BindPayload(&p); err != nil {
		return nil, jobcore.Wrap(jobcore.KindPermanent, "invalid payload", err)
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil || d <= 0 {
		return nil, jobcore.E(jobcore.KindPermanent, "invalid duration %q", p.Duration)
	}

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return map[string]string{"slept": d.String()}, nil
		case <-tick.C:
			jc.Heartbeat()
		}
	}
}
