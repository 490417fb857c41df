// Package ctxutil carries job-scoped identifiers through a context so
// handlers and the libraries they call can tag their own telemetry with
// the occurrence they are running under, without threading ids through
// every signature.
package ctxutil

import "context"

type jobTraceKey struct{}

// JobTrace identifies the occurrence a context is executing.
type JobTrace struct {
	CorrelationID string
	JobID         string
	JobName       string
	Attempt       int
}

// WithJobTrace binds jt to ctx; the worker runtime sets it before every
// handler invocation.
func WithJobTrace(ctx context.Context, jt *JobTrace) context.Context {
	return context.WithValue(ctx, jobTraceKey{}, jt)
}

// GetJobTrace returns the trace bound to ctx, or nil outside a job scope.
func GetJobTrace(ctx context.Context) *JobTrace {
	if jt, ok := ctx.Value(jobTraceKey{}).(*JobTrace); ok {
		return jt
	}
	return nil
}
