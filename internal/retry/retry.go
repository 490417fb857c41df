// Package retry computes backoff delays for failed occurrences and
// classifies failures so the scheduler knows whether to schedule another
// attempt or dead-letter immediately. Delays follow a jittered
// exponential curve so many simultaneously-failing occurrences don't
// retry in lockstep.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/jobcore"
)

// Policy configures the backoff curve applied between retry attempts.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
}

// DefaultPolicy is the retry curve used when a job carries no retry
// settings of its own.
var DefaultPolicy = Policy{
	InitialInterval: 2 * time.Second,
	MaxInterval:     5 * time.Minute,
	Multiplier:      2.0,
	MaxRetries:      5,
}

// NextDelay returns the delay before attempt+1 given the policy, using a
// jittered exponential backoff so many simultaneously-failing occurrences of
// different jobs don't retry in lockstep and thunder the dispatcher.
func NextDelay(p Policy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = p.MaxInterval
	}
	return d
}

// ShouldRetry reports whether attempt should be retried under p, given the
// failure's classification. Non-retryable classifications (permanent,
// poison-pill, zombie, crash) are never retried regardless of remaining
// budget.
func ShouldRetry(p Policy, attempt int, failure domain.FailureType) bool {
	if !failure.Retryable() {
		return false
	}
	return attempt < p.MaxRetries
}

// Retryable reports whether err is worth another attempt under p,
// delegating to the error's jobcore kind.
func (p Policy) Retryable(err error) bool {
	return Classify(err, false, false).Retryable()
}

// Classify maps an execution error onto the FailureType recorded on the
// occurrence row, via the error's jobcore kind. The timeout and crash
// flags take precedence because those outcomes are detected outside the
// handler's error value.
func Classify(err error, timedOut bool, workerCrashed bool) domain.FailureType {
	switch {
	case workerCrashed:
		return domain.FailureWorkerCrash
	case timedOut:
		return domain.FailureTimeout
	case err == nil:
		return domain.FailureTransient
	}
	switch jobcore.KindOf(err) {
	case jobcore.KindPermanent, jobcore.KindConfiguration:
		return domain.FailurePermanent
	case jobcore.KindPoisoned:
		return domain.FailurePoisonPill
	case jobcore.KindTimeout:
		return domain.FailureTimeout
	case jobcore.KindCanceled:
		return domain.FailureCanceled
	default:
		return domain.FailureTransient
	}
}
