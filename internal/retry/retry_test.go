package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/jobcore"
)

func TestNextDelay_GrowsWithAttempt(t *testing.T) {
	p := Policy{InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2, MaxRetries: 5}
	d1 := NextDelay(p, 1)
	d3 := NextDelay(p, 3)
	assert.Greater(t, d3, d1)
	assert.LessOrEqual(t, d3, p.MaxInterval+p.MaxInterval/2)
}

func TestShouldRetry_RespectsMaxRetries(t *testing.T) {
	p := Policy{MaxRetries: 3}
	assert.True(t, ShouldRetry(p, 2, domain.FailureTransient))
	assert.False(t, ShouldRetry(p, 3, domain.FailureTransient))
}

func TestShouldRetry_NeverRetriesPermanentOrPoisonPill(t *testing.T) {
	p := Policy{MaxRetries: 10}
	assert.False(t, ShouldRetry(p, 0, domain.FailurePermanent))
	assert.False(t, ShouldRetry(p, 0, domain.FailurePoisonPill))
}

func TestClassify_PrecedenceOrder(t *testing.T) {
	assert.Equal(t, domain.FailureWorkerCrash, Classify(nil, true, true))
	assert.Equal(t, domain.FailureTimeout, Classify(nil, true, false))
	assert.Equal(t, domain.FailurePermanent, Classify(jobcore.E(jobcore.KindPermanent, "bad input"), false, false))
	assert.Equal(t, domain.FailurePoisonPill, Classify(jobcore.E(jobcore.KindPoisoned, "unparseable"), false, false))
	assert.Equal(t, domain.FailureCanceled, Classify(jobcore.E(jobcore.KindCanceled, "stop"), false, false))
	assert.Equal(t, domain.FailureTransient, Classify(errors.New("connection reset"), false, false))
}

func TestClassify_SeesKindThroughWrapping(t *testing.T) {
	inner := jobcore.Wrap(jobcore.KindPermanent, "schema mismatch", errors.New("field x"))
	wrapped := jobcore.Wrap(jobcore.KindPermanent, "bind payload", inner)
	assert.Equal(t, domain.FailurePermanent, Classify(wrapped, false, false))
}

func TestPolicyRetryable(t *testing.T) {
	p := Policy{MaxRetries: 3}
	assert.True(t, p.Retryable(errors.New("io timeout")))
	assert.False(t, p.Retryable(jobcore.E(jobcore.KindPermanent, "no")))
}
