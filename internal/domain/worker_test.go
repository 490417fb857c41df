package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDerivedStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stale, offline := 15*time.Second, 30*time.Second

	cases := []struct {
		name string
		age  time.Duration
		want WorkerStatus
	}{
		{"fresh", 2 * time.Second, WorkerOnline},
		{"just under stale", 14 * time.Second, WorkerOnline},
		{"stale", 20 * time.Second, WorkerStale},
		{"offline", 45 * time.Second, WorkerOffline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := WorkerInstance{HeartbeatAt: now.Add(-tc.age)}
			assert.Equal(t, tc.want, DerivedStatus(w, now, stale, offline))
		})
	}
}

func TestScheduledJob_IsOneShot(t *testing.T) {
	runAt := time.Now()
	oneShot := ScheduledJob{RunAt: &runAt}
	recurring := ScheduledJob{CronExpr: "0 0 * * * *"}
	assert.True(t, oneShot.IsOneShot())
	assert.False(t, recurring.IsOneShot())
}
