// Package zombie periodically sweeps for occurrences stuck in a
// non-terminal state past a reasonable bound: queued occurrences that
// never got picked up, and running occurrences whose worker stopped
// heartbeating.
package zombie

import (
	"context"
	"fmt"
	"time"

	"github.com/northbridge-io/taskgrid/internal/domain"
	"github.com/northbridge-io/taskgrid/internal/occurrence"
	"github.com/northbridge-io/taskgrid/internal/platform/dbctx"
	"github.com/northbridge-io/taskgrid/internal/platform/logger"
	"github.com/northbridge-io/taskgrid/internal/store"
)

// RunningMarks is the KV surface the sweep needs: clearing a dead job's
// running marker so ConcurrencySkip doesn't suppress the next occurrence.
type RunningMarks interface {
	ClearRunning(ctx context.Context, jobID string) error
}

// Options configures staleness thresholds and sweep cadence.
type Options struct {
	SweepInterval      time.Duration
	QueuedTimeout      time.Duration
	RunningStaleAfter  time.Duration
	BatchSize          int
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.QueuedTimeout <= 0 {
		o.QueuedTimeout = 2 * time.Minute
	}
	if o.RunningStaleAfter <= 0 {
		o.RunningStaleAfter = 90 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
}

// Sweeper is the periodic zombie-occurrence detector. It transitions
// statuses and clears the running marker; dead-lettering and failure
// accounting are left to the retry engine, which observes the resulting
// terminal transitions, so the sweep and the normal failure path share
// one exit.
type Sweeper struct {
	opts  Options
	store *store.Store
	marks RunningMarks
	occ   *occurrence.Machine
	log   *logger.Logger
}

func New(opts Options, s *store.Store, marks RunningMarks, occ *occurrence.Machine, log *logger.Logger) *Sweeper {
	opts.setDefaults()
	return &Sweeper{opts: opts, store: s, marks: marks, occ: occ, log: log.With("component", "zombie")}
}

// Run blocks, sweeping every SweepInterval until ctx is canceled.
func (z *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(z.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := z.sweep(ctx); err != nil {
				z.log.Error("sweep failed", "error", err)
			}
		}
	}
}

func (z *Sweeper) sweep(ctx context.Context) error {
	dc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()

	// Candidates are fetched at the one-minute floor; the per-occurrence
	// timeout snapshot (or the global default) is applied in the loop, so a
	// job may tighten or loosen its own zombie bound without a schema-side
	// query change.
	floorCutoff := now.Add(-time.Minute)
	stuckQueued, err := z.store.StaleQueued(dc, floorCutoff, z.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("zombie: list stale queued: %w", err)
	}
	for _, occ := range stuckQueued {
		timeout := z.opts.QueuedTimeout
		if occ.ZombieTimeoutMin > 0 {
			timeout = time.Duration(occ.ZombieTimeoutMin) * time.Minute
		}
		if now.Sub(occ.ScheduledFor) <= timeout {
			continue
		}
		reason := fmt.Sprintf("queued for longer than %s without dispatch", timeout)
		if err := z.occ.Fail(dc, occ.ID, reason, domain.FailureZombie); err != nil {
			z.log.Warn("fail stale queued occurrence failed", "occurrence_id", occ.ID.String(), "error", err)
			continue
		}
		if z.marks != nil {
			_ = z.marks.ClearRunning(ctx, occ.JobID.String())
		}
	}

	runningDeadline := now.Add(-z.opts.RunningStaleAfter)
	stuckRunning, err := z.store.StaleRunning(dc, runningDeadline, z.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("zombie: list stale running: %w", err)
	}
	for _, occ := range stuckRunning {
		reason := fmt.Sprintf("no heartbeat for longer than %s", z.opts.RunningStaleAfter)
		if err := z.occ.MarkUnknown(dc, occ.ID, reason); err != nil {
			z.log.Warn("mark unknown failed", "occurrence_id", occ.ID.String(), "error", err)
			continue
		}
		if z.marks != nil {
			_ = z.marks.ClearRunning(ctx, occ.JobID.String())
		}
	}

	return nil
}
