// Package cronspec wraps robfig/cron's schedule parser behind the subset of
// semantics the dispatcher needs: validation up front, and the next N fire
// times from an arbitrary anchor, evaluated in a named IANA timezone.
package cronspec

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser is shared across all parses; it is safe for concurrent use.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// MinInterval is the shortest gap the dispatcher will honor between two
// occurrences of the same recurring job. Expressions that would fire more
// often than this are rejected by Validate.
const MinInterval = time.Second

// Schedule is a parsed, timezone-bound cron expression.
type Schedule struct {
	expr string
	loc  *time.Location
	sched cron.Schedule
}

// Parse validates expr (six-field, seconds-first, per robfig/cron/v3
// convention) and binds it to tz, defaulting to UTC when tz is empty.
func Parse(expr, tz string) (*Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cronspec: empty expression")
	}
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("cronspec: load timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronspec: parse %q: %w", expr, err)
	}
	s := &Schedule{expr: expr, loc: loc, sched: sched}
	if err := s.validateMinInterval(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate parses expr and tz without retaining the result; useful for API
// input validation before a ScheduledJob row is written.
func Validate(expr, tz string) error {
	_, err := Parse(expr, tz)
	return err
}

func (s *Schedule) validateMinInterval() error {
	now := time.Now().In(s.loc)
	first := s.sched.Next(now)
	second := s.sched.Next(first)
	if second.Sub(first) < MinInterval {
		return fmt.Errorf("cronspec: expression %q fires more often than the %s minimum", s.expr, MinInterval)
	}
	return nil
}

// Next returns the first fire time strictly after from, in the schedule's
// bound timezone.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.sched.Next(from.In(s.loc))
}

// NextN returns the next n fire times strictly after from.
func (s *Schedule) NextN(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		cur = s.Next(cur)
		out = append(out, cur)
	}
	return out
}

func (s *Schedule) String() string { return s.expr }

// Location returns the bound IANA timezone.
func (s *Schedule) Location() *time.Location { return s.loc }
