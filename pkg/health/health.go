package health

import (
	"context"
	"time"
)

// CheckType names what a Checker inspects
type CheckType string

const (
	CheckTypeDirectory CheckType = "directory"
	CheckTypeDisk      CheckType = "disk"
	CheckTypeStore     CheckType = "store"
)

// Result is the outcome of one run of a check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker inspects one precondition of a registration
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config tunes a Monitor
type Config struct {
	// Interval is the time between background runs
	Interval time.Duration

	// Timeout bounds a single check
	Timeout time.Duration
}

// DefaultConfig runs the checks every 30s with a 10s timeout
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Status is what a Monitor remembers about one check. A check that has not
// run yet counts as passing.
type Status struct {
	LastResult Result

	// ConsecutiveFailures counts the failed runs since the last passing one
	ConsecutiveFailures int

	// FailingSince is when the current run of failures began, zero while the
	// check passes
	FailingSince time.Time
}

// Passing reports whether the last run passed
func (s Status) Passing() bool {
	return s.ConsecutiveFailures == 0
}

// record folds r into the status and reports whether Passing changed
func (s *Status) record(r Result) bool {
	was := s.Passing()
	s.LastResult = r
	if r.Healthy {
		s.ConsecutiveFailures = 0
		s.FailingSince = time.Time{}
	} else {
		if s.ConsecutiveFailures == 0 {
			s.FailingSince = r.CheckedAt
		}
		s.ConsecutiveFailures++
	}
	return was != s.Passing()
}

func timed(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
