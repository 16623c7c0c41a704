package registrator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds every retry loop of the pipeline. The recovery values
// are enforced by the checkpoint manager; they live here so that one
// configuration section describes all of them.
type RetryPolicy struct {
	// ProcessMaxRetryCount is how often the same Process error may occur
	// before the attempt is rolled back
	ProcessMaxRetryCount int
	ProcessRetryPause    time.Duration

	// RegistrationMaxRetryCount is how often the same metadata registration
	// error may occur before the attempt is handed to recovery
	RegistrationMaxRetryCount int
	RegistrationRetryPause    time.Duration

	// RecoveryMaxRetryCount is the number of recovery passes before an
	// attempt is quarantined
	RecoveryMaxRetryCount int
	RecoveryRetryPeriod   time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ProcessMaxRetryCount:      6,
		ProcessRetryPause:         5 * time.Minute,
		RegistrationMaxRetryCount: 6,
		RegistrationRetryPause:    5 * time.Minute,
		RecoveryMaxRetryCount:     50,
		RecoveryRetryPeriod:       time.Minute,
	}
}

// constantBackOff paces a retry loop and stops it when ctx is done
func constantBackOff(ctx context.Context, pause time.Duration) backoff.BackOffContext {
	return backoff.WithContext(backoff.NewConstantBackOff(pause), ctx)
}

// wait sleeps for one step of b. It returns an error if ctx ended first.
func wait(ctx context.Context, b backoff.BackOff) error {
	next := b.NextBackOff()
	if next == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return Error.New("retry budget exhausted")
	}

	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DistinctErrors counts how often each distinct error message occurred. A
// retry limit applies to repetitions of the same failure, so a sequence of
// different transient errors does not exhaust it.
type DistinctErrors struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewDistinctErrors creates an empty collection
func NewDistinctErrors() *DistinctErrors {
	return &DistinctErrors{counts: make(map[string]int)}
}

// Add records err and returns how many times its message has been seen,
// including this time
func (d *DistinctErrors) Add(err error) int {
	if err == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[err.Error()]++
	return d.counts[err.Error()]
}
