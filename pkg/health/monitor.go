package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// ErrNotReady is returned while at least one check fails
var ErrNotReady = errs.Class("not ready")

type monitoredCheck struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor runs a fixed set of named checks. The registration pipeline asks
// Ready before every call to the entity store; the background loop keeps
// the daemon's component health up to date for the HTTP API.
type Monitor struct {
	mu     sync.RWMutex
	checks []*monitoredCheck
	config Config
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewMonitor creates a monitor with no checks
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Monitor{
		config: cfg,
		logger: log.WithComponent("health"),
		stopCh: make(chan struct{}),
	}
}

// Add registers a named check
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, &monitoredCheck{
		name:    name,
		checker: checker,
		status:  &Status{},
	})
}

// Start runs the checks periodically until Stop is called
func (m *Monitor) Start() {
	go m.monitorLoop()
}

// Stop stops the background loop
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) monitorLoop() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	m.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll runs every check once, updates the per-check status and reports
// each result to the daemon health registry. A check that starts or stops
// failing is logged once.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Result {
	m.mu.RLock()
	checks := append([]*monitoredCheck(nil), m.checks...)
	m.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	for _, c := range checks {
		result := m.run(ctx, c)
		results[c.name] = result

		m.mu.Lock()
		failingSince := c.status.FailingSince
		changed := c.status.record(result)
		m.mu.Unlock()

		metrics.UpdateComponent(c.name, result.Healthy, result.Message)
		switch {
		case changed && !result.Healthy:
			m.logger.Warn().
				Str("check", c.name).
				Str("type", string(c.checker.Type())).
				Msg(result.Message)
		case changed:
			m.logger.Info().
				Str("check", c.name).
				Dur("failed_for", result.CheckedAt.Sub(failingSince)).
				Msg("Check passes again")
		case !result.Healthy:
			m.logger.Debug().Str("check", c.name).Msg(result.Message)
		}
	}
	return results
}

func (m *Monitor) run(ctx context.Context, c *monitoredCheck) Result {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()
	return c.checker.Check(checkCtx)
}

// Ready runs every check now and returns an ErrNotReady error naming the
// failing ones
func (m *Monitor) Ready(ctx context.Context) error {
	results := m.CheckAll(ctx)

	var failing []string
	for name, result := range results {
		if !result.Healthy {
			failing = append(failing, name+": "+result.Message)
		}
	}
	if len(failing) == 0 {
		return nil
	}
	sort.Strings(failing)
	return ErrNotReady.New("%s", strings.Join(failing, "; "))
}

// WaitUntilReady blocks until Ready succeeds or ctx is done, polling every
// pollInterval
func (m *Monitor) WaitUntilReady(ctx context.Context, pollInterval time.Duration) error {
	attempt := 0
	operation := func() error {
		err := m.Ready(ctx)
		if err != nil {
			attempt++
			if attempt == 1 {
				m.logger.Warn().Err(err).Msg("Waiting until the application is ready")
			}
		}
		return err
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ErrNotReady.Wrap(ctxErr)
		}
		return err
	}
	if attempt > 0 {
		m.logger.Info().Int("polls", attempt).Msg("Application is ready again")
	}
	return nil
}

// Statuses returns a copy of the status of every check
func (m *Monitor) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.checks))
	for _, c := range m.checks {
		out[c.name] = *c.status
	}
	return out
}
