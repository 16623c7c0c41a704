package registrator

import (
	"context"
	"sync"
	"time"

	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// Recovery results, used as metric labels and in PassSummary
const (
	RecoveryCommitted  = "committed"
	RecoveryRolledBack = "rolled_back"
	RecoveryInProgress = "in_progress"
	RecoveryFailed     = "failed"
	RecoveryAbandoned  = "abandoned"
	RecoveryCorrupt    = "corrupt"
	RecoveryNotDue     = "not_due"
	RecoveryBusy       = "busy"

	// RecoveryInterrupted means ctx ended the pass; no try is counted
	RecoveryInterrupted = "interrupted"
	// RecoveryQuarantineFailed means a corrupt marker could not be renamed
	// and is still active
	RecoveryQuarantineFailed = "quarantine_failed"
)

// PassSummary counts what one recovery pass did, by result
type PassSummary map[string]int

// RecoveryDriver resumes attempts that were handed over to recovery. Each
// pass walks the active markers; an attempt is examined at most once per
// retry period and quarantined once it used up its tries.
type RecoveryDriver struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRecoveryDriver creates a driver for the attempts of svc
func NewRecoveryDriver(svc *Service, interval time.Duration) *RecoveryDriver {
	if interval <= 0 {
		interval = svc.env.Policy.RecoveryRetryPeriod
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecoveryDriver{
		svc:      svc,
		interval: interval,
		logger:   log.WithComponent("recovery").With().Str("dropbox", svc.env.DropboxName).Logger(),
	}
}

// Start runs a pass immediately and then every interval until Stop
func (d *RecoveryDriver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(ctx, d.stopCh, d.doneCh)
	d.logger.Info().Dur("interval", d.interval).Msg("Recovery driver started")
}

// Stop ends the loop and waits for a running pass to finish
func (d *RecoveryDriver) Stop() {
	d.mu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	d.logger.Info().Msg("Recovery driver stopped")
}

func (d *RecoveryDriver) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Recovery pass failed")
		}
		select {
		case <-ticker.C:
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce examines every active marker once
func (d *RecoveryDriver) RunOnce(ctx context.Context) (PassSummary, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryPassDuration)

	markers, _, err := d.svc.env.Markers.List()
	if err != nil {
		return nil, err
	}

	summary := make(PassSummary)
	for _, marker := range markers {
		if ctx.Err() != nil {
			break
		}
		result := d.recover(ctx, marker)
		summary[result]++
		if result != RecoveryNotDue && result != RecoveryBusy && result != RecoveryInterrupted {
			metrics.RecoveryAttemptsTotal.WithLabelValues(result).Inc()
		}
	}

	if len(markers) > 0 {
		d.logger.Debug().Int("markers", len(markers)).Interface("results", summary).Msg("Recovery pass finished")
	}
	return summary, ctx.Err()
}

// recover examines one marker and returns what happened to it
func (d *RecoveryDriver) recover(ctx context.Context, marker string) string {
	env := d.svc.env
	name := checkpoint.IncomingNameOf(marker)
	if !env.Claims.TryClaim(name) {
		return RecoveryBusy
	}
	defer env.Claims.Release(name)

	logger := log.WithIncoming("recovery", name).With().Str("dropbox", env.DropboxName).Logger()

	cp, err := env.Markers.ExtractRecoveryCheckpoint(marker)
	if err != nil {
		if !checkpoint.ErrCorrupt.Has(err) {
			// the marker vanished, a live attempt finished it
			logger.Debug().Err(err).Msg("Cannot read recovery marker")
			return RecoveryBusy
		}
		errorMarker, qErr := env.Markers.Quarantine(marker)
		if qErr != nil {
			log.Notify().Err(errs.Combine(err, qErr)).
				Str("marker", marker).
				Msg("Recovery marker is corrupt and could not be quarantined, manual intervention required")
			return RecoveryQuarantineFailed
		}
		log.Notify().Err(err).
			Str("marker", marker).
			Str("error_marker", errorMarker).
			Msg("Recovery marker is corrupt and was quarantined, manual intervention required")
		return RecoveryCorrupt
	}

	logger = logger.With().Str("attempt", cp.AttemptID).Logger()
	if env.Markers.HasExhaustedRetries(cp) {
		d.giveUp(ctx, marker, cp, logger, nil)
		return RecoveryAbandoned
	}
	now := env.Now()
	if !env.Markers.IsDue(cp, now) {
		return RecoveryNotDue
	}

	if err := env.Journal.Retried(ctx, cp.AttemptID); err != nil {
		logger.Debug().Err(err).Msg("Failed to write registration journal")
	}
	logger.Info().
		Str("stage", string(cp.Stage)).
		Int("try", cp.TryCount+1).
		Int64("registration_id", int64(cp.RegistrationID)).
		Msg("Recovering registration")

	stack, err := cp.OpenStack()
	if err != nil {
		return d.failedTry(ctx, marker, cp, logger, err)
	}
	if err := stack.SetLocked(true); err != nil {
		return d.failedTry(ctx, marker, cp, logger, err)
	}

	runner := newRunner(env, d.svc.program, cp, stack, logger)
	runner.state = stateAt(cp.Stage)

	state := types.EntityOperationsSucceeded
	if cp.Stage.BeforeOrEqual(types.RecoveryStagePrecommit) {
		if !cp.RegistrationID.IsSet() {
			return d.failedTry(ctx, marker, cp, logger, Error.New("checkpoint has no registration id"))
		}
		state, err = env.Store.DidEntityOperationsSucceed(ctx, cp.RegistrationID)
		if err != nil {
			return d.failedTry(ctx, marker, cp, logger, err)
		}
	}

	switch state {
	case types.EntityOperationsSucceeded:
	case types.EntityOperationsInProgress:
		logger.Info().Msg("Registration still in progress, will check again")
		if err := env.Markers.UpdateTry(marker, cp, false, now); err != nil {
			logger.Warn().Err(err).Msg("Failed to update recovery marker")
		}
		return RecoveryInProgress

	case types.EntityOperationsNoOperation:
		runner.rollback(ctx, types.ErrorTypeOpenbisRegistrationFailure,
			Error.New("registration %d never reached the entity store", cp.RegistrationID))
		if runner.State() == types.RunnerStateInterrupted {
			return RecoveryInterrupted
		}
		d.finish(ctx, cp, logger, types.OutcomeRolledBack, runner.Cause())
		return RecoveryRolledBack

	default:
		return d.failedTry(ctx, marker, cp, logger,
			Error.New("unknown entity operations state %q for registration %d", state, cp.RegistrationID))
	}

	if cp.Stage.Before(types.RecoveryStagePostRegistrationHookExecuted) {
		runner.state = types.RunnerStateMetadataRegistered
		runner.PostRegistration(ctx)
	}
	if cp.Stage.Before(types.RecoveryStageStorageCompleted) {
		if !runner.CommitAndStore(ctx) {
			return d.failedTry(ctx, marker, cp, logger, runner.Cause())
		}
	}
	if !runner.CleanPrecommitAndConfirmStorage(ctx) {
		return d.failedTry(ctx, marker, cp, logger, runner.Cause())
	}

	d.finish(ctx, cp, logger, types.OutcomeCommitted, nil)
	return RecoveryCommitted
}

// failedTry records a failed recovery pass and gives up once the tries are
// used up. A pass cut short by ctx is not a try.
func (d *RecoveryDriver) failedTry(ctx context.Context, marker string, cp *checkpoint.Checkpoint, logger zerolog.Logger, cause error) string {
	env := d.svc.env
	if ctx.Err() != nil {
		logger.Info().Err(cause).Msg("Recovery interrupted, will try again")
		return RecoveryInterrupted
	}
	logger.Warn().Err(cause).Int("try", cp.TryCount+1).Msg("Recovery attempt failed")

	if err := env.Markers.UpdateTry(marker, cp, true, env.Now()); err != nil {
		logger.Error().Err(err).Msg("Failed to update recovery marker")
	}
	if env.Markers.HasExhaustedRetries(cp) {
		d.giveUp(ctx, marker, cp, logger, cause)
		return RecoveryAbandoned
	}
	return RecoveryFailed
}

// giveUp quarantines the marker. The incoming unit and whatever the attempt
// left in the store stay where they are for an operator to inspect.
func (d *RecoveryDriver) giveUp(ctx context.Context, marker string, cp *checkpoint.Checkpoint, logger zerolog.Logger, cause error) {
	env := d.svc.env
	errorMarker, err := env.Markers.Quarantine(marker)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to quarantine recovery marker")
		errorMarker = marker
	}

	log.Notify().
		Err(cause).
		Str("incoming", cp.Incoming.RealPath).
		Str("marker", errorMarker).
		Int("tries", cp.TryCount).
		Int64("registration_id", int64(cp.RegistrationID)).
		Msg("Giving up recovery, manual intervention required")

	if err := env.Faulty.Remove(cp.Incoming.RealPath); err != nil {
		logger.Warn().Err(err).Msg("Failed to update faulty paths")
	}
	d.finish(ctx, cp, logger, types.OutcomeAbandoned, cause)
}

func (d *RecoveryDriver) finish(ctx context.Context, cp *checkpoint.Checkpoint, logger zerolog.Logger, outcome types.Outcome, cause error) {
	metrics.RegistrationsTotal.WithLabelValues(string(outcome)).Inc()
	if err := d.svc.env.Journal.Finish(context.WithoutCancel(ctx), cp.AttemptID, outcome, cause); err != nil {
		logger.Debug().Err(err).Msg("Failed to write registration journal")
	}
	logger.Info().Str("outcome", string(outcome)).Msg("Recovery finished")
}

// stateAt is the runner state an attempt was in when it wrote stage
func stateAt(stage types.RecoveryStage) types.RunnerState {
	switch stage {
	case types.RecoveryStageStorageCompleted:
		return types.RunnerStateStorageCommitted
	case types.RecoveryStagePostRegistrationHookExecuted:
		return types.RunnerStatePostRegistrationHookExecuted
	default:
		return types.RunnerStateStaging
	}
}
