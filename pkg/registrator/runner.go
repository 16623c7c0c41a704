package registrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/rollback"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// Runner drives one registration attempt through
//
//	STAGING -> METADATA_REGISTERED -> POST_REGISTRATION_HOOK_EXECUTED ->
//	STORAGE_COMMITTED -> STORAGE_CONFIRMED -> CLEANED_UP
//
// Failures before the metadata registration roll the attempt back. Failures
// after the PRECOMMIT checkpoint hand it to the recovery driver instead.
// A Runner is single-writer: it must not be used from several goroutines.
type Runner struct {
	env     *Environment
	program dropbox.Program
	cp      *checkpoint.Checkpoint
	stack   *rollback.Stack
	dc      *dropbox.Context
	logger  zerolog.Logger

	state   types.RunnerState
	errType types.ErrorType
	cause   error
}

func newRunner(env *Environment, program dropbox.Program, cp *checkpoint.Checkpoint, stack *rollback.Stack, logger zerolog.Logger) *Runner {
	if cp.Mutations == nil {
		cp.Mutations = &types.Mutations{}
	}
	if cp.RegistrationID.IsSet() {
		logger = log.WithRegistrationID(logger, int64(cp.RegistrationID))
	}
	return &Runner{
		env:     env,
		program: program,
		cp:      cp,
		stack:   stack,
		logger:  logger,
		state:   types.RunnerStateStaging,
		dc: &dropbox.Context{
			Incoming:       cp.Incoming,
			RegistrationID: cp.RegistrationID,
			DataSetCodes:   cp.Mutations.DataSetCodes(),
			PersistentMap:  cp.PersistentMap,
			Logger:         logger,
		},
	}
}

// State returns the current runner state
func (r *Runner) State() types.RunnerState { return r.state }

// Cause returns the error that ended the attempt early, if any
func (r *Runner) Cause() error { return r.cause }

// ErrorType returns why the attempt was rolled back
func (r *Runner) ErrorType() types.ErrorType { return r.errType }

// Outcome maps the runner state to the attempt outcome
func (r *Runner) Outcome() types.Outcome {
	switch r.state {
	case types.RunnerStateCleanedUp:
		return types.OutcomeCommitted
	case types.RunnerStateRolledBack:
		return types.OutcomeRolledBack
	case types.RunnerStateInterrupted:
		return types.OutcomeInterrupted
	default:
		return types.OutcomeRecoveryPending
	}
}

func (r *Runner) marker() string {
	return r.env.Markers.MarkerPath(r.cp.Incoming.Name)
}

func (r *Runner) journal(ctx context.Context, format string, args ...any) {
	if err := r.env.Journal.Log(ctx, r.cp.AttemptID, fmt.Sprintf(format, args...)); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to write registration journal")
	}
}

// Process runs the dropbox program, re-running it while the program asks for
// it and the same error has not occurred too often. Between runs the
// transaction is rolled back; the persistent map is carried over.
func (r *Runner) Process(ctx context.Context) bool {
	distinct := NewDistinctErrors()
	pause := constantBackOff(ctx, r.env.Policy.ProcessRetryPause)

	for {
		tr := newTransaction(ctx, r.env, r.stack, r.cp, r.dc)
		err := r.program.Process(ctx, tr)
		if err == nil {
			if r.cp.Mutations.IsEmpty() {
				r.rollback(ctx, types.ErrorTypeInvalidDataSet, Error.New("dropbox program registered nothing"))
				return false
			}
			r.journal(ctx, "Processed %d data sets", len(r.cp.Mutations.DataSets))
			return true
		}

		if dropbox.IsNotImplemented(err) {
			err = Error.New("dropbox program %s does not implement process", r.env.DropboxName)
		}
		if r.incomingDeleted() {
			r.rollback(ctx, types.ErrorTypeInvalidDataSet, ErrIncomingDeleted.Wrap(err))
			return false
		}

		count := distinct.Add(err)
		if count > r.env.Policy.ProcessMaxRetryCount || !r.shouldRetryProcessing(ctx, err) {
			r.rollback(ctx, types.ErrorTypeRegistrationScriptError, err)
			return false
		}

		r.logger.Warn().Err(err).Int("occurrence", count).Msg("Processing failed, will run the dropbox again")
		r.journal(ctx, "Processing failed (%d): %v", count, err)
		metrics.ProcessRetriesTotal.Inc()

		if rbErr := r.stack.RollbackAll(ctx, r.env.Undoer); rbErr != nil {
			r.rollback(ctx, types.ErrorTypeRegistrationScriptError, errs.Combine(err, rbErr))
			return false
		}
		r.cp.Mutations = &types.Mutations{}
		r.dc.DataSetCodes = nil

		if waitErr := wait(ctx, pause); waitErr != nil {
			r.rollback(ctx, types.ErrorTypeRegistrationScriptError, errs.Combine(err, waitErr))
			return false
		}
	}
}

func (r *Runner) shouldRetryProcessing(ctx context.Context, cause error) bool {
	retry, err := r.program.ShouldRetryProcessing(ctx, r.dc, cause)
	switch {
	case err == nil:
		return retry
	case dropbox.IsNotImplemented(err):
		return false
	default:
		metrics.HookFailuresTotal.WithLabelValues("should_retry_processing").Inc()
		r.logger.Error().Err(err).Msg("should_retry_processing failed, not retrying")
		return false
	}
}

// incomingDeleted reports whether the original incoming unit vanished while
// the attempt worked on a prestaged copy
func (r *Runner) incomingDeleted() bool {
	return r.cp.Incoming.IsPrestaged() && !fsops.Exists(r.cp.Incoming.RealPath)
}

// PrepareAndRun executes the live part of the attempt after Process. It
// returns true once the data is stored and confirmed.
func (r *Runner) PrepareAndRun(ctx context.Context) bool {
	if !r.precommit(ctx) {
		return false
	}
	if !r.preRegistration(ctx) {
		return false
	}
	if r.incomingDeleted() {
		r.rollback(ctx, types.ErrorTypeInvalidDataSet, ErrIncomingDeleted.New("%s", r.cp.Incoming.RealPath))
		return false
	}

	if err := r.env.Health.WaitUntilReady(ctx, r.env.Policy.RegistrationRetryPause); err != nil {
		r.rollback(ctx, types.ErrorTypeOpenbisRegistrationFailure, err)
		return false
	}
	id, err := r.env.Store.DrawRegistrationID(ctx)
	if err != nil {
		r.rollback(ctx, types.ErrorTypeOpenbisRegistrationFailure, err)
		return false
	}
	r.cp.RegistrationID = id
	r.dc.RegistrationID = id
	r.logger = log.WithRegistrationID(r.logger, int64(id))
	r.dc.Logger = r.logger
	if err := r.env.Journal.SetRegistrationID(ctx, r.cp.AttemptID, id); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to write registration journal")
	}
	r.journal(ctx, "About to register metadata with registration id %d", id)

	if err := r.checkpoint(types.RecoveryStagePrecommit); err != nil {
		r.rollback(ctx, types.ErrorTypeOpenbisRegistrationFailure, err)
		return false
	}

	if !r.registerWithRecovery(ctx) {
		return false
	}
	r.state = types.RunnerStateMetadataRegistered
	r.journal(ctx, "Metadata registered")

	r.PostRegistration(ctx)

	if !r.CommitAndStore(ctx) {
		return false
	}
	return r.CleanPrecommitAndConfirmStorage(ctx)
}

// precommit moves every staged data set to the precommit directory
func (r *Runner) precommit(ctx context.Context) bool {
	for _, ds := range r.cp.Mutations.DataSets {
		if err := r.precommitDataSet(ds); err != nil {
			r.rollback(ctx, types.ErrorTypeStorageProcessorError, err)
			return false
		}
	}
	return true
}

func (r *Runner) precommitDataSet(ds *types.NewDataSet) error {
	sums, err := fsops.ComputeTree(ds.StagingPath)
	if err != nil {
		return Error.New("data set %s: %v", ds.Code, err)
	}
	ds.Files = make(map[string]string, len(sums))
	for path, sum := range sums {
		ds.Files[path] = sum.SHA256
	}

	target := r.env.Layout.PrecommitPath(ds.Code)
	if _, err := r.stack.Push(rollback.KindMove, ds.StagingPath, target); err != nil {
		return err
	}
	return Error.Wrap(fsops.Move(ds.StagingPath, target))
}

func (r *Runner) preRegistration(ctx context.Context) bool {
	err := r.program.PreMetadataRegistration(ctx, r.dc)
	if err == nil || dropbox.IsNotImplemented(err) {
		return true
	}
	metrics.HookFailuresTotal.WithLabelValues("pre_metadata_registration").Inc()
	r.rollback(ctx, types.ErrorTypePreRegistrationError, err)
	return false
}

// registerWithRecovery sends the metadata to the entity store. After an
// error it asks the store what happened to the registration id: IN_PROGRESS
// waits, OPERATION_SUCCEEDED is success, NO_OPERATION retries until the
// same error was seen more than RegistrationMaxRetryCount times.
func (r *Runner) registerWithRecovery(ctx context.Context) bool {
	distinct := NewDistinctErrors()
	pause := constantBackOff(ctx, r.env.Policy.RegistrationRetryPause)

	state := types.EntityOperationsNoOperation
	var problem error
	count := 0

	for {
		if err := r.env.Health.WaitUntilReady(ctx, r.env.Policy.RegistrationRetryPause); err != nil {
			r.markReadyForRecovery(ctx, errs.Combine(problem, err))
			return false
		}

		if state == types.EntityOperationsNoOperation {
			err := r.env.Store.RegisterMetadata(ctx, r.cp.RegistrationID, r.cp.Mutations)
			if err == nil {
				return true
			}
			r.logger.Error().Err(err).Msg("Error registering metadata in the application server")
			r.journal(ctx, "Error registering metadata: %v", err)

			problem = err
			count = distinct.Add(err)
			if !errors.Is(err, remote.ErrDuplicateRegistration) && !r.env.Markers.CanRecoverFromError(err) {
				r.rollback(ctx, types.ErrorTypeOpenbisRegistrationFailure, err)
				return false
			}
		}

		var err error
		state, err = r.checkOperationsSucceeded(ctx)
		if err != nil {
			r.markReadyForRecovery(ctx, errs.Combine(problem, err))
			return false
		}
		r.logger.Debug().Str("state", string(state)).Msg("Registration status")

		switch state {
		case types.EntityOperationsSucceeded:
			return true
		case types.EntityOperationsInProgress:
			r.logger.Debug().Msg("Registration is in progress, waiting until it is done")
		default:
			if count > r.env.Policy.RegistrationMaxRetryCount {
				r.logger.Warn().Int("occurrence", count).Msg("The same error happened too often, stopping registration")
				r.markReadyForRecovery(ctx, problem)
				return false
			}
			r.logger.Debug().
				Int("occurrence", count).
				Dur("pause", r.env.Policy.RegistrationRetryPause).
				Msg("Will retry the registration")
		}

		if err := wait(ctx, pause); err != nil {
			r.markReadyForRecovery(ctx, errs.Combine(problem, err))
			return false
		}
	}
}

// checkOperationsSucceeded asks the store about the registration id until
// it answers, ctx is done or the store fails with a non-transient error
func (r *Runner) checkOperationsSucceeded(ctx context.Context) (types.EntityOperationsState, error) {
	operation := func() (types.EntityOperationsState, error) {
		state, err := r.env.Store.DidEntityOperationsSucceed(ctx, r.cp.RegistrationID)
		if err != nil && !r.env.Markers.CanRecoverFromError(err) {
			return "", backoff.Permanent(err)
		}
		return state, err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Debug().Err(err).Dur("retry_in", next).
			Msg("Cannot check the registration status, the application server is probably down")
	}
	return backoff.RetryNotifyWithData(operation,
		constantBackOff(ctx, r.env.Policy.RegistrationRetryPause), notify)
}

// PostRegistration runs the post-registration hook. The metadata is already
// committed, so a failing hook is only logged.
func (r *Runner) PostRegistration(ctx context.Context) {
	err := r.program.PostMetadataRegistration(ctx, r.dc)
	if err != nil && !dropbox.IsNotImplemented(err) {
		metrics.HookFailuresTotal.WithLabelValues("post_metadata_registration").Inc()
		r.logger.Error().Err(err).Msg("Post-registration hook failed, the registration is kept")
		r.journal(ctx, "Post-registration hook failed: %v", err)
	}
	r.state = types.RunnerStatePostRegistrationHookExecuted

	if err := r.checkpoint(types.RecoveryStagePostRegistrationHookExecuted); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to checkpoint the post-registration hook")
	}
}

// CommitAndStore moves every data set from precommit to its final store
// location. Data sets already in the store are skipped, so the call can be
// repeated after a crash. It returns false after handing the attempt to
// recovery.
func (r *Runner) CommitAndStore(ctx context.Context) bool {
	for _, ds := range r.cp.Mutations.DataSets {
		if err := r.storeDataSet(ds); err != nil {
			r.logger.Error().Err(err).Str("data_set", ds.Code).Msg("Error while storing committed data set")
			r.markReadyForRecovery(ctx, err)
			return false
		}
	}
	r.state = types.RunnerStateStorageCommitted
	r.journal(ctx, "Data has been moved to the final store")

	if err := r.checkpoint(types.RecoveryStageStorageCompleted); err != nil {
		r.markReadyForRecovery(ctx, err)
		return false
	}
	return true
}

func (r *Runner) storeDataSet(ds *types.NewDataSet) error {
	src := r.env.Layout.PrecommitPath(ds.Code)
	dst := r.env.Layout.StorePath(ds.Code)

	srcExists, dstExists := fsops.Exists(src), fsops.Exists(dst)
	switch {
	case dstExists && !srcExists:
		return nil
	case !srcExists:
		return Error.New("data set %s is neither in precommit nor in the store", ds.Code)
	case dstExists:
		// an interrupted cross-device move left a partial copy
		if err := fsops.RemoveAll(dst); err != nil {
			return Error.Wrap(err)
		}
	}

	if _, err := fsops.MkdirAll(filepath.Dir(dst)); err != nil {
		return Error.Wrap(err)
	}
	if err := r.record(rollback.KindMove, src, dst); err != nil {
		return err
	}
	return Error.Wrap(fsops.Move(src, dst))
}

// CleanPrecommitAndConfirmStorage removes what is left in staging and
// precommit, confirms storage with the entity store, runs the post-storage
// hook, removes the incoming unit and retires the marker. Every path is
// derived from data set codes or the checkpoint, so repeating the call is
// safe.
func (r *Runner) CleanPrecommitAndConfirmStorage(ctx context.Context) bool {
	for _, ds := range r.cp.Mutations.DataSets {
		for _, path := range []string{r.env.Layout.StagingPath(ds.Code), r.env.Layout.PrecommitPath(ds.Code)} {
			if err := fsops.RemoveAll(path); err != nil {
				r.logger.Warn().Err(err).Str("path", path).Msg("Failed to clean up")
			}
		}
	}

	if err := r.env.Health.WaitUntilReady(ctx, r.env.Policy.RegistrationRetryPause); err != nil {
		r.markReadyForRecovery(ctx, err)
		return false
	}
	for _, code := range r.cp.Mutations.DataSetCodes() {
		ok, err := r.env.Store.ConfirmStorage(ctx, code)
		if err == nil && !ok {
			err = Error.New("storage of %s was not confirmed", code)
		}
		if err != nil {
			r.logger.Error().Err(err).Str("data_set", code).Msg("Failed to confirm storage")
			r.markReadyForRecovery(ctx, err)
			return false
		}
	}
	r.state = types.RunnerStateStorageConfirmed

	// the incoming unit goes before the marker: without a marker a leftover
	// unit would be registered again
	r.finishCommitted(ctx)

	if err := r.env.Markers.RegistrationCompleted(r.marker()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to delete recovery marker")
	}
	if err := r.stack.Discard(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to discard rollback stack")
	}
	r.state = types.RunnerStateCleanedUp
	r.logger.Info().
		Strs("data_sets", r.cp.Mutations.DataSetCodes()).
		Msg("Successfully registered data sets")
	return true
}

// finishCommitted runs the post-storage hook and removes the incoming unit
func (r *Runner) finishCommitted(ctx context.Context) {
	err := r.program.PostStorage(ctx, r.dc)
	if err != nil && !dropbox.IsNotImplemented(err) {
		metrics.HookFailuresTotal.WithLabelValues("post_storage").Inc()
		r.logger.Error().Err(err).Msg("Post-storage hook failed")
		r.journal(ctx, "Post-storage hook failed: %v", err)
	}

	incoming := r.cp.Incoming
	paths := []string{incoming.RealPath, fsops.IsFinishedMarker(incoming.RealPath)}
	if incoming.IsPrestaged() {
		paths = append(paths, incoming.LogicalPath)
	}
	for _, path := range paths {
		if err := fsops.RemoveAll(path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove incoming unit")
		}
	}
}

// record pushes an entry unless the stack is locked. Once an attempt has
// been handed to recovery its stack only changes by rolling back.
func (r *Runner) record(kind rollback.Kind, source, target string) error {
	if r.stack.IsLocked() {
		return nil
	}
	_, err := r.stack.Push(kind, source, target)
	return err
}

func (r *Runner) checkpoint(stage types.RecoveryStage) error {
	r.cp.Rollback = checkpoint.SnapshotStack(r.stack)
	return r.env.Markers.WriteCheckpoint(r.cp, stage)
}

// markReadyForRecovery freezes the attempt as it is. The stack is locked and
// the marker rewritten; the recovery driver takes it from here.
func (r *Runner) markReadyForRecovery(ctx context.Context, cause error) {
	r.cause = cause
	if err := r.stack.SetLocked(true); err != nil {
		r.logger.Error().Err(err).Msg("Failed to lock rollback stack")
	}

	stage := r.cp.Stage
	if !stage.Valid() {
		stage = types.RecoveryStagePrecommit
	}
	if err := r.checkpoint(stage); err != nil {
		r.logger.Error().Err(err).Msg("Failed to write recovery checkpoint")
	}

	r.state = types.RunnerStateRecoveryPending
	r.logger.Warn().Err(cause).Str("stage", string(stage)).Msg("Registration handed over to recovery")
	r.journal(ctx, "Registration handed over to recovery at %s: %v", stage, cause)
}

// abort stops the attempt as it is because ctx is done. Without a marker
// the unlocked stack is rolled back by CleanupDeadAttempts at the next
// start; with one the recovery driver decides.
func (r *Runner) abort(ctx context.Context, cause error) {
	r.cause = cause
	r.state = types.RunnerStateInterrupted
	r.logger.Warn().
		Err(cause).
		AnErr("ctx", ctx.Err()).
		Bool("marker", r.env.Markers.HasActiveMarker(r.cp.Incoming.Name)).
		Msg("Registration interrupted, leaving it for cleanup")
}

// rollback undoes the attempt, runs the rollback hook, deals with the
// incoming unit and retires marker and stack. A stack whose undo failed is
// kept, unlocked, so CleanupDeadAttempts retries it at the next start.
func (r *Runner) rollback(ctx context.Context, errType types.ErrorType, cause error) {
	if ctx.Err() != nil {
		r.abort(ctx, cause)
		return
	}
	r.errType = errType
	r.cause = cause

	event := r.logger.Error()
	if ErrIncomingDeleted.Has(cause) {
		event = r.logger.Info()
	}
	event.Err(cause).Str("error_type", string(errType)).Msg("Rolling back registration")
	r.journal(ctx, "Rolling back (%s): %v", errType, cause)

	undone := true
	if err := r.stack.RollbackAll(ctx, r.env.Undoer); err != nil {
		undone = false
		r.logger.Error().Err(err).Msg("Rollback was incomplete, the rest is retried at the next start")
	}

	err := r.program.RollbackPreRegistration(ctx, r.dc, cause)
	if err != nil && !dropbox.IsNotImplemented(err) {
		metrics.HookFailuresTotal.WithLabelValues("rollback_pre_registration").Inc()
		r.logger.Error().Err(err).Msg("Rollback hook failed")
	}

	r.applyUnstoreAction(errType)

	if undone {
		if err := r.stack.Discard(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to discard rollback stack")
		}
	} else if err := r.stack.SetLocked(false); err != nil {
		r.logger.Error().Err(err).Msg("Failed to unlock rollback stack")
	}
	if err := r.env.Markers.RegistrationCompleted(r.marker()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to delete recovery marker")
	}

	r.state = types.RunnerStateRolledBack
	metrics.RollbacksTotal.WithLabelValues(string(errType)).Inc()
}

// applyUnstoreAction decides the fate of the original incoming unit after a
// rollback
func (r *Runner) applyUnstoreAction(errType types.ErrorType) {
	incoming := r.cp.Incoming
	if incoming.IsPrestaged() {
		if err := fsops.RemoveAll(incoming.LogicalPath); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to remove prestaged copy")
		}
	}
	if !fsops.Exists(incoming.RealPath) {
		return
	}

	action, ok := r.env.OnError[errType]
	if !ok {
		action = types.UnstoreLeaveUntouched
	}

	var err error
	switch action {
	case types.UnstoreMoveToError:
		target := r.env.Layout.ErrorPath(incoming.Name)
		if fsops.Exists(target) {
			target = r.env.Layout.ErrorPath(incoming.Name + "." + r.cp.AttemptID)
		}
		if err = fsops.Move(incoming.RealPath, target); err == nil {
			err = fsops.RemoveAll(fsops.IsFinishedMarker(incoming.RealPath))
		}
	case types.UnstoreDelete:
		if err = fsops.RemoveAll(incoming.RealPath); err == nil {
			err = fsops.RemoveAll(fsops.IsFinishedMarker(incoming.RealPath))
		}
	default:
		err = r.env.Faulty.Add(incoming.RealPath)
	}

	if err != nil {
		r.logger.Error().Err(err).Str("action", string(action)).Msg("Failed to apply unstore action")
		return
	}
	r.logger.Info().Str("action", string(action)).Msg("Applied unstore action to incoming unit")
}
