package registrator

import (
	"context"
	"time"

	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/rollback"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/zeebo/errs"
)

var (
	// Error is the error class for registration failures
	Error = errs.Class("registration")

	// ErrIncomingDeleted is the cause recorded when the incoming unit
	// disappeared before its metadata was registered
	ErrIncomingDeleted = errs.Class("incoming deleted before registration")

	// ErrOwned is returned when another attempt owns the incoming unit
	ErrOwned = errs.Class("incoming unit owned by another attempt")
)

// Readiness blocks until the application can accept registrations
type Readiness interface {
	WaitUntilReady(ctx context.Context, pollInterval time.Duration) error
}

// FaultyPaths is the operator-editable list of incoming paths that are not
// picked up automatically
type FaultyPaths interface {
	Add(path string) error
	Remove(path string) error
}

// Journal records the history of each attempt for operators
type Journal interface {
	Begin(ctx context.Context, attemptID, incoming, dropbox string) error
	SetRegistrationID(ctx context.Context, attemptID string, id types.RegistrationID) error
	Log(ctx context.Context, attemptID, message string) error
	Retried(ctx context.Context, attemptID string) error
	Finish(ctx context.Context, attemptID string, outcome types.Outcome, cause error) error
}

// Environment holds everything an attempt needs. It is built once by the
// daemon and passed to the service and the recovery driver.
type Environment struct {
	DropboxName string
	Layout      fsops.Layout
	Store       remote.EntityStore
	Markers     *checkpoint.Manager
	Health      Readiness
	Policy      RetryPolicy
	OnError     map[types.ErrorType]types.UnstoreDataAction
	Faulty      FaultyPaths
	Journal     Journal
	Undoer      rollback.Undoer
	Claims      *Claims

	// Now is the clock used for recovery bookkeeping
	Now func() time.Time
}

func (e *Environment) setDefaults() {
	if e.Health == nil {
		e.Health = alwaysReady{}
	}
	if e.Journal == nil {
		e.Journal = nopJournal{}
	}
	if e.Faulty == nil {
		e.Faulty = nopFaultyPaths{}
	}
	if e.Undoer == nil {
		e.Undoer = rollback.FileUndoer{}
	}
	if e.Claims == nil {
		e.Claims = NewClaims()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.OnError == nil {
		e.OnError = DefaultOnError()
	}
}

func (e *Environment) validate() error {
	switch {
	case e.DropboxName == "":
		return Error.New("dropbox name is required")
	case e.Store == nil:
		return Error.New("entity store is required")
	case e.Markers == nil:
		return Error.New("recovery marker manager is required")
	case e.Layout.Staging == "" || e.Layout.Precommit == "" || e.Layout.Store == "" || e.Layout.Tmp == "":
		return Error.New("staging, precommit, store and tmp directories are required")
	}
	return nil
}

// DefaultOnError returns what happens to the incoming unit after a rollback,
// per error type
func DefaultOnError() map[types.ErrorType]types.UnstoreDataAction {
	return map[types.ErrorType]types.UnstoreDataAction{
		types.ErrorTypeInvalidDataSet:             types.UnstoreMoveToError,
		types.ErrorTypeRegistrationScriptError:    types.UnstoreMoveToError,
		types.ErrorTypeStorageProcessorError:      types.UnstoreMoveToError,
		types.ErrorTypePreRegistrationError:       types.UnstoreMoveToError,
		types.ErrorTypeOpenbisRegistrationFailure: types.UnstoreLeaveUntouched,
		types.ErrorTypePostRegistrationError:      types.UnstoreLeaveUntouched,
	}
}

type alwaysReady struct{}

func (alwaysReady) WaitUntilReady(context.Context, time.Duration) error { return nil }

type nopJournal struct{}

func (nopJournal) Begin(context.Context, string, string, string) error { return nil }
func (nopJournal) SetRegistrationID(context.Context, string, types.RegistrationID) error {
	return nil
}
func (nopJournal) Log(context.Context, string, string) error                  { return nil }
func (nopJournal) Retried(context.Context, string) error                      { return nil }
func (nopJournal) Finish(context.Context, string, types.Outcome, error) error { return nil }

type nopFaultyPaths struct{}

func (nopFaultyPaths) Add(string) error    { return nil }
func (nopFaultyPaths) Remove(string) error { return nil }
