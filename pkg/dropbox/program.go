package dropbox

import (
	"context"
	"errors"

	"github.com/openbis/dropboxd/pkg/persistent"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

var (
	// Error is the error class for dropbox program failures
	Error = errs.Class("dropbox")

	// ErrNotImplemented is returned by hooks a program does not define. The
	// caller then applies the default policy for that hook.
	ErrNotImplemented = errors.New("not implemented")
)

// IsNotImplemented reports whether err means "use the default"
func IsNotImplemented(err error) bool {
	return errors.Is(err, ErrNotImplemented)
}

// Context is what hooks see of a registration
type Context struct {
	Incoming       types.IncomingUnit
	RegistrationID types.RegistrationID
	DataSetCodes   []string
	PersistentMap  *persistent.Map
	Logger         zerolog.Logger
}

// Program is the user-supplied logic of a dropbox. Process is mandatory;
// every other hook may return ErrNotImplemented.
type Program interface {
	// Process turns the incoming unit into data sets and entity mutations
	Process(ctx context.Context, tr Transaction) error

	// PreMetadataRegistration runs after Process, before the metadata is
	// sent to the entity store. An error rolls the registration back.
	PreMetadataRegistration(ctx context.Context, dc *Context) error

	// PostMetadataRegistration runs once the entity store has committed.
	// Errors are logged and do not undo the registration.
	PostMetadataRegistration(ctx context.Context, dc *Context) error

	// PostStorage runs after the data reached the store
	PostStorage(ctx context.Context, dc *Context) error

	// RollbackPreRegistration runs after a registration was rolled back
	RollbackPreRegistration(ctx context.Context, dc *Context, cause error) error

	// ShouldRetryProcessing decides whether a failed Process is re-run
	ShouldRetryProcessing(ctx context.Context, dc *Context, cause error) (bool, error)
}

// Base implements every Program method with ErrNotImplemented. Embed it and
// override what the dropbox needs.
type Base struct{}

func (Base) Process(context.Context, Transaction) error {
	return ErrNotImplemented
}

func (Base) PreMetadataRegistration(context.Context, *Context) error {
	return ErrNotImplemented
}

func (Base) PostMetadataRegistration(context.Context, *Context) error {
	return ErrNotImplemented
}

func (Base) PostStorage(context.Context, *Context) error {
	return ErrNotImplemented
}

func (Base) RollbackPreRegistration(context.Context, *Context, error) error {
	return ErrNotImplemented
}

func (Base) ShouldRetryProcessing(context.Context, *Context, error) (bool, error) {
	return false, ErrNotImplemented
}
