package remote

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// Error is the error class for entity store failures
	Error = errs.Class("entity store")

	// ErrTransient marks failures worth retrying: the store was unreachable
	// or did not answer in time
	ErrTransient = errs.Class("entity store unavailable")

	// ErrDuplicateRegistration is returned when a registration id was
	// already used
	ErrDuplicateRegistration = errors.New("registration id already used")

	// ErrNotFound is returned for unknown data sets or registrations
	ErrNotFound = errors.New("not found")
)

// IsTransient reports whether err is a retriable store failure
func IsTransient(err error) bool {
	return ErrTransient.Has(err)
}

// fromStatus maps a gRPC status to the store error taxonomy
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient.Wrap(err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return Error.Wrap(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return ErrTransient.New("%s", st.Message())
	case codes.AlreadyExists:
		return Error.Wrap(ErrDuplicateRegistration)
	case codes.NotFound:
		return Error.Wrap(ErrNotFound)
	default:
		return Error.New("%s: %s", st.Code(), st.Message())
	}
}

// toStatus maps a store error to the gRPC status sent to clients
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrDuplicateRegistration):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
