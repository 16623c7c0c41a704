package remote

import (
	"context"

	"github.com/openbis/dropboxd/pkg/types"
)

// EntityStore is the application server that records entity metadata.
// Registration ids are drawn before registering, so a caller that crashes
// mid-call can later ask whether the registration went through.
type EntityStore interface {
	// DrawRegistrationID reserves a fresh registration id
	DrawRegistrationID(ctx context.Context) (types.RegistrationID, error)

	// CreateDataSetCode returns a fresh permanent data set code
	CreateDataSetCode(ctx context.Context) (string, error)

	// RegisterMetadata atomically records all mutations under id. Using an
	// id twice fails with ErrDuplicateRegistration.
	RegisterMetadata(ctx context.Context, id types.RegistrationID, mutations *types.Mutations) error

	// DidEntityOperationsSucceed reports what the store knows about id
	DidEntityOperationsSucceed(ctx context.Context, id types.RegistrationID) (types.EntityOperationsState, error)

	// ConfirmStorage marks a data set as physically stored. Confirming twice
	// is not an error.
	ConfirmStorage(ctx context.Context, code string) (bool, error)

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}
