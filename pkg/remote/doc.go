// Package remote defines the entity store the registration pipeline talks to
// and a gRPC transport for it. Messages are plain Go structs carried with a
// JSON codec; transport failures (Unavailable, DeadlineExceeded) surface as
// ErrTransient so callers can tell "try again later" from a real rejection.
package remote
