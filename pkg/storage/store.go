package storage

import (
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/types"
)

// Store is the entity store ledger: the remote.EntityStore operations plus
// the read side used by operators
type Store interface {
	remote.EntityStore

	// Registrations
	GetRegistration(id types.RegistrationID) (*types.Registration, error)
	ListRegistrations() ([]*types.Registration, error)

	// Data sets
	GetDataSet(code string) (*types.DataSetRecord, error)
	ListDataSets() ([]*types.DataSetRecord, error)

	// Samples
	GetSample(identifier string) (*types.SampleMutation, error)

	Close() error
}

var _ Store = (*BoltStore)(nil)
