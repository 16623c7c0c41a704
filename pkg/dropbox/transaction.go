package dropbox

import (
	"github.com/openbis/dropboxd/pkg/types"
)

// Transaction is handed to Program.Process. Every filesystem effect goes
// through it so that it can be undone.
type Transaction interface {
	// Incoming returns the unit being registered
	Incoming() types.IncomingUnit

	// Context returns the hook context shared with later hooks
	Context() *Context

	// CreateNewDataSet allocates a data set code and a staging directory
	CreateNewDataSet(dataSetType string) (*types.NewDataSet, error)

	// MoveFile moves src into the staging directory of ds and returns the
	// new path
	MoveFile(src string, ds *types.NewDataSet) (string, error)

	// CreateNewDirectory creates a directory below the staging directory
	// of ds
	CreateNewDirectory(ds *types.NewDataSet, name string) (string, error)

	// CreateNewFile writes content to a new file below the staging
	// directory of ds
	CreateNewFile(ds *types.NewDataSet, name string, content []byte) (string, error)

	// CreateNewSample adds a sample creation to the registration
	CreateNewSample(identifier, sampleType string) (*types.SampleMutation, error)

	// CreateNewExperiment adds an experiment creation to the registration
	CreateNewExperiment(identifier, experimentType string) (*types.ExperimentMutation, error)

	// UpdateSample adds a property update of an existing sample
	UpdateSample(identifier string) (*types.SampleMutation, error)
}
