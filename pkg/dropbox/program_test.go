package dropbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/openbis/dropboxd/pkg/persistent"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransaction struct {
	incoming types.IncomingUnit
	dc       *Context
	dataSets []*types.NewDataSet
	moved    map[string]string
}

func newRecordingTransaction(incoming types.IncomingUnit) *recordingTransaction {
	return &recordingTransaction{
		incoming: incoming,
		dc:       &Context{Incoming: incoming, PersistentMap: persistent.New()},
		moved:    make(map[string]string),
	}
}

func (r *recordingTransaction) Incoming() types.IncomingUnit { return r.incoming }
func (r *recordingTransaction) Context() *Context            { return r.dc }

func (r *recordingTransaction) CreateNewDataSet(dataSetType string) (*types.NewDataSet, error) {
	ds := &types.NewDataSet{
		Code:        "DS-1",
		Type:        dataSetType,
		StagingPath: "/staging/DS-1",
		Properties:  map[string]string{},
	}
	r.dataSets = append(r.dataSets, ds)
	return ds, nil
}

func (r *recordingTransaction) MoveFile(src string, ds *types.NewDataSet) (string, error) {
	dst := filepath.Join(ds.StagingPath, filepath.Base(src))
	r.moved[src] = dst
	return dst, nil
}

func (r *recordingTransaction) CreateNewDirectory(*types.NewDataSet, string) (string, error) {
	return "", errors.New("unexpected")
}

func (r *recordingTransaction) CreateNewFile(*types.NewDataSet, string, []byte) (string, error) {
	return "", errors.New("unexpected")
}

func (r *recordingTransaction) CreateNewSample(string, string) (*types.SampleMutation, error) {
	return nil, errors.New("unexpected")
}

func (r *recordingTransaction) CreateNewExperiment(string, string) (*types.ExperimentMutation, error) {
	return nil, errors.New("unexpected")
}

func (r *recordingTransaction) UpdateSample(string) (*types.SampleMutation, error) {
	return nil, errors.New("unexpected")
}

// TestBaseDefaults tests that every hook of Base asks for the default policy
func TestBaseDefaults(t *testing.T) {
	var p Program = Base{}
	ctx := context.Background()
	dc := &Context{}

	assert.True(t, IsNotImplemented(p.Process(ctx, nil)))
	assert.True(t, IsNotImplemented(p.PreMetadataRegistration(ctx, dc)))
	assert.True(t, IsNotImplemented(p.PostMetadataRegistration(ctx, dc)))
	assert.True(t, IsNotImplemented(p.PostStorage(ctx, dc)))
	assert.True(t, IsNotImplemented(p.RollbackPreRegistration(ctx, dc, errors.New("x"))))

	retry, err := p.ShouldRetryProcessing(ctx, dc, errors.New("x"))
	assert.False(t, retry)
	assert.True(t, IsNotImplemented(err))

	assert.False(t, IsNotImplemented(errors.New("other")))
	assert.True(t, IsNotImplemented(Error.Wrap(ErrNotImplemented)))
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Names(), "simple")

	p, err := Lookup("simple")
	require.NoError(t, err)
	assert.IsType(t, &Simple{}, p)

	_, err = Lookup("nope")
	assert.True(t, Error.Has(err))

	assert.Panics(t, func() {
		Register("simple", func() Program { return Base{} })
	})
}

func TestSimpleProcess(t *testing.T) {
	incoming := types.IncomingUnit{Name: "PLATE1_run.txt", RealPath: "/in/PLATE1_run.txt", LogicalPath: "/pre/x-PLATE1_run.txt"}
	tr := newRecordingTransaction(incoming)

	p := &Simple{DataSetType: "RAW"}
	require.NoError(t, p.Process(context.Background(), tr))

	require.Len(t, tr.dataSets, 1)
	ds := tr.dataSets[0]
	assert.Equal(t, "RAW", ds.Type)
	assert.Equal(t, "/PLATE1", ds.SampleIdentifier)
	assert.Equal(t, "PLATE1_run.txt", ds.Properties["ORIGINAL_NAME"])
	assert.Equal(t, "/staging/DS-1/x-PLATE1_run.txt", tr.moved["/pre/x-PLATE1_run.txt"])

	count, ok := tr.dc.PersistentMap.Get("processed")
	require.True(t, ok)
	assert.Equal(t, float64(1), count)

	// the default hooks are untouched
	assert.True(t, IsNotImplemented(p.PostStorage(context.Background(), tr.dc)))
}
