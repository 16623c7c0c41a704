package registrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/rollback"
	"github.com/openbis/dropboxd/pkg/types"
)

// transaction is the dropbox.Transaction of one Process run. Every
// filesystem effect is pushed onto the rollback stack before it happens.
type transaction struct {
	ctx   context.Context
	env   *Environment
	stack *rollback.Stack
	cp    *checkpoint.Checkpoint
	dc    *dropbox.Context
}

var _ dropbox.Transaction = (*transaction)(nil)

func newTransaction(ctx context.Context, env *Environment, stack *rollback.Stack, cp *checkpoint.Checkpoint, dc *dropbox.Context) *transaction {
	return &transaction{ctx: ctx, env: env, stack: stack, cp: cp, dc: dc}
}

func (t *transaction) Incoming() types.IncomingUnit { return t.cp.Incoming }
func (t *transaction) Context() *dropbox.Context    { return t.dc }

func (t *transaction) CreateNewDataSet(dataSetType string) (*types.NewDataSet, error) {
	if dataSetType == "" {
		return nil, Error.New("data set type is required")
	}
	code, err := t.env.Store.CreateDataSetCode(t.ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	staging := t.env.Layout.StagingPath(code)
	if _, err := t.stack.Push(rollback.KindMkdir, "", staging); err != nil {
		return nil, err
	}
	if _, err := fsops.MkdirAll(staging); err != nil {
		return nil, Error.Wrap(err)
	}

	ds := &types.NewDataSet{
		Code:        code,
		Type:        dataSetType,
		StagingPath: staging,
		Properties:  make(map[string]string),
	}
	t.cp.Mutations.DataSets = append(t.cp.Mutations.DataSets, ds)
	t.dc.DataSetCodes = append(t.dc.DataSetCodes, code)
	return ds, nil
}

func (t *transaction) MoveFile(src string, ds *types.NewDataSet) (string, error) {
	if err := t.owns(ds); err != nil {
		return "", err
	}
	if !fsops.Exists(src) {
		return "", Error.New("cannot move %s: no such file", src)
	}

	dst := filepath.Join(ds.StagingPath, filepath.Base(src))
	if _, err := t.stack.Push(rollback.KindMove, src, dst); err != nil {
		return "", err
	}
	if err := fsops.Move(src, dst); err != nil {
		return "", Error.Wrap(err)
	}
	return dst, nil
}

func (t *transaction) CreateNewDirectory(ds *types.NewDataSet, name string) (string, error) {
	path, err := t.pathIn(ds, name)
	if err != nil {
		return "", err
	}
	if _, err := t.stack.Push(rollback.KindMkdir, "", path); err != nil {
		return "", err
	}
	if _, err := fsops.MkdirAll(path); err != nil {
		return "", Error.Wrap(err)
	}
	return path, nil
}

func (t *transaction) CreateNewFile(ds *types.NewDataSet, name string, content []byte) (string, error) {
	path, err := t.pathIn(ds, name)
	if err != nil {
		return "", err
	}
	if fsops.Exists(path) {
		return "", Error.New("file already exists: %s", path)
	}
	if _, err := fsops.MkdirAll(filepath.Dir(path)); err != nil {
		return "", Error.Wrap(err)
	}
	if _, err := t.stack.Push(rollback.KindNewFile, "", path); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", Error.Wrap(err)
	}
	return path, nil
}

func (t *transaction) CreateNewSample(identifier, sampleType string) (*types.SampleMutation, error) {
	if identifier == "" {
		return nil, Error.New("sample identifier is required")
	}
	s := &types.SampleMutation{
		Op:         types.MutationCreate,
		Identifier: identifier,
		Type:       sampleType,
		Properties: make(map[string]string),
	}
	t.cp.Mutations.Samples = append(t.cp.Mutations.Samples, s)
	return s, nil
}

func (t *transaction) CreateNewExperiment(identifier, experimentType string) (*types.ExperimentMutation, error) {
	if identifier == "" {
		return nil, Error.New("experiment identifier is required")
	}
	e := &types.ExperimentMutation{
		Op:         types.MutationCreate,
		Identifier: identifier,
		Type:       experimentType,
		Properties: make(map[string]string),
	}
	t.cp.Mutations.Experiments = append(t.cp.Mutations.Experiments, e)
	return e, nil
}

func (t *transaction) UpdateSample(identifier string) (*types.SampleMutation, error) {
	if identifier == "" {
		return nil, Error.New("sample identifier is required")
	}
	s := &types.SampleMutation{
		Op:         types.MutationUpdate,
		Identifier: identifier,
		Properties: make(map[string]string),
	}
	t.cp.Mutations.Samples = append(t.cp.Mutations.Samples, s)
	return s, nil
}

// owns checks that ds was created by this transaction
func (t *transaction) owns(ds *types.NewDataSet) error {
	if ds == nil {
		return Error.New("data set is required")
	}
	for _, known := range t.cp.Mutations.DataSets {
		if known == ds {
			return nil
		}
	}
	return Error.New("data set %s does not belong to this transaction", ds.Code)
}

// pathIn resolves name below the staging directory of ds
func (t *transaction) pathIn(ds *types.NewDataSet, name string) (string, error) {
	if err := t.owns(ds); err != nil {
		return "", err
	}
	path := filepath.Join(ds.StagingPath, name)
	if path == ds.StagingPath || !strings.HasPrefix(path, ds.StagingPath+string(filepath.Separator)) {
		return "", Error.New("%q escapes the data set directory", name)
	}
	return path, nil
}
