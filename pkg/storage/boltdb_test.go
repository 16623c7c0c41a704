package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMutations(code string) *types.Mutations {
	return &types.Mutations{
		Experiments: []*types.ExperimentMutation{
			{Op: types.MutationCreate, Identifier: "/LAB/P1/E1", Type: "SCREEN"},
		},
		Samples: []*types.SampleMutation{
			{Op: types.MutationCreate, Identifier: "/LAB/PLATE-1", Type: "PLATE", ExperimentIdentifier: "/LAB/P1/E1"},
		},
		DataSets: []*types.NewDataSet{
			{Code: code, Type: "RAW", SampleIdentifier: "/LAB/PLATE-1"},
		},
	}
}

// TestRegisterMetadata tests a full registration and the success query
func TestRegisterMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.DrawRegistrationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RegistrationID(1), id)

	state, err := s.DidEntityOperationsSucceed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.EntityOperationsNoOperation, state)

	require.NoError(t, s.RegisterMetadata(ctx, id, sampleMutations("DS-1")))

	state, err = s.DidEntityOperationsSucceed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.EntityOperationsSucceeded, state)

	ds, err := s.GetDataSet("DS-1")
	require.NoError(t, err)
	assert.Equal(t, id, ds.RegistrationID)
	assert.False(t, ds.StorageConfirmed)

	reg, err := s.GetRegistration(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"DS-1"}, reg.Mutations.DataSetCodes())
}

// TestRegisterMetadataIsAtomic tests that a failing mutation leaves nothing behind
func TestRegisterMetadataIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.DrawRegistrationID(ctx)
	require.NoError(t, err)

	m := sampleMutations("DS-1")
	m.Samples = append(m.Samples, &types.SampleMutation{Op: types.MutationUpdate, Identifier: "/LAB/MISSING"})

	require.Error(t, s.RegisterMetadata(ctx, id, m))

	state, err := s.DidEntityOperationsSucceed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.EntityOperationsNoOperation, state)

	_, err = s.GetDataSet("DS-1")
	assert.True(t, errors.Is(err, remote.ErrNotFound))
	_, err = s.GetSample("/LAB/PLATE-1")
	assert.Error(t, err)
}

func TestRegisterMetadataRejectsReuse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.DrawRegistrationID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.RegisterMetadata(ctx, id, sampleMutations("DS-1")))

	err = s.RegisterMetadata(ctx, id, &types.Mutations{})
	assert.True(t, errors.Is(err, remote.ErrDuplicateRegistration))

	assert.Error(t, s.RegisterMetadata(ctx, 99, &types.Mutations{}), "undrawn ids are refused")
}

func TestSampleUpdateMergesProperties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.DrawRegistrationID(ctx)
	require.NoError(t, s.RegisterMetadata(ctx, id1, &types.Mutations{
		Samples: []*types.SampleMutation{{Op: types.MutationCreate, Identifier: "/S1", Properties: map[string]string{"A": "1"}}},
	}))

	id2, _ := s.DrawRegistrationID(ctx)
	require.NoError(t, s.RegisterMetadata(ctx, id2, &types.Mutations{
		Samples: []*types.SampleMutation{{Op: types.MutationUpdate, Identifier: "/S1", Properties: map[string]string{"B": "2"}}},
	}))

	sample, err := s.GetSample("/S1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, sample.Properties)
}

// TestConfirmStorageIdempotent tests repeated confirmation
func TestConfirmStorageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.DrawRegistrationID(ctx)
	require.NoError(t, s.RegisterMetadata(ctx, id, sampleMutations("DS-1")))

	ok, err := s.ConfirmStorage(ctx, "DS-1")
	require.NoError(t, err)
	assert.True(t, ok)
	first, err := s.GetDataSet("DS-1")
	require.NoError(t, err)

	ok, err = s.ConfirmStorage(ctx, "DS-1")
	require.NoError(t, err)
	assert.True(t, ok)
	second, err := s.GetDataSet("DS-1")
	require.NoError(t, err)
	assert.Equal(t, first.ConfirmedAt, second.ConfirmedAt)

	_, err = s.ConfirmStorage(ctx, "DS-404")
	assert.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestCreateDataSetCodeUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		code, err := s.CreateDataSetCode(ctx)
		require.NoError(t, err)
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestListRegistrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, code := range []string{"A", "B"} {
		id, _ := s.DrawRegistrationID(ctx)
		require.NoError(t, s.RegisterMetadata(ctx, id, &types.Mutations{DataSets: []*types.NewDataSet{{Code: code}}}))
	}

	regs, err := s.ListRegistrations()
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, types.RegistrationID(1), regs[0].ID)
	assert.Equal(t, types.RegistrationID(2), regs[1].ID)

	ds, err := s.ListDataSets()
	require.NoError(t, err)
	assert.Len(t, ds, 2)
	assert.NoError(t, s.Ping(ctx))
}
