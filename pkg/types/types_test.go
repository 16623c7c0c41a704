package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRecoveryStageOrder tests the total order of recovery stages
func TestRecoveryStageOrder(t *testing.T) {
	tests := []struct {
		name          string
		a, b          RecoveryStage
		before        bool
		beforeOrEqual bool
	}{
		{"precommit before hook", RecoveryStagePrecommit, RecoveryStagePostRegistrationHookExecuted, true, true},
		{"hook before storage", RecoveryStagePostRegistrationHookExecuted, RecoveryStageStorageCompleted, true, true},
		{"precommit before storage", RecoveryStagePrecommit, RecoveryStageStorageCompleted, true, true},
		{"equal stages", RecoveryStagePrecommit, RecoveryStagePrecommit, false, true},
		{"storage not before precommit", RecoveryStageStorageCompleted, RecoveryStagePrecommit, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.before, tt.a.Before(tt.b))
			assert.Equal(t, tt.beforeOrEqual, tt.a.BeforeOrEqual(tt.b))
		})
	}
}

// TestRecoveryStageValid tests stage validation
func TestRecoveryStageValid(t *testing.T) {
	assert.True(t, RecoveryStagePrecommit.Valid())
	assert.True(t, RecoveryStageStorageCompleted.Valid())
	assert.False(t, RecoveryStage("COMMITTED").Valid())
	assert.False(t, RecoveryStage("").Valid())
}

// TestParseUnstoreDataAction tests parsing configured actions
func TestParseUnstoreDataAction(t *testing.T) {
	a, err := ParseUnstoreDataAction("MOVE_TO_ERROR")
	assert.NoError(t, err)
	assert.Equal(t, UnstoreMoveToError, a)

	_, err = ParseUnstoreDataAction("archive")
	assert.Error(t, err)
}

func TestMutationsHelpers(t *testing.T) {
	var nilMutations *Mutations
	assert.True(t, nilMutations.IsEmpty())
	assert.Nil(t, nilMutations.DataSetCodes())

	m := &Mutations{DataSets: []*NewDataSet{{Code: "DS-1"}, {Code: "DS-2"}}}
	assert.False(t, m.IsEmpty())
	assert.Equal(t, []string{"DS-1", "DS-2"}, m.DataSetCodes())
}

func TestIncomingUnitPrestaged(t *testing.T) {
	u := IncomingUnit{Name: "a", RealPath: "/in/a", LogicalPath: "/in/a"}
	assert.False(t, u.IsPrestaged())

	u.LogicalPath = "/pre/x-a"
	assert.True(t, u.IsPrestaged())
	assert.Equal(t, "/pre/x-a", u.Path())

	assert.Equal(t, "/in/b", IncomingUnit{Name: "b", RealPath: "/in/b"}.Path())
}
