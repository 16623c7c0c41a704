package registrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingAtPrecommit leaves an attempt for name waiting in recovery right
// after its metadata registration failed
func pendingAtPrecommit(t *testing.T, program *testProgram, name string) (*Service, *testEnv, *checkpoint.Checkpoint) {
	t.Helper()
	svc, env := newTestService(t, program, false)
	down := remote.ErrTransient.New("connection refused")
	env.store.registerErrs = []error{down, down, down}

	outcome, err := svc.Register(context.Background(), writeIncoming(t, env, name))
	require.NoError(t, err)
	require.Equal(t, types.OutcomeRecoveryPending, outcome)

	cp, err := env.Markers.ExtractRecoveryCheckpoint(env.Markers.MarkerPath(name))
	require.NoError(t, err)
	return svc, env, cp
}

// TestRecoveryCommitsRegisteredAttempt tests resuming an attempt whose
// metadata did reach the entity store
func TestRecoveryCommitsRegisteredAttempt(t *testing.T) {
	program := &testProgram{}
	svc, env, cp := pendingAtPrecommit(t, program, "late")
	env.store.set(func(f *fakeStore) { f.registered[cp.RegistrationID] = cp.Mutations })

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryCommitted])

	assert.True(t, fsops.Exists(filepath.Join(env.Layout.StorePath(firstCode), "late", "data.txt")))
	assert.True(t, env.store.isConfirmed(firstCode))
	assert.Empty(t, listDir(t, env.Layout.Recovery))
	assert.Empty(t, listDir(t, env.Layout.Precommit))
	assert.Empty(t, listDir(t, env.Layout.Tmp))
	assert.False(t, fsops.Exists(filepath.Join(env.Layout.Incoming, "late")))

	calls := program.called()
	assert.Equal(t, []string{"post_metadata_registration", "post_storage"}, calls[len(calls)-2:])
}

// TestRecoveryRollsBackUnregisteredAttempt tests an attempt whose metadata
// never reached the entity store
func TestRecoveryRollsBackUnregisteredAttempt(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "never")

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryRolledBack])

	incoming := filepath.Join(env.Layout.Incoming, "never")
	assert.True(t, fsops.Exists(filepath.Join(incoming, "data.txt")), "the incoming unit is restored")
	assert.True(t, env.faulty.Contains(incoming))
	assert.Empty(t, listDir(t, env.Layout.Recovery))
	assert.Empty(t, listDir(t, env.Layout.Precommit))
	assert.Empty(t, listDir(t, env.Layout.Staging))
	assert.Empty(t, listDir(t, env.Layout.Tmp))
}

// TestRecoveryWaitsForInProgress tests that IN_PROGRESS does not use up a try
func TestRecoveryWaitsForInProgress(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "slow")
	env.store.set(func(f *fakeStore) { f.inProgress = true })
	driver := NewRecoveryDriver(svc, time.Minute)

	summary, err := driver.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryInProgress])

	cp, err := env.Markers.ExtractRecoveryCheckpoint(env.Markers.MarkerPath("slow"))
	require.NoError(t, err)
	assert.Equal(t, 0, cp.TryCount)
	assert.True(t, env.clock.Now().Equal(cp.LastTry))
}

// TestRecoveryRespectsRetryPeriod tests that a marker is examined at most
// once per period
func TestRecoveryRespectsRetryPeriod(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "period")
	env.store.set(func(f *fakeStore) { f.statusErr = remote.ErrTransient.New("down") })
	driver := NewRecoveryDriver(svc, time.Minute)
	ctx := context.Background()

	summary, err := driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryFailed])

	env.clock.Advance(30 * time.Second)
	summary, err = driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryNotDue])

	env.clock.Advance(30 * time.Second)
	summary, err = driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryFailed])

	cp, err := env.Markers.ExtractRecoveryCheckpoint(env.Markers.MarkerPath("period"))
	require.NoError(t, err)
	assert.Equal(t, 2, cp.TryCount)
}

// TestRecoveryGivesUp tests quarantine after the last try
func TestRecoveryGivesUp(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "stuck")
	env.store.set(func(f *fakeStore) { f.statusErr = remote.ErrTransient.New("down") })
	driver := NewRecoveryDriver(svc, time.Minute)
	ctx := context.Background()

	var results []string
	for i := 0; i < 3; i++ {
		summary, err := driver.RunOnce(ctx)
		require.NoError(t, err)
		for result := range summary {
			results = append(results, result)
		}
		env.clock.Advance(time.Minute)
	}
	assert.Equal(t, []string{RecoveryFailed, RecoveryFailed, RecoveryAbandoned}, results)

	marker := env.Markers.MarkerPath("stuck")
	assert.False(t, fsops.Exists(marker))
	assert.True(t, fsops.Exists(checkpoint.ErrorMarkerPath(marker)))
	assert.True(t, fsops.Exists(env.Layout.PrecommitPath(firstCode)), "data is left for inspection")

	summary, err := driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary, "quarantined markers are not examined")

	// the unit was moved into staging; a new one with the same name stays
	// out until an operator resolves the quarantined marker
	_, err = svc.Register(ctx, writeIncoming(t, env, "stuck"))
	assert.True(t, ErrOwned.Has(err))
	assert.True(t, svc.Owns("stuck"))
}

// TestRecoveryQuarantinesCorruptMarker tests that an unreadable marker is
// never retried
func TestRecoveryQuarantinesCorruptMarker(t *testing.T) {
	svc, env := newTestService(t, &testProgram{}, false)
	marker := env.Markers.MarkerPath("garbage")
	require.NoError(t, os.WriteFile(marker, []byte("{not json"), 0o644))

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryCorrupt])
	assert.False(t, fsops.Exists(marker))
	assert.True(t, fsops.Exists(checkpoint.ErrorMarkerPath(marker)))
}

// TestRecoveryReportsUnquarantinableMarker tests a corrupt marker whose
// rename fails
func TestRecoveryReportsUnquarantinableMarker(t *testing.T) {
	svc, env := newTestService(t, &testProgram{}, false)
	marker := env.Markers.MarkerPath("garbage")
	require.NoError(t, os.WriteFile(marker, []byte("{not json"), 0o644))

	// a non-empty directory in the way of the rename
	blocker := checkpoint.ErrorMarkerPath(marker)
	require.NoError(t, os.MkdirAll(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "keep"), nil, 0o644))

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryQuarantineFailed])
	assert.Zero(t, summary[RecoveryCorrupt])
	assert.True(t, fsops.Exists(marker), "the marker is still active")
}

// TestRecoveryRejectsUnknownState tests that an answer other than the three
// known states is a failed try and nothing is moved forward
func TestRecoveryRejectsUnknownState(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "odd")
	env.store.set(func(f *fakeStore) { f.status = "SOMETHING_ELSE" })

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryFailed])
	assert.Zero(t, summary[RecoveryCommitted])

	assert.False(t, env.store.isConfirmed(firstCode))
	assert.False(t, fsops.Exists(env.Layout.StorePath(firstCode)))
	assert.True(t, fsops.Exists(env.Layout.PrecommitPath(firstCode)))

	cp, err := env.Markers.ExtractRecoveryCheckpoint(env.Markers.MarkerPath("odd"))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.TryCount)
	assert.Equal(t, types.RecoveryStagePrecommit, cp.Stage)
}

// TestRecoveryInterruptedIsNotATry tests a pass cancelled between the status
// query and the rollback
func TestRecoveryInterruptedIsNotATry(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "shutdown")
	driver := NewRecoveryDriver(svc, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.set(func(f *fakeStore) { f.onStatus = cancel })

	summary, err := driver.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary[RecoveryInterrupted])

	marker := env.Markers.MarkerPath("shutdown")
	cp, err := env.Markers.ExtractRecoveryCheckpoint(marker)
	require.NoError(t, err)
	assert.Zero(t, cp.TryCount)
	assert.True(t, fsops.Exists(env.Layout.PrecommitPath(firstCode)), "nothing is undone")

	env.store.set(func(f *fakeStore) { f.onStatus = nil })
	summary, err = driver.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryRolledBack])
	assert.True(t, fsops.Exists(filepath.Join(env.Layout.Incoming, "shutdown", "data.txt")))
	assert.False(t, fsops.Exists(marker))
}

// TestRecoveryResumesAfterStorage tests an attempt that only needs its
// storage confirmed
func TestRecoveryResumesAfterStorage(t *testing.T) {
	program := &testProgram{}
	svc, env := newTestService(t, program, false)
	env.store.confirmErr = remote.ErrTransient.New("timeout")

	outcome, err := svc.Register(context.Background(), writeIncoming(t, env, "confirm"))
	require.NoError(t, err)
	require.Equal(t, types.OutcomeRecoveryPending, outcome)

	env.store.set(func(f *fakeStore) { f.confirmErr = nil })
	statusCalls := env.store.statusCalls
	hooks := len(program.called())

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryCommitted])
	assert.Equal(t, statusCalls, env.store.statusCalls, "the store is not asked again after STORAGE_COMPLETED")
	assert.Equal(t, []string{"post_storage"}, program.called()[hooks:])
	assert.True(t, env.store.isConfirmed(firstCode))
	assert.Empty(t, listDir(t, env.Layout.Recovery))
}

// TestRecoveryRedoesInterruptedStorage tests CommitAndStore after a crash
// that left the data half way
func TestRecoveryRedoesInterruptedStorage(t *testing.T) {
	svc, env, cp := pendingAtPrecommit(t, &testProgram{}, "half")
	env.store.set(func(f *fakeStore) { f.registered[cp.RegistrationID] = cp.Mutations })

	// a partial copy in the store from an interrupted cross-device move
	partial := env.Layout.StorePath(firstCode)
	require.NoError(t, os.MkdirAll(partial, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "junk"), nil, 0o644))

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryCommitted])
	assert.Equal(t, []string{"half"}, listDir(t, partial))
}

func TestRecoverySkipsClaimedUnits(t *testing.T) {
	svc, env, _ := pendingAtPrecommit(t, &testProgram{}, "claimed")
	require.True(t, env.Claims.TryClaim("claimed"))
	defer env.Claims.Release("claimed")
	statusCalls := env.store.statusCalls

	summary, err := NewRecoveryDriver(svc, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[RecoveryBusy])
	assert.Equal(t, statusCalls, env.store.statusCalls)
	assert.True(t, env.Markers.HasActiveMarker("claimed"))
}

// TestRecoveryDriverLoop tests Start and Stop
func TestRecoveryDriverLoop(t *testing.T) {
	svc, env, cp := pendingAtPrecommit(t, &testProgram{}, "looped")
	env.store.set(func(f *fakeStore) { f.registered[cp.RegistrationID] = cp.Mutations })

	driver := NewRecoveryDriver(svc, 10*time.Millisecond)
	driver.Start(context.Background())
	defer driver.Stop()

	assert.Eventually(t, func() bool {
		return !env.Markers.HasMarker("looped")
	}, 2*time.Second, 10*time.Millisecond)

	driver.Stop()
	driver.Stop()
}
