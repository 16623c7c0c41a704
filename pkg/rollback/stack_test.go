package rollback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingUndoer records the order entries are undone and fails on demand
type recordingUndoer struct {
	undone []int
	failOn map[int]bool
}

func (r *recordingUndoer) Undo(_ context.Context, e Entry) error {
	r.undone = append(r.undone, e.Seq)
	if r.failOn[e.Seq] {
		return fmt.Errorf("cannot undo %d", e.Seq)
	}
	return nil
}

func pushN(t *testing.T, s *Stack, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := s.Push(KindMkdir, "", fmt.Sprintf("/tmp/dir-%d", i))
		require.NoError(t, err)
	}
}

// TestRollbackAllReverseOrder tests that entries are undone N..1
func TestRollbackAllReverseOrder(t *testing.T) {
	for _, n := range []int{0, 1, 3, 10} {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			s, err := New(t.TempDir(), "attempt")
			require.NoError(t, err)
			pushN(t, s, n)

			u := &recordingUndoer{undone: []int{}}
			require.NoError(t, s.RollbackAll(context.Background(), u))

			expected := make([]int, 0, n)
			for i := n; i >= 1; i-- {
				expected = append(expected, i)
			}
			assert.Equal(t, expected, u.undone)
			assert.Equal(t, 0, s.Len())
		})
	}
}

// TestRollbackAllContinuesAfterFailure tests best-effort rollback
func TestRollbackAllContinuesAfterFailure(t *testing.T) {
	s, err := New(t.TempDir(), "attempt")
	require.NoError(t, err)
	pushN(t, s, 5)

	u := &recordingUndoer{failOn: map[int]bool{4: true, 2: true}}
	err = s.RollbackAll(context.Background(), u)

	require.Error(t, err)
	assert.True(t, Error.Has(err))
	assert.Contains(t, err.Error(), "#4")
	assert.Contains(t, err.Error(), "#2")
	assert.Equal(t, []int{5, 4, 3, 2, 1}, u.undone)

	// the failed entries stay on disk, in push order
	reopened, err := Open(s.Path())
	require.NoError(t, err)
	seqs := func(entries []Entry) []int {
		out := make([]int, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Seq)
		}
		return out
	}
	assert.Equal(t, []int{2, 4}, seqs(s.Entries()))
	assert.Equal(t, []int{2, 4}, seqs(reopened.Entries()))

	retry := &recordingUndoer{}
	require.NoError(t, reopened.RollbackAll(context.Background(), retry))
	assert.Equal(t, []int{4, 2}, retry.undone)
	assert.Equal(t, 0, reopened.Len())
}

// TestLockedStackRefusesPush tests the locked state
func TestLockedStackRefusesPush(t *testing.T) {
	s, err := New(t.TempDir(), "attempt")
	require.NoError(t, err)
	pushN(t, s, 2)

	require.NoError(t, s.SetLocked(true))
	_, err = s.Push(KindMove, "/a", "/b")
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Equal(t, 2, s.Len())

	// rollback is still allowed once recovery has decided to cut its losses
	u := &recordingUndoer{}
	require.NoError(t, s.RollbackAll(context.Background(), u))
	assert.Equal(t, []int{2, 1}, u.undone)

	require.NoError(t, s.SetLocked(false))
	_, err = s.Push(KindMove, "/a", "/b")
	assert.NoError(t, err)
}

// TestStackSurvivesReopen tests that pushes are durable
func TestStackSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "attempt-1")
	require.NoError(t, err)
	_, err = s.Push(KindMkdir, "", "/staging/DS1")
	require.NoError(t, err)
	_, err = s.Push(KindMove, "/incoming/run", "/staging/DS1/run")
	require.NoError(t, err)
	require.NoError(t, s.SetLocked(true))

	reopened, err := Open(PathFor(dir, "attempt-1"))
	require.NoError(t, err)
	assert.Equal(t, "attempt-1", reopened.ID())
	assert.True(t, reopened.IsLocked())
	assert.Equal(t, s.Entries(), reopened.Entries())

	require.NoError(t, reopened.Discard())
	_, err = os.Stat(PathFor(dir, "attempt-1"))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, reopened.Discard())
}

func TestRestoreFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{
		{Seq: 1, Kind: KindMkdir, Target: "/a"},
		{Seq: 2, Kind: KindNewFile, Target: "/a/f"},
	}

	s, err := Restore(filepath.Join(dir, "x"+FileSuffix), "x", true, entries)
	require.NoError(t, err)
	assert.True(t, s.IsLocked())

	reopened, err := Open(s.Path())
	require.NoError(t, err)
	assert.Equal(t, entries, reopened.Entries())
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad"+FileSuffix)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
	assert.True(t, Error.Has(err))
}

// TestRollbackDeadTransactions tests the startup sweep
func TestRollbackDeadTransactions(t *testing.T) {
	dir := t.TempDir()

	dead, err := New(dir, "dead")
	require.NoError(t, err)
	pushN(t, dead, 2)

	locked, err := New(dir, "locked")
	require.NoError(t, err)
	pushN(t, locked, 1)
	require.NoError(t, locked.SetLocked(true))

	live, err := New(dir, "live")
	require.NoError(t, err)
	pushN(t, live, 1)

	u := &recordingUndoer{}
	owned := func(path string) bool { return path == live.Path() }

	n, err := RollbackDeadTransactions(context.Background(), dir, u, owned)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{2, 1}, u.undone)

	paths, err := FindStacks(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{locked.Path(), live.Path()}, paths)
}

// TestRollbackDeadTransactionsKeepsFailedStack tests that a stack whose undo
// failed is kept and retried by the next sweep
func TestRollbackDeadTransactionsKeepsFailedStack(t *testing.T) {
	dir := t.TempDir()
	dead, err := New(dir, "dead")
	require.NoError(t, err)
	pushN(t, dead, 3)

	n, err := RollbackDeadTransactions(context.Background(), dir, &recordingUndoer{failOn: map[int]bool{2: true}}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, n)

	paths, err := FindStacks(dir)
	require.NoError(t, err)
	require.Equal(t, []string{dead.Path()}, paths)

	u := &recordingUndoer{}
	n, err = RollbackDeadTransactions(context.Background(), dir, u, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{2}, u.undone)

	paths, err = FindStacks(dir)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestFindStacksMissingDir(t *testing.T) {
	paths, err := FindStacks(filepath.Join(t.TempDir(), "missing"))
	assert.NoError(t, err)
	assert.Empty(t, paths)
}
