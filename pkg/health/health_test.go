package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	failures atomic.Int32
}

func (p *fakePinger) Ping(ctx context.Context) error {
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return errors.New("connection refused")
	}
	return nil
}

// TestStatusRecord tests failure counting and the passing transitions
func TestStatusRecord(t *testing.T) {
	var s Status
	assert.True(t, s.Passing(), "a check that never ran passes")

	first := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, s.record(Result{Healthy: false, CheckedAt: first}))
	assert.False(t, s.Passing())
	assert.Equal(t, first, s.FailingSince)

	assert.False(t, s.record(Result{Healthy: false, CheckedAt: first.Add(time.Minute)}))
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Equal(t, first, s.FailingSince, "the start of the failure run is kept")

	assert.True(t, s.record(Result{Healthy: true, CheckedAt: first.Add(2 * time.Minute)}))
	assert.True(t, s.Passing())
	assert.Zero(t, s.ConsecutiveFailures)
	assert.True(t, s.FailingSince.IsZero())
}

// TestDirectoryChecker tests writable and missing directories
func TestDirectoryChecker(t *testing.T) {
	dir := t.TempDir()

	result := NewDirectoryChecker(dir).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "check files are removed")

	result = NewDirectoryChecker(dir, filepath.Join(dir, "missing")).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "missing")
	assert.Equal(t, CheckTypeDirectory, NewDirectoryChecker().Type())
}

func TestDiskSpaceChecker(t *testing.T) {
	dir := t.TempDir()

	result := NewDiskSpaceChecker(dir, 1).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	result = NewDiskSpaceChecker(dir, ^uint64(0)).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "need")

	result = NewDiskSpaceChecker(filepath.Join(dir, "missing"), 1).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestStoreChecker(t *testing.T) {
	p := &fakePinger{}
	checker := NewStoreChecker(p).WithTimeout(time.Second)

	assert.True(t, checker.Check(context.Background()).Healthy)

	p.failures.Store(1)
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "connection refused")
	assert.Equal(t, CheckTypeStore, checker.Type())
}

// TestMonitorReady tests that Ready reports every failing check by name
func TestMonitorReady(t *testing.T) {
	dir := t.TempDir()
	p := &fakePinger{}

	m := NewMonitor(Config{})
	m.Add("directories", NewDirectoryChecker(dir))
	m.Add("store", NewStoreChecker(p))

	require.NoError(t, m.Ready(context.Background()))

	p.failures.Store(1)
	err := m.Ready(context.Background())
	require.Error(t, err)
	assert.True(t, ErrNotReady.Has(err))
	assert.Contains(t, err.Error(), "store")

	statuses := m.Statuses()
	assert.False(t, statuses["store"].Passing(), "Ready and the status agree")
	assert.Equal(t, 1, statuses["store"].ConsecutiveFailures)
	assert.True(t, statuses["directories"].Passing())

	require.NoError(t, m.Ready(context.Background()))
	assert.True(t, m.Statuses()["store"].Passing())
}

func TestMonitorWaitUntilReady(t *testing.T) {
	p := &fakePinger{}
	p.failures.Store(3)

	m := NewMonitor(Config{})
	m.Add("store", NewStoreChecker(p))

	require.NoError(t, m.WaitUntilReady(context.Background(), 5*time.Millisecond))
	assert.Equal(t, int32(0), p.failures.Load())
}

func TestMonitorWaitUntilReadyCancelled(t *testing.T) {
	p := &fakePinger{}
	p.failures.Store(1 << 20)

	m := NewMonitor(Config{})
	m.Add("store", NewStoreChecker(p))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.WaitUntilReady(ctx, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
