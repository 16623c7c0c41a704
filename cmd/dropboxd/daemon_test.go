package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/openbis/dropboxd/pkg/config"
	"github.com/openbis/dropboxd/pkg/storage"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
paths:
  root: %s
dropbox:
  name: test
  program: simple
retry:
  process_retry_pause: 1ms
  registration_retry_pause: 1ms
health:
  min_free_bytes: 1
  poll_interval: 10ms
`, root)))
	require.NoError(t, err)
	return cfg
}

// TestDaemonRegistersIncomingUnit tests the wiring of the embedded pipeline
func TestDaemonRegistersIncomingUnit(t *testing.T) {
	cfg := testConfig(t)
	d, err := newDaemon(cfg)
	require.NoError(t, err)
	defer d.Close()

	unit := filepath.Join(cfg.Paths.Incoming, "run1")
	require.NoError(t, os.MkdirAll(unit, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(unit, "data.txt"), []byte("payload"), 0o644))

	ctx := context.Background()
	outcome, err := d.service.Register(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCommitted, outcome)
	assert.NoDirExists(t, unit)

	ledger, ok := d.store.(*storage.BoltStore)
	require.True(t, ok, "no remote address configured")
	records, err := ledger.ListDataSets()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].StorageConfirmed)

	history, err := d.journal.List(ctx, string(types.OutcomeCommitted), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, unit, history[0].Incoming)

	summary, err := d.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary)
}

// TestDaemonRejectsUnknownProgram tests that a bad program name fails startup
// and releases what was opened
func TestDaemonRejectsUnknownProgram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dropbox.Program = "missing"

	_, err := newDaemon(cfg)
	require.Error(t, err)

	// the ledger lock must have been released again
	ledger, err := storage.NewBoltStore(cfg.Remote.DataDir)
	require.NoError(t, err)
	require.NoError(t, ledger.Close())
}
