package registrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory EntityStore whose failures are scripted
type fakeStore struct {
	mu sync.Mutex

	nextID     types.RegistrationID
	nextCode   int
	registered map[types.RegistrationID]*types.Mutations
	confirmed  map[string]bool

	// registerErrs are returned by successive RegisterMetadata calls
	registerErrs []error
	// commitDespiteError commits the registration even when an error from
	// registerErrs is returned, as if the reply got lost
	commitDespiteError bool
	drawErr            error
	statusErr          error
	confirmErr         error
	inProgress         bool
	// status, when set, is the answer to every status query
	status types.EntityOperationsState
	// onStatus is called at the start of every status query
	onStatus func()

	registerCalls int
	statusCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		registered: make(map[types.RegistrationID]*types.Mutations),
		confirmed:  make(map[string]bool),
	}
}

func (f *fakeStore) DrawRegistrationID(context.Context) (types.RegistrationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drawErr != nil {
		return 0, f.drawErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) CreateDataSetCode(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCode++
	return fmt.Sprintf("20250101000000000-%d", f.nextCode), nil
}

func (f *fakeStore) RegisterMetadata(_ context.Context, id types.RegistrationID, m *types.Mutations) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++

	var err error
	if len(f.registerErrs) > 0 {
		err = f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
	}
	if err != nil && !f.commitDespiteError {
		return err
	}
	if _, ok := f.registered[id]; ok {
		return remote.ErrDuplicateRegistration
	}
	f.registered[id] = m
	return err
}

func (f *fakeStore) DidEntityOperationsSucceed(_ context.Context, id types.RegistrationID) (types.EntityOperationsState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.onStatus != nil {
		f.onStatus()
	}
	switch {
	case f.statusErr != nil:
		return "", f.statusErr
	case f.status != "":
		return f.status, nil
	case f.inProgress:
		return types.EntityOperationsInProgress, nil
	}
	if _, ok := f.registered[id]; ok {
		return types.EntityOperationsSucceeded, nil
	}
	return types.EntityOperationsNoOperation, nil
}

func (f *fakeStore) ConfirmStorage(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return false, f.confirmErr
	}
	f.confirmed[code] = true
	return true, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) set(fn func(f *fakeStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeStore) isRegistered(id types.RegistrationID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[id]
	return ok
}

func (f *fakeStore) isConfirmed(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed[code]
}

// testProgram is a dropbox program assembled from functions. Nil hooks are
// not implemented.
type testProgram struct {
	dropbox.Base

	process     func(ctx context.Context, tr dropbox.Transaction) error
	preReg      func(dc *dropbox.Context) error
	postReg     func(dc *dropbox.Context) error
	postStorage func(dc *dropbox.Context) error
	shouldRetry func(cause error) bool

	mu    sync.Mutex
	calls []string
}

func (p *testProgram) record(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
}

func (p *testProgram) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *testProgram) Process(ctx context.Context, tr dropbox.Transaction) error {
	p.record("process")
	if p.process == nil {
		return (&dropbox.Simple{DataSetType: "RAW"}).Process(ctx, tr)
	}
	return p.process(ctx, tr)
}

func (p *testProgram) PreMetadataRegistration(_ context.Context, dc *dropbox.Context) error {
	p.record("pre_metadata_registration")
	if p.preReg == nil {
		return dropbox.ErrNotImplemented
	}
	return p.preReg(dc)
}

func (p *testProgram) PostMetadataRegistration(_ context.Context, dc *dropbox.Context) error {
	p.record("post_metadata_registration")
	if p.postReg == nil {
		return dropbox.ErrNotImplemented
	}
	return p.postReg(dc)
}

func (p *testProgram) PostStorage(_ context.Context, dc *dropbox.Context) error {
	p.record("post_storage")
	if p.postStorage == nil {
		return dropbox.ErrNotImplemented
	}
	return p.postStorage(dc)
}

func (p *testProgram) RollbackPreRegistration(context.Context, *dropbox.Context, error) error {
	p.record("rollback_pre_registration")
	return nil
}

func (p *testProgram) ShouldRetryProcessing(_ context.Context, _ *dropbox.Context, cause error) (bool, error) {
	p.record("should_retry_processing")
	if p.shouldRetry == nil {
		return false, dropbox.ErrNotImplemented
	}
	return p.shouldRetry(cause), nil
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryFaulty records faulty paths
type memoryFaulty struct {
	mu    sync.Mutex
	paths map[string]bool
}

func (m *memoryFaulty) Add(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[path] = true
	return nil
}

func (m *memoryFaulty) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, path)
	return nil
}

func (m *memoryFaulty) Contains(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paths[path]
}

type testEnv struct {
	*Environment
	store  *fakeStore
	clock  *fakeClock
	faulty *memoryFaulty
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	layout := fsops.Layout{
		Incoming:   filepath.Join(root, "incoming"),
		Prestaging: filepath.Join(root, "prestaging"),
		Staging:    filepath.Join(root, "staging"),
		Precommit:  filepath.Join(root, "precommit"),
		Store:      filepath.Join(root, "store"),
		ShareID:    "1",
		Recovery:   filepath.Join(root, "recovery"),
		Error:      filepath.Join(root, "error"),
		Tmp:        filepath.Join(root, "tmp"),
	}
	require.NoError(t, layout.EnsureDirs())

	markers, err := checkpoint.NewManager(checkpoint.Config{
		Dir:           layout.Recovery,
		MaxRetryCount: 3,
		RetryPeriod:   time.Minute,
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeStore()
	faulty := &memoryFaulty{paths: make(map[string]bool)}

	env := &Environment{
		DropboxName: "test",
		Layout:      layout,
		Store:       store,
		Markers:     markers,
		Policy: RetryPolicy{
			ProcessMaxRetryCount:      2,
			ProcessRetryPause:         time.Millisecond,
			RegistrationMaxRetryCount: 2,
			RegistrationRetryPause:    time.Millisecond,
			RecoveryMaxRetryCount:     3,
			RecoveryRetryPeriod:       time.Minute,
		},
		Faulty: faulty,
		Now:    clock.Now,
	}
	return &testEnv{Environment: env, store: store, clock: clock, faulty: faulty}
}

// newTestService builds a Service over a fresh environment
func newTestService(t *testing.T, program dropbox.Program, prestage bool) (*Service, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	svc, err := NewService(env.Environment, program, Options{Prestage: prestage})
	require.NoError(t, err)
	return svc, env
}

// writeIncoming creates an incoming directory with one data file
func writeIncoming(t *testing.T, env *testEnv, name string) string {
	t.Helper()
	dir := filepath.Join(env.Layout.Incoming, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("payload of "+name), 0o644))
	return dir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
