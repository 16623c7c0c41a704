package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Error is the error class for script failures
var Error = errs.Class("script")

// Hook function names a script may define
const (
	FuncProcess                  = "process"
	FuncPreMetadataRegistration  = "pre_metadata_registration"
	FuncPostMetadataRegistration = "post_metadata_registration"
	FuncPostStorage              = "post_storage"
	FuncRollbackPreRegistration  = "rollback_pre_registration"
	FuncShouldRetryProcessing    = "should_retry_processing"
)

// Program is a dropbox.Program backed by a Starlark script. The script is
// executed once at load time; its top-level functions are the hooks.
type Program struct {
	name    string
	globals starlark.StringDict
	logger  zerolog.Logger
}

var _ dropbox.Program = (*Program)(nil)

// Load reads and compiles a script file
func Load(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Compile(filepath.Base(path), src)
}

// Compile executes src and keeps its globals. The script must define
// process.
func Compile(name string, src []byte) (*Program, error) {
	logger := log.WithComponent("script").With().Str("script", name).Logger()

	thread := &starlark.Thread{
		Name:  "load " + name,
		Print: printer(logger),
	}
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, nil)
	if err != nil {
		return nil, Error.New("failed to load %s: %s", name, describe(err))
	}
	if _, ok := globals[FuncProcess].(starlark.Callable); !ok {
		return nil, Error.New("%s does not define %s(transaction)", name, FuncProcess)
	}
	globals.Freeze()

	return &Program{name: name, globals: globals, logger: logger}, nil
}

// Name returns the script file name
func (p *Program) Name() string { return p.name }

// Defines reports whether the script has a top-level function fn
func (p *Program) Defines(fn string) bool {
	_, ok := p.globals[fn].(starlark.Callable)
	return ok
}

func (p *Program) Process(ctx context.Context, tr dropbox.Transaction) error {
	_, err := p.call(ctx, tr.Context(), FuncProcess, starlark.Tuple{newTransactionValue(tr)})
	return err
}

func (p *Program) PreMetadataRegistration(ctx context.Context, dc *dropbox.Context) error {
	_, err := p.call(ctx, dc, FuncPreMetadataRegistration, starlark.Tuple{newContextValue(dc)})
	return err
}

func (p *Program) PostMetadataRegistration(ctx context.Context, dc *dropbox.Context) error {
	_, err := p.call(ctx, dc, FuncPostMetadataRegistration, starlark.Tuple{newContextValue(dc)})
	return err
}

func (p *Program) PostStorage(ctx context.Context, dc *dropbox.Context) error {
	_, err := p.call(ctx, dc, FuncPostStorage, starlark.Tuple{newContextValue(dc)})
	return err
}

func (p *Program) RollbackPreRegistration(ctx context.Context, dc *dropbox.Context, cause error) error {
	_, err := p.call(ctx, dc, FuncRollbackPreRegistration,
		starlark.Tuple{newContextValue(dc), errorValue(cause)})
	return err
}

func (p *Program) ShouldRetryProcessing(ctx context.Context, dc *dropbox.Context, cause error) (bool, error) {
	v, err := p.call(ctx, dc, FuncShouldRetryProcessing,
		starlark.Tuple{newContextValue(dc), errorValue(cause)})
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

// call runs a hook on a fresh thread. Missing hooks yield
// dropbox.ErrNotImplemented; ctx cancellation stops the script.
func (p *Program) call(ctx context.Context, dc *dropbox.Context, fn string, args starlark.Tuple) (starlark.Value, error) {
	callable, ok := p.globals[fn].(starlark.Callable)
	if !ok {
		return nil, dropbox.ErrNotImplemented
	}

	logger := p.logger
	if dc != nil {
		logger = dc.Logger.With().Str("script", p.name).Logger()
	}
	thread := &starlark.Thread{
		Name:  fn,
		Print: printer(logger),
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	v, err := starlark.Call(thread, callable, args, nil)
	if err != nil {
		return nil, Error.New("%s: %s", fn, describe(err))
	}
	return v, nil
}

func printer(logger zerolog.Logger) func(*starlark.Thread, string) {
	return func(th *starlark.Thread, msg string) {
		logger.Info().Str("hook", th.Name).Msg(msg)
	}
}

// describe renders Starlark errors with their backtrace
func describe(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func errorValue(err error) starlark.Value {
	if err == nil {
		return starlark.None
	}
	return starlark.String(err.Error())
}
