package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// Error is the error class for rollback stack failures
var Error = errs.Class("rollback")

// ErrLocked is returned by Push once the stack has been locked
var ErrLocked = errors.New("rollback stack is locked")

// FileSuffix is the extension of persisted rollback stacks
const FileSuffix = ".rollback"

// Kind identifies the physical effect an entry undoes
type Kind string

const (
	KindMkdir   Kind = "mkdir"
	KindMove    Kind = "move"
	KindNewFile Kind = "new_file"
	KindCopy    Kind = "copy"
)

// Entry is one reversible action. Source and Target are interpreted by the
// Undoer according to Kind.
type Entry struct {
	Seq     int       `json:"seq"`
	Kind    Kind      `json:"kind"`
	Source  string    `json:"source,omitempty"`
	Target  string    `json:"target"`
	Created time.Time `json:"created"`
}

// Undoer performs the physical undo of a single entry
type Undoer interface {
	Undo(ctx context.Context, e Entry) error
}

// UndoFunc adapts a function to the Undoer interface
type UndoFunc func(ctx context.Context, e Entry) error

// Undo calls f(ctx, e)
func (f UndoFunc) Undo(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

type document struct {
	ID      string  `json:"id"`
	Locked  bool    `json:"locked"`
	Entries []Entry `json:"entries"`
}

// Stack is an append-only list of reversible actions persisted to a single
// file. Every Push is durable before it returns, so the caller may perform
// the side effect knowing its undo is on disk.
//
// A Stack has a single writer: one registration attempt, or the recovery
// driver after the attempt crashed.
type Stack struct {
	mu      sync.Mutex
	path    string
	id      string
	locked  bool
	entries []Entry
	logger  zerolog.Logger
}

// PathFor returns the file a stack with the given id is persisted to
func PathFor(dir, id string) string {
	return filepath.Join(dir, id+FileSuffix)
}

// New creates an empty stack persisted under dir
func New(dir, id string) (*Stack, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	s := &Stack{
		path:   PathFor(dir, id),
		id:     id,
		logger: log.WithComponent("rollback").With().Str("stack", id).Logger(),
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads a previously persisted stack
func Open(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Error.New("decode %s: %v", path, err)
	}
	return &Stack{
		path:    path,
		id:      doc.ID,
		locked:  doc.Locked,
		entries: doc.Entries,
		logger:  log.WithComponent("rollback").With().Str("stack", doc.ID).Logger(),
	}, nil
}

// ID returns the stack identifier
func (s *Stack) ID() string { return s.id }

// Path returns the file the stack is persisted to
func (s *Stack) Path() string { return s.path }

// Push appends an entry and persists the stack
func (s *Stack) Push(kind Kind, source, target string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return Entry{}, ErrLocked
	}

	e := Entry{
		Seq:     len(s.entries) + 1,
		Kind:    kind,
		Source:  source,
		Target:  target,
		Created: time.Now().UTC(),
	}
	s.entries = append(s.entries, e)
	if err := s.persist(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return Entry{}, err
	}
	return e, nil
}

// SetLocked freezes or unfreezes further pushes
func (s *Stack) SetLocked(locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked == locked {
		return nil
	}
	s.locked = locked
	return s.persist()
}

// IsLocked reports whether pushes are frozen
func (s *Stack) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Len returns the number of entries
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy of the entries in push order
func (s *Stack) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// RollbackAll undoes every entry in strict reverse order of creation. A
// failing undo is logged and the remaining entries are still attempted; the
// combined failures are returned. Each undone entry is removed from the
// persisted stack as soon as it has been undone, so a crash mid-rollback
// resumes with the entries that were not reached. Entries whose undo failed
// stay on the stack, in push order, for a later RollbackAll.
//
// RollbackAll is allowed on a locked stack.
func (s *Stack) RollbackAll(ctx context.Context, undoer Undoer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var group errs.Group
	var failed []Entry
	for len(s.entries) > 0 {
		e := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]
		if err := undoer.Undo(ctx, e); err != nil {
			s.logger.Error().
				Err(err).
				Int("seq", e.Seq).
				Str("kind", string(e.Kind)).
				Str("target", e.Target).
				Msg("Failed to undo rollback entry, continuing")
			metrics.RollbackEntriesTotal.WithLabelValues("failed").Inc()
			group.Add(Error.New("undo %s #%d (%s): %v", e.Kind, e.Seq, e.Target, err))
			failed = append([]Entry{e}, failed...)
		} else {
			metrics.RollbackEntriesTotal.WithLabelValues("undone").Inc()
		}

		pending := append(s.entries[:len(s.entries):len(s.entries)], failed...)
		if err := s.write(pending); err != nil {
			group.Add(err)
		}
	}
	s.entries = failed

	return group.Err()
}

// Discard deletes the persisted stack. Used after a commit, when nothing is
// left to undo, and after a completed rollback.
func (s *Stack) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

func (s *Stack) persist() error {
	return s.write(s.entries)
}

func (s *Stack) write(entries []Entry) error {
	data, err := json.Marshal(document{ID: s.id, Locked: s.locked, Entries: entries})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(fsops.WriteFileAtomic(s.path, data))
}

// Restore recreates a persisted stack from a snapshot, used when a recovery
// checkpoint outlived its stack file
func Restore(path, id string, locked bool, entries []Entry) (*Stack, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	s := &Stack{
		path:    path,
		id:      id,
		locked:  locked,
		entries: append([]Entry(nil), entries...),
		logger:  log.WithComponent("rollback").With().Str("stack", id).Logger(),
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}
