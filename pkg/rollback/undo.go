package rollback

import (
	"context"

	"github.com/openbis/dropboxd/pkg/fsops"
)

// FileUndoer reverses filesystem entries. Every undo tolerates the effect
// never having happened, since the entry is recorded before its effect.
type FileUndoer struct{}

// Undo reverses a single entry. It ignores ctx: an undo that has started
// must not be cut short by shutdown.
func (FileUndoer) Undo(_ context.Context, e Entry) error {
	switch e.Kind {
	case KindMkdir, KindNewFile, KindCopy:
		return fsops.RemoveAll(e.Target)
	case KindMove:
		if !fsops.Exists(e.Target) {
			// the move never happened, or was already undone
			return nil
		}
		if fsops.Exists(e.Source) {
			return Error.New("cannot move %s back: %s already exists", e.Target, e.Source)
		}
		return fsops.Move(e.Target, e.Source)
	default:
		return Error.New("unknown rollback entry kind %q", e.Kind)
	}
}

var _ Undoer = FileUndoer{}
