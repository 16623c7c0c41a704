package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/openbis/dropboxd/pkg/persistent"
	"github.com/openbis/dropboxd/pkg/rollback"
	"github.com/openbis/dropboxd/pkg/types"
)

// FormatVersion is written into every marker. Markers with another version
// are treated as corrupt.
const FormatVersion = 1

// StackSnapshot is the rollback stack as of the checkpoint. The stack file
// at Path is authoritative; Entries is used if that file is gone.
type StackSnapshot struct {
	ID      string           `json:"id"`
	Path    string           `json:"path"`
	Locked  bool             `json:"locked"`
	Entries []rollback.Entry `json:"entries"`
}

// Checkpoint is the durable state of one registration attempt
type Checkpoint struct {
	Version        int                  `json:"version"`
	AttemptID      string               `json:"attempt_id"`
	DropboxName    string               `json:"dropbox"`
	Stage          types.RecoveryStage  `json:"stage"`
	RegistrationID types.RegistrationID `json:"registration_id"`
	TryCount       int                  `json:"try_count"`
	LastTry        time.Time            `json:"last_try"`
	CreatedAt      time.Time            `json:"created_at"`
	Incoming       types.IncomingUnit   `json:"incoming"`
	Mutations      *types.Mutations     `json:"mutations"`
	Rollback       StackSnapshot        `json:"rollback"`
	PersistentMap  *persistent.Map      `json:"persistent_map"`
}

// SnapshotStack captures the current state of a rollback stack
func SnapshotStack(s *rollback.Stack) StackSnapshot {
	return StackSnapshot{
		ID:      s.ID(),
		Path:    s.Path(),
		Locked:  s.IsLocked(),
		Entries: s.Entries(),
	}
}

// OpenStack returns the attempt's rollback stack, recreating it from the
// snapshot when the stack file no longer exists
func (c *Checkpoint) OpenStack() (*rollback.Stack, error) {
	s, err := rollback.Open(c.Rollback.Path)
	if err == nil {
		return s, nil
	}
	return rollback.Restore(c.Rollback.Path, c.Rollback.ID, c.Rollback.Locked, c.Rollback.Entries)
}

func (c *Checkpoint) validate() error {
	switch {
	case c.Version != FormatVersion:
		return ErrCorrupt.New("unsupported format version %d", c.Version)
	case !c.Stage.Valid():
		return ErrCorrupt.New("unknown recovery stage %q", c.Stage)
	case c.Incoming.RealPath == "":
		return ErrCorrupt.New("missing incoming path")
	case c.Rollback.Path == "":
		return ErrCorrupt.New("missing rollback stack")
	case c.PersistentMap == nil:
		return ErrCorrupt.New("missing persistent map")
	}
	return nil
}

func decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, ErrCorrupt.Wrap(err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
