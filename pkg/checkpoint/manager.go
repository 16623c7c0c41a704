package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

var (
	// Error is the error class for marker handling failures
	Error = errs.Class("recovery marker")

	// ErrCorrupt marks markers that cannot be decoded. A corrupt marker is
	// never retried.
	ErrCorrupt = errs.Class("corrupt recovery marker")
)

const (
	// MarkerSuffix is the extension of active recovery markers
	MarkerSuffix = ".recovery"

	// ErrorSuffix is appended to markers of abandoned attempts
	ErrorSuffix = ".ERROR"
)

// Config holds the recovery policy and marker location
type Config struct {
	Dir           string
	MaxRetryCount int
	RetryPeriod   time.Duration
}

// Manager writes, reads and retires recovery markers. There is at most one
// marker per incoming unit; its presence means an attempt owns the unit.
type Manager struct {
	dir      string
	maxRetry int
	period   time.Duration
	logger   zerolog.Logger
}

// NewManager creates a marker manager rooted at cfg.Dir
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, Error.New("recovery directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Manager{
		dir:      cfg.Dir,
		maxRetry: cfg.MaxRetryCount,
		period:   cfg.RetryPeriod,
		logger:   log.WithComponent("checkpoint"),
	}, nil
}

// Dir returns the marker directory
func (m *Manager) Dir() string { return m.dir }

// MaximumRetryCount is the number of recovery attempts before giving up
func (m *Manager) MaximumRetryCount() int { return m.maxRetry }

// RetryPeriod is the minimum time between two recovery attempts
func (m *Manager) RetryPeriod() time.Duration { return m.period }

// MarkerPath returns the marker for an incoming unit
func (m *Manager) MarkerPath(incomingName string) string {
	return filepath.Join(m.dir, incomingName+MarkerSuffix)
}

// ErrorMarkerPath returns where a marker is moved when its attempt is abandoned
func ErrorMarkerPath(marker string) string {
	return marker + ErrorSuffix
}

// IncomingNameOf returns the incoming unit name a marker belongs to
func IncomingNameOf(marker string) string {
	name := strings.TrimSuffix(filepath.Base(marker), ErrorSuffix)
	return strings.TrimSuffix(name, MarkerSuffix)
}

// WriteCheckpoint records that the attempt reached stage. A checkpoint never
// moves a marker backwards: writing a stage earlier than the one already on
// disk is an error.
func (m *Manager) WriteCheckpoint(cp *Checkpoint, stage types.RecoveryStage) error {
	if !stage.Valid() {
		return Error.New("unknown recovery stage %q", stage)
	}
	marker := m.MarkerPath(cp.Incoming.Name)

	if data, err := os.ReadFile(marker); err == nil {
		if existing, err := decode(data); err == nil && stage.Before(existing.Stage) {
			return Error.New("checkpoint for %s would move from %s back to %s",
				cp.Incoming.Name, existing.Stage, stage)
		}
	}

	cp.Version = FormatVersion
	cp.Stage = stage
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := m.write(marker, cp); err != nil {
		return err
	}

	m.logger.Debug().
		Str("incoming", cp.Incoming.Name).
		Str("stage", string(stage)).
		Int64("registration_id", int64(cp.RegistrationID)).
		Msg("Checkpoint written")
	return nil
}

// ExtractRecoveryCheckpoint decodes a marker. Undecodable markers yield an
// ErrCorrupt error.
func (m *Manager) ExtractRecoveryCheckpoint(marker string) (*Checkpoint, error) {
	data, err := os.ReadFile(marker)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return decode(data)
}

// UpdateTry rewrites the marker after a failed recovery pass. The try count
// is only increased when increase is true.
func (m *Manager) UpdateTry(marker string, cp *Checkpoint, increase bool, now time.Time) error {
	if increase {
		cp.TryCount++
	}
	cp.LastTry = now.UTC()
	return m.write(marker, cp)
}

// IsDue reports whether the retry period has elapsed since the last try
func (m *Manager) IsDue(cp *Checkpoint, now time.Time) bool {
	if cp.LastTry.IsZero() {
		return true
	}
	return !now.Before(cp.LastTry.Add(m.period))
}

// HasExhaustedRetries reports whether the attempt has used up its tries
func (m *Manager) HasExhaustedRetries(cp *Checkpoint) bool {
	return cp.TryCount >= m.maxRetry
}

// CanRecoverFromError reports whether a failure is worth handing to
// recovery instead of rolling back immediately
func (m *Manager) CanRecoverFromError(err error) bool {
	return remote.IsTransient(err)
}

// RegistrationCompleted deletes the marker of a finished attempt
func (m *Manager) RegistrationCompleted(marker string) error {
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// Quarantine renames a marker to its .ERROR sibling and returns the new path
func (m *Manager) Quarantine(marker string) (string, error) {
	target := ErrorMarkerPath(marker)
	if err := os.Rename(marker, target); err != nil {
		return "", Error.Wrap(err)
	}
	return target, nil
}

// HasMarker reports whether an active or abandoned marker exists for the
// incoming unit. Either one keeps the unit away from normal processing.
func (m *Manager) HasMarker(incomingName string) bool {
	marker := m.MarkerPath(incomingName)
	return fsops.Exists(marker) || fsops.Exists(ErrorMarkerPath(marker))
}

// HasActiveMarker reports whether an active marker exists for the incoming unit
func (m *Manager) HasActiveMarker(incomingName string) bool {
	return fsops.Exists(m.MarkerPath(incomingName))
}

// List returns active and abandoned markers, sorted by path
func (m *Manager) List() (active, errored []string, err error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		switch {
		case strings.HasSuffix(e.Name(), MarkerSuffix+ErrorSuffix):
			errored = append(errored, path)
		case strings.HasSuffix(e.Name(), MarkerSuffix):
			active = append(active, path)
		}
	}
	sort.Strings(active)
	sort.Strings(errored)
	return active, errored, nil
}

// CountMarkers implements metrics.MarkerCounter
func (m *Manager) CountMarkers() (int, int, error) {
	active, errored, err := m.List()
	return len(active), len(errored), err
}

func (m *Manager) write(marker string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(fsops.WriteFileAtomic(marker, data))
}
