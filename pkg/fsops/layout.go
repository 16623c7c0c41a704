package fsops

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// Layout derives every path a registration touches from the identity of the
// incoming unit or data set, so cleanup after a crash can recompute them.
type Layout struct {
	Incoming   string
	Prestaging string
	Staging    string
	Precommit  string
	Store      string
	ShareID    string
	Recovery   string
	Error      string
	Tmp        string
}

// Dirs returns every directory of the layout
func (l Layout) Dirs() []string {
	return []string{l.Incoming, l.Prestaging, l.Staging, l.Precommit, l.Store, l.Recovery, l.Error, l.Tmp}
}

// EnsureDirs creates every directory of the layout
func (l Layout) EnsureDirs() error {
	for _, dir := range l.Dirs() {
		if dir == "" {
			continue
		}
		if _, err := MkdirAll(dir); err != nil {
			return err
		}
	}
	return nil
}

// StagingPath is where a data set is assembled by the dropbox program
func (l Layout) StagingPath(code string) string {
	return filepath.Join(l.Staging, code)
}

// PrecommitPath is where a data set waits between staging and the store
func (l Layout) PrecommitPath(code string) string {
	return filepath.Join(l.Precommit, code)
}

// StorePath is the final location of a data set. Data sets are sharded
// three levels deep by the SHA-1 of their code.
func (l Layout) StorePath(code string) string {
	sum := sha1.Sum([]byte(code))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(l.Store, l.ShareID, h[0:2], h[2:4], h[4:6], code)
}

// PrestagingPath is the working copy of an incoming unit for one attempt
func (l Layout) PrestagingPath(attemptID, name string) string {
	return filepath.Join(l.Prestaging, fmt.Sprintf("%s-%s", attemptID, name))
}

// ErrorPath is where a rejected incoming unit is moved
func (l Layout) ErrorPath(name string) string {
	return filepath.Join(l.Error, name)
}

// IsFinishedPrefix marks files announcing that an incoming unit is complete
const IsFinishedPrefix = ".MARKER_is_finished_"

// IsFinishedMarker returns the is-finished marker file of an incoming path
func IsFinishedMarker(incomingPath string) string {
	return filepath.Join(filepath.Dir(incomingPath), IsFinishedPrefix+filepath.Base(incomingPath))
}
