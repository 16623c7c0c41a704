// Package faulty keeps the list of incoming paths that must not be picked up
// automatically. The list is a plain text file, one path per line, which
// operators edit by hand to release a path.
package faulty

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// FileName is the name of the list inside the incoming directory
const FileName = ".faulty_paths"

// Error is the error class for faulty path list failures
var Error = errs.Class("faulty paths")

// List is the faulty path list. Edits made to the file by operators are
// picked up on the next lookup.
type List struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	paths   map[string]struct{}
	modTime time.Time
}

// Open loads the list at path. A missing file is an empty list.
func Open(path string) (*List, error) {
	l := &List{
		path:   path,
		logger: log.WithComponent("faulty"),
		paths:  make(map[string]struct{}),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the file backing the list
func (l *List) Path() string { return l.path }

// Add puts path on the list
func (l *List) Add(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reload(); err != nil {
		return err
	}
	if _, ok := l.paths[path]; ok {
		return nil
	}
	l.paths[path] = struct{}{}
	l.logger.Warn().Str("path", path).Msg("Added to faulty paths, it will not be processed until removed from " + l.path)
	return l.save()
}

// Remove takes path off the list
func (l *List) Remove(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reload(); err != nil {
		return err
	}
	if _, ok := l.paths[path]; !ok {
		return nil
	}
	delete(l.paths, path)
	return l.save()
}

// Contains reports whether path is on the list
func (l *List) Contains(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reload(); err != nil {
		l.logger.Error().Err(err).Msg("Failed to reload faulty paths")
	}
	_, ok := l.paths[path]
	return ok
}

// Paths returns the listed paths, sorted
func (l *List) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reload(); err != nil {
		l.logger.Error().Err(err).Msg("Failed to reload faulty paths")
	}
	out := make([]string, 0, len(l.paths))
	for p := range l.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// reload rereads the file if it changed since the last read
func (l *List) reload() error {
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		l.paths = make(map[string]struct{})
		l.modTime = time.Time{}
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	if info.ModTime().Equal(l.modTime) {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return Error.Wrap(err)
	}
	paths := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return Error.Wrap(err)
	}
	l.paths = paths
	l.modTime = info.ModTime()
	return nil
}

func (l *List) save() error {
	sorted := make([]string, 0, len(l.paths))
	for p := range l.paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var buf bytes.Buffer
	for _, p := range sorted {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	if err := fsops.WriteFileAtomic(l.path, buf.Bytes()); err != nil {
		return Error.Wrap(err)
	}
	if info, err := os.Stat(l.path); err == nil {
		l.modTime = info.ModTime()
	}
	return nil
}
