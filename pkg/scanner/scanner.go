// Package scanner watches the incoming directory of a dropbox and hands
// every complete, unowned incoming unit to the registration service.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/registrator"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// Error is the error class for scanner failures
var Error = errs.Class("scanner")

// Registrar runs registrations for incoming units
type Registrar interface {
	Register(ctx context.Context, path string) (types.Outcome, error)
	Owns(name string) bool
}

// FaultyPaths reports incoming paths excluded from processing
type FaultyPaths interface {
	Contains(path string) bool
}

// Config configures a Scanner
type Config struct {
	Dir      string
	Interval time.Duration

	// UseIsFinishedMarker only picks up units whose is-finished marker
	// file exists
	UseIsFinishedMarker bool
}

// Scanner feeds incoming units to a Registrar, one at a time
type Scanner struct {
	cfg    Config
	reg    Registrar
	faulty FaultyPaths
	logger zerolog.Logger
}

// New creates a scanner. faulty may be nil.
func New(cfg Config, reg Registrar, faulty FaultyPaths) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Scanner{
		cfg:    cfg,
		reg:    reg,
		faulty: faulty,
		logger: log.WithComponent("scanner").With().Str("dir", cfg.Dir).Logger(),
	}
}

// Run scans on every tick and whenever the incoming directory changes,
// until ctx is done
func (s *Scanner) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Error.Wrap(err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.cfg.Dir); err != nil {
		return Error.Wrap(err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Scanner started")
	for {
		if _, err := s.ScanOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scan failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scanner stopped")
			return nil
		case <-ticker.C:
		case event, ok := <-watcher.Events:
			if !ok {
				return Error.New("watcher closed")
			}
			s.logger.Debug().Str("event", event.String()).Msg("Incoming directory changed")
			drain(watcher.Events)
		case err, ok := <-watcher.Errors:
			if !ok {
				return Error.New("watcher closed")
			}
			s.logger.Warn().Err(err).Msg("Watcher error, relying on the periodic scan")
		}
	}
}

// drain drops events queued behind the one that triggered a scan
func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// ScanOnce registers every unit currently eligible and returns their
// outcomes by path
func (s *Scanner) ScanOnce(ctx context.Context) (map[string]types.Outcome, error) {
	candidates, err := s.Candidates()
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]types.Outcome, len(candidates))
	for _, path := range candidates {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.reg.Register(ctx, path)
		if err != nil {
			if registrator.ErrOwned.Has(err) {
				s.logger.Debug().Str("path", path).Msg("Incoming unit is owned by another attempt")
			} else {
				s.logger.Error().Err(err).Str("path", path).Msg("Could not start registration")
			}
			continue
		}
		outcomes[path] = outcome
	}
	return outcomes, nil
}

// Candidates lists the incoming units eligible for registration, oldest
// first
func (s *Scanner) Candidates() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(s.cfg.Dir, name)
		if s.faulty != nil && s.faulty.Contains(path) {
			continue
		}
		if s.reg.Owns(name) {
			continue
		}
		if s.cfg.UseIsFinishedMarker && !fsops.Exists(fsops.IsFinishedMarker(path)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed since ReadDir
			continue
		}
		found = append(found, candidate{path: path, modTime: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].modTime.Equal(found[j].modTime) {
			return found[i].path < found[j].path
		}
		return found[i].modTime.Before(found[j].modTime)
	})
	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}
