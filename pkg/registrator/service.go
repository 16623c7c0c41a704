package registrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openbis/dropboxd/pkg/checkpoint"
	"github.com/openbis/dropboxd/pkg/dropbox"
	"github.com/openbis/dropboxd/pkg/fsops"
	"github.com/openbis/dropboxd/pkg/log"
	"github.com/openbis/dropboxd/pkg/metrics"
	"github.com/openbis/dropboxd/pkg/persistent"
	"github.com/openbis/dropboxd/pkg/rollback"
	"github.com/openbis/dropboxd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
)

// Options tunes a Service
type Options struct {
	// Prestage makes attempts work on a hard-linked copy of the incoming
	// unit, leaving the original in place until the attempt ends
	Prestage bool
}

// Service runs registration attempts for one dropbox
type Service struct {
	env      *Environment
	program  dropbox.Program
	prestage bool
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewService validates env and creates a Service
func NewService(env *Environment, program dropbox.Program, opts Options) (*Service, error) {
	if program == nil {
		return nil, Error.New("dropbox program is required")
	}
	env.setDefaults()
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &Service{
		env:      env,
		program:  program,
		prestage: opts.Prestage,
		logger:   log.WithComponent("registrator").With().Str("dropbox", env.DropboxName).Logger(),
		running:  make(map[string]struct{}),
	}, nil
}

// Environment returns the environment shared with the recovery driver
func (s *Service) Environment() *Environment { return s.env }

// Owns reports whether an attempt, live or awaiting recovery, owns the
// incoming unit called name
func (s *Service) Owns(name string) bool {
	return s.env.Claims.IsClaimed(name) || s.env.Markers.HasMarker(name)
}

// Register runs one registration attempt for the incoming unit at path and
// returns how it ended. An error is only returned when no attempt was
// started.
func (s *Service) Register(ctx context.Context, path string) (types.Outcome, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	name := filepath.Base(path)
	if !fsops.Exists(path) {
		return "", Error.New("incoming unit %s does not exist", path)
	}
	if !s.env.Claims.TryClaim(name) {
		return "", ErrOwned.New("%s", name)
	}
	defer s.env.Claims.Release(name)
	if s.env.Markers.HasMarker(name) {
		return "", ErrOwned.New("%s has a recovery marker", name)
	}

	attemptID := uuid.New().String()
	s.track(attemptID, true)
	defer s.track(attemptID, false)

	timer := metrics.NewTimer()
	logger := log.WithIncoming("registrator", name).With().
		Str("dropbox", s.env.DropboxName).
		Str("attempt", attemptID).
		Logger()
	logger.Info().Str("path", path).Msg("Starting registration")

	if err := s.env.Journal.Begin(ctx, attemptID, path, s.env.DropboxName); err != nil {
		logger.Debug().Err(err).Msg("Failed to write registration journal")
	}

	incoming := types.IncomingUnit{Name: name, RealPath: path, LogicalPath: path}
	if s.prestage {
		incoming.LogicalPath = s.env.Layout.PrestagingPath(attemptID, name)
		if err := fsops.LinkTree(path, incoming.LogicalPath); err != nil {
			_ = fsops.RemoveAll(incoming.LogicalPath)
			return s.finish(ctx, attemptID, logger, timer, types.OutcomeRolledBack, Error.New("prestaging failed: %v", err))
		}
	}

	stack, err := rollback.New(s.env.Layout.Tmp, attemptID)
	if err != nil {
		return s.finish(ctx, attemptID, logger, timer, types.OutcomeRolledBack, err)
	}

	cp := &checkpoint.Checkpoint{
		AttemptID:     attemptID,
		DropboxName:   s.env.DropboxName,
		CreatedAt:     s.env.Now().UTC(),
		Incoming:      incoming,
		Mutations:     &types.Mutations{},
		PersistentMap: persistent.New(),
	}

	runner := newRunner(s.env, s.program, cp, stack, logger)
	if runner.Process(ctx) {
		runner.PrepareAndRun(ctx)
	}
	return s.finish(ctx, attemptID, logger, timer, runner.Outcome(), runner.Cause())
}

func (s *Service) finish(ctx context.Context, attemptID string, logger zerolog.Logger, timer *metrics.Timer, outcome types.Outcome, cause error) (types.Outcome, error) {
	metrics.RegistrationsTotal.WithLabelValues(string(outcome)).Inc()
	timer.ObserveDurationVec(metrics.RegistrationDuration, string(outcome))
	if err := s.env.Journal.Finish(context.WithoutCancel(ctx), attemptID, outcome, cause); err != nil {
		logger.Debug().Err(err).Msg("Failed to write registration journal")
	}

	event := logger.Info()
	if outcome != types.OutcomeCommitted {
		event = logger.Warn().Err(cause)
	}
	event.Str("outcome", string(outcome)).Dur("duration", timer.Duration()).Msg("Registration finished")
	return outcome, nil
}

func (s *Service) track(attemptID string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.running[attemptID] = struct{}{}
	} else {
		delete(s.running, attemptID)
	}
}

// CleanupDeadAttempts rolls back the leftovers of attempts that died before
// writing a recovery marker: unlocked rollback stacks and prestaged copies
// that neither a running attempt nor a marker refers to. It is run at
// startup, before the scanner and the recovery driver.
func (s *Service) CleanupDeadAttempts(ctx context.Context) (int, error) {
	owned, err := s.ownedAttempts()
	if err != nil {
		return 0, err
	}

	count, rbErr := rollback.RollbackDeadTransactions(ctx, s.env.Layout.Tmp, s.env.Undoer, func(path string) bool {
		_, ok := owned[strings.TrimSuffix(filepath.Base(path), rollback.FileSuffix)]
		return ok
	})
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Rolled back dead registration attempts")
	}
	return count, errs.Combine(rbErr, s.cleanPrestaging(owned))
}

// ownedAttempts returns the ids of attempts that are running or awaiting
// recovery
func (s *Service) ownedAttempts() (map[string]struct{}, error) {
	owned := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.running {
		owned[id] = struct{}{}
	}
	s.mu.Unlock()

	active, errored, err := s.env.Markers.List()
	if err != nil {
		return nil, err
	}
	for _, marker := range append(active, errored...) {
		cp, err := s.env.Markers.ExtractRecoveryCheckpoint(marker)
		if err != nil {
			continue
		}
		owned[cp.AttemptID] = struct{}{}
	}
	return owned, nil
}

func (s *Service) cleanPrestaging(owned map[string]struct{}) error {
	if s.env.Layout.Prestaging == "" {
		return nil
	}
	entries, err := os.ReadDir(s.env.Layout.Prestaging)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Error.Wrap(err)
	}

	var group errs.Group
	for _, e := range entries {
		// entries are named <attempt uuid>-<incoming name>
		if len(e.Name()) < 37 {
			continue
		}
		if _, ok := owned[e.Name()[:36]]; ok {
			continue
		}
		path := filepath.Join(s.env.Layout.Prestaging, e.Name())
		s.logger.Info().Str("path", path).Msg("Removing stale prestaged copy")
		group.Add(fsops.RemoveAll(path))
	}
	return group.Err()
}
