package rollback

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openbis/dropboxd/pkg/log"
	"github.com/zeebo/errs"
)

// FindStacks returns the persisted stack files in dir, sorted by name
func FindStacks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// RollbackDeadTransactions rolls back and discards stacks left behind by a
// process that died before reaching a recovery checkpoint. Locked stacks
// belong to attempts awaiting recovery, and stacks for which owned returns
// true belong to attempts still running; both are left alone. A stack
// whose rollback failed keeps its failed entries and is retried on the
// next call.
//
// It returns the number of stacks rolled back completely.
func RollbackDeadTransactions(ctx context.Context, dir string, undoer Undoer, owned func(path string) bool) (int, error) {
	logger := log.WithComponent("rollback")

	paths, err := FindStacks(dir)
	if err != nil {
		return 0, err
	}

	var group errs.Group
	count := 0
	for _, path := range paths {
		if owned != nil && owned(path) {
			continue
		}

		stack, err := Open(path)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Unreadable rollback stack, leaving it for inspection")
			group.Add(err)
			continue
		}
		if stack.IsLocked() {
			logger.Debug().Str("path", path).Msg("Skipping locked rollback stack")
			continue
		}

		logger.Info().
			Str("path", path).
			Int("entries", stack.Len()).
			Msg("Rolling back dead transaction")

		if err := stack.RollbackAll(ctx, undoer); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Dead transaction only partly rolled back, keeping it")
			group.Add(err)
			continue
		}
		if err := stack.Discard(); err != nil {
			group.Add(err)
		}
		count++
	}

	return count, group.Err()
}
