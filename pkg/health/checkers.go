package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openbis/dropboxd/pkg/fsops"
)

// DirectoryChecker verifies that a set of directories exists and accepts
// new files
type DirectoryChecker struct {
	Paths []string
}

// NewDirectoryChecker creates a checker for the given directories
func NewDirectoryChecker(paths ...string) *DirectoryChecker {
	return &DirectoryChecker{Paths: paths}
}

// Check creates and removes a scratch file in every directory
func (d *DirectoryChecker) Check(ctx context.Context) Result {
	start := time.Now()

	for _, dir := range d.Paths {
		if err := ctx.Err(); err != nil {
			return timed(start, false, err.Error())
		}
		f, err := os.CreateTemp(dir, ".healthcheck-*")
		if err != nil {
			return timed(start, false, fmt.Sprintf("directory %s is not writable: %v", dir, err))
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
	}

	return timed(start, true, fmt.Sprintf("%d directories writable", len(d.Paths)))
}

// Type returns the check type
func (d *DirectoryChecker) Type() CheckType {
	return CheckTypeDirectory
}

// DiskSpaceChecker verifies that the filesystem holding Path has at least
// MinFreeBytes available
type DiskSpaceChecker struct {
	Path         string
	MinFreeBytes uint64
}

// NewDiskSpaceChecker creates a new free space checker
func NewDiskSpaceChecker(path string, minFreeBytes uint64) *DiskSpaceChecker {
	return &DiskSpaceChecker{Path: path, MinFreeBytes: minFreeBytes}
}

// Check compares free space with the configured minimum
func (d *DiskSpaceChecker) Check(ctx context.Context) Result {
	start := time.Now()

	free, err := fsops.FreeBytes(d.Path)
	if err != nil {
		return timed(start, false, fmt.Sprintf("statfs failed: %v", err))
	}
	if free < d.MinFreeBytes {
		return timed(start, false, fmt.Sprintf("%s free on %s, need %s",
			humanize.IBytes(free), d.Path, humanize.IBytes(d.MinFreeBytes)))
	}
	return timed(start, true, fmt.Sprintf("%s free on %s", humanize.IBytes(free), d.Path))
}

// Type returns the check type
func (d *DiskSpaceChecker) Type() CheckType {
	return CheckTypeDisk
}

// Pinger is the part of the entity store a readiness check needs
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker verifies that the entity store answers
type StoreChecker struct {
	Store   Pinger
	Timeout time.Duration
}

// NewStoreChecker creates a new entity store checker
func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{
		Store:   store,
		Timeout: 5 * time.Second,
	}
}

// Check pings the store
func (s *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	if err := s.Store.Ping(ctx); err != nil {
		return timed(start, false, fmt.Sprintf("entity store unreachable: %v", err))
	}
	return timed(start, true, "entity store reachable")
}

// Type returns the check type
func (s *StoreChecker) Type() CheckType {
	return CheckTypeStore
}

// WithTimeout sets the ping timeout
func (s *StoreChecker) WithTimeout(timeout time.Duration) *StoreChecker {
	s.Timeout = timeout
	return s
}
