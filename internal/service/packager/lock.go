package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/logger"
)

const (
	// LockFilename marks a packaging run in progress; it holds the owner PID.
	LockFilename = ".qigeometry-packager.lock"

	// emptyLockGrace is how long an empty lock counts as held by a run that is still writing its PID.
	emptyLockGrace = 10 * time.Second
)

// ErrAlreadyRunning indicates that another run owns the project directory.
var ErrAlreadyRunning = errors.New("another packaging run is in progress")

// claimMu serializes lock claims within the process.
// afero.MemMapFs checks and creates O_EXCL files in two steps.
//
//nolint:gochecknoglobals // Shared by every run in the process.
var claimMu sync.Mutex

// acquireLock claims dir for this process and returns the release function.
// The lock is created exclusively; a lock whose PID no longer belongs to a running process is replaced once.
func acquireLock(ctx context.Context, fsys afero.Fs, dir string) (func() error, error) {
	path := filepath.Join(dir, LockFilename)

	if err := fsys.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	logger.Debug(ctx, "Checking for the presence of a packaging lock")

	claimMu.Lock()
	defer claimMu.Unlock()

	err := createLock(fsys, path)
	if errors.Is(err, os.ErrExist) {
		if err = checkStaleLock(ctx, fsys, path); err != nil {
			return nil, err
		}

		err = createLock(fsys, path)
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s was claimed concurrently", ErrAlreadyRunning, path)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}

	release := func() error {
		if removeErr := fsys.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return fmt.Errorf("remove lock: %w", removeErr)
		}

		return nil
	}

	return release, nil
}

// createLock writes the current PID to path, failing with os.ErrExist when the file is already there.
func createLock(fsys afero.Fs, path string) error {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return err
	}

	_, err = f.WriteString(strconv.Itoa(os.Getpid()))

	return multierr.Append(err, f.Close())
}

// checkStaleLock fails with ErrAlreadyRunning while the lock owner is alive and removes the lock otherwise.
func checkStaleLock(ctx context.Context, fsys afero.Fs, path string) error {
	contents, err := afero.ReadFile(fsys, path)

	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		// The owner released it between the two calls.
		return nil
	default:
		return fmt.Errorf("read lock: %w", err)
	}

	text := strings.TrimSpace(string(contents))
	if text == "" && isFreshLock(fsys, path) {
		// The owner has created the file but not written its PID yet.
		return fmt.Errorf("%w: %s is being claimed", ErrAlreadyRunning, path)
	}

	pid, parseErr := strconv.Atoi(text)
	if parseErr == nil && isProcessRunning(ctx, pid) {
		return fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, pid, path)
	}

	logger.InfoKV(ctx, "The packaging lock is stale, replacing it", "path", path)

	if err = fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}

	return nil
}

// isFreshLock reports whether the lock at path was modified within emptyLockGrace.
func isFreshLock(fsys afero.Fs, path string) bool {
	info, err := fsys.Stat(path)
	if err != nil {
		return false
	}

	return time.Since(info.ModTime()) < emptyLockGrace
}

// isProcessRunning reports whether pid belongs to a live process.
// Lookup failures count as running so that a lock is never stolen by mistake.
func isProcessRunning(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		logger.WarnKV(ctx, "Unable to inspect the lock owner", "pid", pid, "error", err)
		return true
	}

	return process != nil
}
