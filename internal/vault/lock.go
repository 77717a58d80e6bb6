package vault

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// LockFileName is created inside the data directory while a vault is open.
const LockFileName = ".lock"

// FileLock is a cross-process exclusive lock on a data directory.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock for dir. The lock file is <dir>/.lock.
func NewFileLock(dir string) *FileLock {
	path := filepath.Join(dir, LockFileName)
	return &FileLock{path: path, flock: flock.New(path)}
}

// TryLock acquires the lock without blocking. A lock held by another
// process is reported as ERR_203_DATA_DIR_LOCKED.
func (l *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return tcerrors.StorageError("failed to create data directory", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return tcerrors.StorageError("failed to acquire data directory lock", err)
	}
	if !acquired {
		return tcerrors.New(tcerrors.ErrCodeDataDirLocked,
			fmt.Sprintf("data directory %s is in use by another process", filepath.Dir(l.path)), nil).
			WithDetail("lock", l.path).
			WithSuggestion("stop the other tonecapture process (for example a running `tonecapture watch`)")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Calling it on an unlocked FileLock is a noop.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return tcerrors.StorageError("failed to release data directory lock", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }
