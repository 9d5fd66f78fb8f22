// flock.go provides cross-process file locking, wrapping gofrs/flock (the
// pack's advisory-lock library) behind the narrow Lock/TryLock/Unlock
// surface the rest of this module calls.
package util

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock provides cross-process file locking.
// Unlike sync.Mutex which only works within a process, FileLock ensures
// mutual exclusion across multiple processes on the same machine.
type FileLock struct {
	path string
	fl   *flock.Flock
}

// NewFileLock creates a new file lock for the given path.
// The lock file will be created if it doesn't exist.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock acquires an exclusive lock on the file.
// This blocks until the lock is acquired.
// The caller must call Unlock when done.
func (l *FileLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	l.fl = flock.New(l.path)
	return l.fl.Lock()
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if it's already held.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, err
	}
	l.fl = flock.New(l.path)
	return l.fl.TryLock()
}

// Unlock releases the lock.
// Safe to call even if not locked.
func (l *FileLock) Unlock() error {
	if l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}

// WithLock executes a function while holding the lock.
// This is a convenience wrapper that handles Lock/Unlock automatically.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
