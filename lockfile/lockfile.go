// Package lockfile wraps advisory whole-file locks for the shared state
// directory. Locks are scoped to the process: the kernel drops them on exit,
// so a crashed hook can never leak a slot.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned by AcquireTimeout when the lock could not be taken
// within the given duration.
var ErrTimeout = errors.New("timed out waiting for lock")

// retryDelay is how often a bounded acquire re-attempts the lock.
const retryDelay = 5 * time.Second

type Lock struct {
	fl *flock.Flock
}

// Open prepares the lock file at path, creating the parent directory and the
// file itself if needed. Creation is idempotent across processes.
func Open(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file '%s': %w", path, err)
	}
	_ = f.Close()
	return &Lock{fl: flock.New(path)}, nil
}

func (l *Lock) Path() string {
	return l.fl.Path()
}

// TryExclusive attempts a non-blocking exclusive acquire. true means the
// caller now owns the lock until Release or process exit.
func (l *Lock) TryExclusive() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to lock '%s': %w", l.Path(), err)
	}
	return ok, nil
}

// Acquire blocks until the exclusive lock is held.
func (l *Lock) Acquire() error {
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock '%s': %w", l.Path(), err)
	}
	return nil
}

// AcquireTimeout blocks up to d for the exclusive lock, returning ErrTimeout
// when the wait expires.
func (l *Lock) AcquireTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	ok, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to lock '%s': %w", l.Path(), err)
	}
	if !ok {
		return ErrTimeout
	}
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// Probe reports whether someone else currently holds the lock, by attempting
// a non-blocking acquire and immediately releasing it on success.
func (l *Lock) Probe() (busy bool, err error) {
	ok, err := l.TryExclusive()
	if err != nil {
		return false, err
	}
	if ok {
		return false, l.Release()
	}
	return true, nil
}

// Touch updates the lock file's mtime so operators can see when a slot was
// last taken.
func (l *Lock) Touch() error {
	now := time.Now()
	return os.Chtimes(l.Path(), now, now)
}

// Unlink removes the lock file from disk. Holders of the old inode keep
// whatever lock they had; future opens get a fresh file.
func (l *Lock) Unlink() error {
	return os.Remove(l.Path())
}
