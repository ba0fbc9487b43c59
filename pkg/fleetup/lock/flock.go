package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock is an OS-level advisory lock (flock) on a dedicated file.
// Locks are held per open file, so two FileLocks on the same path conflict
// even inside one process.
type FileLock struct {
	path string
	f    *os.File
}

// OpenFileLock opens (creating if needed) the lock file at path.
// The file is created with owner-only permissions.
func OpenFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileLock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// TryLock attempts an exclusive lock without blocking.
// Returns false, nil when another holder has it.
func (l *FileLock) TryLock() (bool, error) {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return false, nil
	}
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return false, fmt.Errorf("flock %s: %w", l.path, err)
}

// Lock polls TryLock until it succeeds or ctx is done.
func (l *FileLock) Lock(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock (if held) and closes the file.
func (l *FileLock) Close() error {
	return l.f.Close()
}

// WithFileLock runs fn while holding an exclusive flock on path.
func WithFileLock(ctx context.Context, path string, poll time.Duration, fn func() error) error {
	fl, err := OpenFileLock(path)
	if err != nil {
		return err
	}
	defer fl.Close()

	if err := fl.Lock(ctx, poll); err != nil {
		return err
	}
	defer fl.Unlock() //nolint:errcheck // Close releases the lock regardless

	return fn()
}
