// Package lock provides the session lock: a cross-process mutual exclusion
// primitive built from an exclusively-created directory that records the
// holder's PID.
//
// Acquisition creates the directory (create-if-absent), writes the PID,
// then reads it back to confirm ownership. A lock whose holder no longer
// exists is stale; reclaiming it happens only while holding a secondary
// advisory flock, and every other mutation of the lock directory (acquire,
// release) takes that same flock. The liveness check and the removal are
// therefore atomic with respect to every cooperating process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

const pidFile = "pid"

// Sentinel errors.
var (
	// ErrNotHeld indicates the lock directory no longer records our PID.
	ErrNotHeld = errors.New("lock not held by this process")

	// ErrReleased indicates Release was already called.
	ErrReleased = errors.New("lock already released")
)

// AliveFunc reports whether a process with the given PID exists.
type AliveFunc func(ctx context.Context, pid int) (bool, error)

// ProcessAlive checks liveness through gopsutil.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Locker acquires and reclaims the session lock at a fixed path.
type Locker struct {
	dir         string
	reclaimPath string
	timeout     time.Duration
	poll        time.Duration
	grace       time.Duration
	pid         int
	alive       AliveFunc
	logger      *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithTimeout bounds how long Acquire blocks. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithPollInterval sets the sleep between acquisition attempts. Default: 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithGrace sets how long a lock directory without a PID file is assumed
// to be mid-creation rather than abandoned. Default: 5s.
func WithGrace(d time.Duration) Option {
	return func(l *Locker) {
		l.grace = d
	}
}

// WithPID overrides the PID recorded in the lock. Tests use this to model
// several processes in one.
func WithPID(pid int) Option {
	return func(l *Locker) {
		l.pid = pid
	}
}

// WithAliveFunc overrides the liveness probe.
func WithAliveFunc(fn AliveFunc) Option {
	return func(l *Locker) {
		if fn != nil {
			l.alive = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Locker for the lock directory at path. The advisory
// reclaim file lives next to it at path + ".reclaim".
func New(path string, opts ...Option) *Locker {
	l := &Locker{
		dir:         filepath.Clean(path),
		reclaimPath: filepath.Clean(path) + ".reclaim",
		timeout:     30 * time.Second,
		poll:        250 * time.Millisecond,
		grace:       5 * time.Second,
		pid:         os.Getpid(),
		alive:       ProcessAlive,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock directory path.
func (l *Locker) Path() string {
	return l.dir
}

// Holder returns the PID recorded in the lock, or 0 if the lock is free
// or has no PID yet.
func (l *Locker) Holder() (int, error) {
	pid, err := l.readPID()
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return pid, err
}

// Acquire blocks until the lock is obtained, the timeout elapses
// (LockTimeoutError), or ctx is cancelled.
func (l *Locker) Acquire(ctx context.Context) (*Lock, error) {
	start := time.Now()
	deadline := start.Add(l.timeout)
	var lastErr error

	for {
		ok, err := l.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			l.logger.Debug("session lock acquired",
				slog.String("path", l.dir),
				slog.Int("pid", l.pid),
				slog.Duration("waited", time.Since(start)))
			return &Lock{locker: l}, nil
		}

		if err := l.reclaimStale(ctx); err != nil {
			lastErr = err
		}

		if !time.Now().Before(deadline) {
			holder, _ := l.Holder()
			return nil, &uperrors.LockTimeoutError{
				Path:    l.dir,
				Holder:  holder,
				Waited:  time.Since(start),
				LastErr: lastErr,
			}
		}

		wait := l.poll
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire makes one attempt. Returns false, nil when the lock is held
// by someone else or another process is mutating the lock directory.
func (l *Locker) tryAcquire(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.dir), 0o700); err != nil {
		return false, fmt.Errorf("create lock parent: %w", err)
	}

	fl, err := OpenFileLock(l.reclaimPath)
	if err != nil {
		return false, err
	}
	defer fl.Close()

	got, err := fl.TryLock()
	if err != nil || !got {
		return false, err
	}
	defer fl.Unlock() //nolint:errcheck // Close releases the lock regardless

	if err := os.Mkdir(l.dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	if err := l.writePID(); err != nil {
		_ = os.RemoveAll(l.dir)
		return false, err
	}

	// Read-back: a process that skips the advisory lock could have raced
	// us; whoever's PID is on disk owns the lock.
	holder, err := l.readPID()
	if err != nil || holder != l.pid {
		l.logger.Warn("lost lock creation race",
			slog.String("path", l.dir),
			slog.Int("holder", holder))
		return false, nil
	}
	return true, nil
}

// reclaimStale removes the lock if its holder is dead. It runs entirely
// under the advisory flock; if another process holds that flock we back
// off and let the caller retry.
func (l *Locker) reclaimStale(ctx context.Context) error {
	fl, err := OpenFileLock(l.reclaimPath)
	if err != nil {
		return err
	}
	defer fl.Close()

	got, err := fl.TryLock()
	if err != nil || !got {
		return err
	}
	defer fl.Unlock() //nolint:errcheck // Close releases the lock regardless

	info, err := os.Stat(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat lock: %w", err)
	}

	holder, err := l.readPID()
	if err != nil {
		// A directory without a readable PID is either mid-creation by a
		// non-cooperating process or left behind by a crash.
		if time.Since(info.ModTime()) < l.grace {
			return nil
		}
		l.logger.Warn("reclaiming lock without holder PID",
			slog.String("path", l.dir),
			slog.String("error", err.Error()))
		return l.remove()
	}

	if holder == l.pid {
		return nil
	}

	alive, err := l.alive(ctx, holder)
	if err != nil {
		return fmt.Errorf("check lock holder %d: %w", holder, err)
	}
	if alive {
		return nil
	}

	l.logger.Warn("reclaiming stale lock",
		slog.String("path", l.dir),
		slog.Int("dead_holder", holder))
	return l.remove()
}

func (l *Locker) remove() error {
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// writePID records our PID via temp file and rename so readers never see
// a partial value.
func (l *Locker) writePID() error {
	tmp, err := os.CreateTemp(l.dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("create pid temp: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(l.pid) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write pid: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close pid temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, pidFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install pid: %w", err)
	}
	return nil
}

func (l *Locker) readPID() (int, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, pidFile))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Lock is a held session lock.
type Lock struct {
	locker   *Locker
	released bool
}

// Verify confirms the lock directory still records our PID.
func (lk *Lock) Verify() error {
	if lk.released {
		return ErrReleased
	}
	holder, err := lk.locker.readPID()
	if err != nil || holder != lk.locker.pid {
		return fmt.Errorf("%w: %s", ErrNotHeld, lk.locker.dir)
	}
	return nil
}

// Release removes the lock if we still hold it. The removal happens under
// the advisory flock so it cannot interleave with a reclaim.
func (lk *Lock) Release() error {
	if lk.released {
		return ErrReleased
	}
	l := lk.locker

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	err := WithFileLock(ctx, l.reclaimPath, 10*time.Millisecond, func() error {
		holder, err := l.readPID()
		if err != nil || holder != l.pid {
			return fmt.Errorf("%w: %s", ErrNotHeld, l.dir)
		}
		return l.remove()
	})
	if err != nil {
		return err
	}
	lk.released = true
	l.logger.Debug("session lock released", slog.String("path", l.dir))
	return nil
}
