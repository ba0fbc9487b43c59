package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
)

func alwaysAlive(context.Context, int) (bool, error) { return true, nil }
func neverAlive(context.Context, int) (bool, error)  { return false, nil }

func newTestLocker(t *testing.T, dir string, pid int, opts ...Option) *Locker {
	t.Helper()
	base := []Option{
		WithPID(pid),
		WithTimeout(200 * time.Millisecond),
		WithPollInterval(10 * time.Millisecond),
		WithAliveFunc(alwaysAlive),
	}
	return New(filepath.Join(dir, "fleetup.lock"), append(base, opts...)...)
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocker(t, dir, 1001)

	lk, err := l.Acquire(context.Background())
	require.NoError(t, err)

	holder, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, 1001, holder)
	assert.NoError(t, lk.Verify())

	require.NoError(t, lk.Release())
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err), "lock directory should be gone")

	assert.ErrorIs(t, lk.Release(), ErrReleased)
	assert.ErrorIs(t, lk.Verify(), ErrReleased)
}

func TestAcquire_TimesOutWhileHeld(t *testing.T) {
	dir := t.TempDir()
	first := newTestLocker(t, dir, 1001)
	second := newTestLocker(t, dir, 1002)

	lk, err := first.Acquire(context.Background())
	require.NoError(t, err)
	defer lk.Release()

	start := time.Now()
	_, err = second.Acquire(context.Background())
	require.Error(t, err)

	var lockErr *uperrors.LockTimeoutError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, 1001, lockErr.Holder)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	holder, err := first.Holder()
	require.NoError(t, err)
	assert.Equal(t, 1001, holder, "second attempt must not disturb the holder")
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	dir := t.TempDir()
	first := newTestLocker(t, dir, 1001)
	second := newTestLocker(t, dir, 1002, WithTimeout(2*time.Second))

	lk, err := first.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lk.Release()
	}()

	lk2, err := second.Acquire(context.Background())
	require.NoError(t, err)
	defer lk2.Release()

	holder, err := second.Holder()
	require.NoError(t, err)
	assert.Equal(t, 1002, holder)
}

func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	dead := newTestLocker(t, dir, 4242)
	_, err := dead.Acquire(context.Background())
	require.NoError(t, err)
	// Holder "crashes" without releasing.

	l := newTestLocker(t, dir, 1001, WithAliveFunc(neverAlive))
	lk, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer lk.Release()

	holder, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, 1001, holder)
}

func TestAcquire_DoesNotReclaimLiveHolder(t *testing.T) {
	dir := t.TempDir()
	live := newTestLocker(t, dir, 4242)
	lk, err := live.Acquire(context.Background())
	require.NoError(t, err)
	defer lk.Release()

	var probed atomic.Int32
	l := newTestLocker(t, dir, 1001, WithAliveFunc(func(_ context.Context, pid int) (bool, error) {
		probed.Add(1)
		assert.Equal(t, 4242, pid)
		return true, nil
	}))
	_, err = l.Acquire(context.Background())
	var lockErr *uperrors.LockTimeoutError
	require.ErrorAs(t, err, &lockErr)
	assert.Positive(t, probed.Load())
}

func TestReclaim_BacksOffWhileAdvisoryLockHeld(t *testing.T) {
	dir := t.TempDir()
	dead := newTestLocker(t, dir, 4242)
	_, err := dead.Acquire(context.Background())
	require.NoError(t, err)

	l := newTestLocker(t, dir, 1001, WithAliveFunc(neverAlive))

	// Another process is mid-reclaim.
	fl, err := OpenFileLock(l.reclaimPath)
	require.NoError(t, err)
	got, err := fl.TryLock()
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, l.reclaimStale(context.Background()))
	holder, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, 4242, holder, "reclaim must not proceed without the advisory lock")

	require.NoError(t, fl.Close())
	require.NoError(t, l.reclaimStale(context.Background()))
	holder, err = l.Holder()
	require.NoError(t, err)
	assert.Zero(t, holder)
}

func TestReclaim_MissingPIDRespectsGrace(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocker(t, dir, 1001, WithAliveFunc(neverAlive), WithGrace(time.Hour))
	require.NoError(t, os.Mkdir(l.Path(), 0o700))

	require.NoError(t, l.reclaimStale(context.Background()))
	_, err := os.Stat(l.Path())
	require.NoError(t, err, "fresh lock without pid is presumed mid-creation")

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(l.Path(), old, old))
	require.NoError(t, l.reclaimStale(context.Background()))
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestVerify_DetectsLostLock(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocker(t, dir, 1001)
	lk, err := l.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(l.Path(), pidFile), []byte(strconv.Itoa(9999)), 0o600))

	assert.ErrorIs(t, lk.Verify(), ErrNotHeld)
	assert.ErrorIs(t, lk.Release(), ErrNotHeld)
	_, err = os.Stat(l.Path())
	assert.NoError(t, err, "release must not remove a lock owned by someone else")
}

func TestAcquire_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	first := newTestLocker(t, dir, 1001)
	lk, err := first.Acquire(context.Background())
	require.NoError(t, err)
	defer lk.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	second := newTestLocker(t, dir, 1002, WithTimeout(5*time.Second))
	_, err = second.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_ConcurrentContendersOneWinner(t *testing.T) {
	dir := t.TempDir()
	const n = 8

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		locks   = make([]*Lock, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := newTestLocker(t, dir, 2000+i, WithTimeout(50*time.Millisecond))
			lk, err := l.Acquire(context.Background())
			if err == nil {
				winners.Add(1)
				locks[i] = lk
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	for _, lk := range locks {
		if lk != nil {
			assert.NoError(t, lk.Release())
		}
	}
}

func TestFileLock_ExclusiveAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	a, err := OpenFileLock(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenFileLock(path)
	require.NoError(t, err)
	defer b.Close()

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock())
	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithFileLock_RespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	holder, err := OpenFileLock(path)
	require.NoError(t, err)
	defer holder.Close()
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	called := false
	err = WithFileLock(ctx, path, 5*time.Millisecond, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
