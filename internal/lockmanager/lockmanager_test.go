package lockmanager

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, WithTimeout(200*time.Millisecond), WithStaleThreshold(50*time.Millisecond))
	require.NoError(t, err)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)

	lock, err := m.Acquire(context.Background(), "write_memory")
	require.NoError(t, err)
	require.FileExists(t, lock.path)

	lock.Release()
	require.NoFileExists(t, lock.path)
}

func TestAcquireReclaimsDeadHolder(t *testing.T) {
	m := newTestManager(t)
	path := m.lockPath("write_memory")

	require.NoError(t, claimLockFile(path, "write_memory"))
	lf, err := readLockFile(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), lf.HolderPID)

	// Overwrite with a PID that cannot be alive.
	rewriteLockHolder(t, path, 999999, time.Now())

	lock, err := m.Acquire(context.Background(), "write_memory")
	require.NoError(t, err)
	lock.Release()
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	m := newTestManager(t)
	path := m.lockPath("write_memory")

	require.NoError(t, claimLockFile(path, "write_memory"))
	rewriteLockHolder(t, path, os.Getpid(), time.Now().Add(-time.Hour))

	lock, err := m.Acquire(context.Background(), "write_memory")
	require.NoError(t, err)
	lock.Release()
}

func TestAcquireTimesOutOnLiveHolder(t *testing.T) {
	// The stale threshold is well beyond the timeout, so the live holder is
	// never reclaimed and Acquire runs out its timeout.
	m, err := New(t.TempDir(), WithTimeout(200*time.Millisecond), WithStaleThreshold(time.Minute))
	require.NoError(t, err)
	path := m.lockPath("write_memory")
	require.NoError(t, claimLockFile(path, "write_memory"))

	_, err = m.Acquire(context.Background(), "write_memory")
	require.Error(t, err)
}

func TestCloseReleasesHeldLocks(t *testing.T) {
	m := newTestManager(t)
	lock, err := m.Acquire(context.Background(), "write_memory")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoFileExists(t, lock.path)
}

func rewriteLockHolder(t *testing.T, path string, pid int, acquiredAt time.Time) {
	t.Helper()
	require.NoError(t, os.Remove(path))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(`{"holder_pid":` + strconv.Itoa(pid) + `,"acquired_at":"` + acquiredAt.UTC().Format(time.RFC3339Nano) + `","operation":"write_memory"}`)
	require.NoError(t, err)
}
