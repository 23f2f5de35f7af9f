package lock

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")
	l := New(path)

	require.NoError(t, l.Acquire())
	assert.True(t, IsDaemonRunning(path))

	// Acquire is idempotent while held.
	require.NoError(t, l.Acquire())

	l.Release()
	assert.False(t, IsDaemonRunning(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Can re-acquire after release.
	require.NoError(t, l.Acquire())
	l.Release()
}

func TestSecondInstanceRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")
	first := New(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := New(path)
	assert.ErrorIs(t, second.Acquire(), ErrAlreadyLocked)
}

func TestStaleSocketCleanedUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")

	// Leave a socket file behind with no listener. Go unlinks the file
	// on Close by default, which is the opposite of what a crash does.
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	listener.Close()
	require.FileExists(t, path)

	fresh := New(path)
	require.NoError(t, fresh.Acquire())
	fresh.Release()
}

func TestIsDaemonRunningNoSocket(t *testing.T) {
	assert.False(t, IsDaemonRunning(filepath.Join(t.TempDir(), "missing.sock")))
}
