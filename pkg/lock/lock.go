// Package lock ensures only one daemon instance runs at a time.
//
// It binds a unix domain socket as the lock. Only one process can bind a
// socket path, and the kernel releases the bind when the process dies, so
// a crashed daemon never leaves a permanent lock behind. Stale socket
// files (present on disk but with no listener) are detected by a probe
// connection and removed before retrying.
package lock

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyLocked is returned when another daemon holds the lock.
var ErrAlreadyLocked = errors.New("daemon already running")

// SocketPath returns the daemon lock socket location, honoring
// XDG_RUNTIME_DIR when set.
func SocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "maple-daemon.sock")
}

// DaemonLock is a unix-socket based single-instance lock.
type DaemonLock struct {
	path     string
	listener net.Listener
}

// New creates a lock for the given socket path. An empty path uses
// SocketPath(). The lock is not held until Acquire succeeds.
func New(path string) *DaemonLock {
	if path == "" {
		path = SocketPath()
	}
	return &DaemonLock{path: path}
}

// Acquire binds the lock socket. Returns ErrAlreadyLocked if a live
// daemon is listening on it. A stale socket file is removed and the
// bind retried.
func (l *DaemonLock) Acquire() error {
	if l.listener != nil {
		return nil
	}

	if _, err := os.Stat(l.path); err == nil {
		if isSocketAlive(l.path, time.Second) {
			return ErrAlreadyLocked
		}
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("remove stale lock socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	l.listener = listener
	return nil
}

// Release closes the socket and removes the file. Safe to call multiple
// times or when the lock is not held.
func (l *DaemonLock) Release() {
	if l.listener != nil {
		l.listener.Close()
		l.listener = nil
	}
	if _, err := os.Stat(l.path); err == nil {
		os.Remove(l.path)
	}
}

// IsDaemonRunning reports whether a daemon is listening on the lock
// socket at path (empty for the default).
func IsDaemonRunning(path string) bool {
	if path == "" {
		path = SocketPath()
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return isSocketAlive(path, 2*time.Second)
}

func isSocketAlive(path string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
