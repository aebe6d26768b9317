package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ErrDaemonRunning means another daemon already answers on the socket path.
var ErrDaemonRunning = errors.New("another fleet daemon is already running")

const socketDialTimeout = time.Second

// listenSocket binds the control socket owner-only. A leftover socket from a
// daemon that died without cleanup is removed; a live one is ErrDaemonRunning.
func listenSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := reclaimSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return ln, nil
}

func reclaimSocket(path string) error {
	fi, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("stat socket %s: %w", path, err)
	case fi.IsDir():
		return fmt.Errorf("socket path %s is a directory", path)
	}

	if fi.Mode()&fs.ModeSocket != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), socketDialTimeout)
		defer cancel()
		var dialer net.Dialer
		if conn, err := dialer.DialContext(ctx, "unix", path); err == nil {
			_ = conn.Close()
			return fmt.Errorf("%w on %s", ErrDaemonRunning, path)
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
