package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// DaemonStatusValue represents the health state of the daemon.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

// AlreadyRunningError is returned when a live daemon holds the PID file.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (PID %d)", e.PID)
}

// exitFunc is replaced in tests.
var exitFunc = os.Exit //nolint:gochecknoglobals // test seam for forced exit

// WritePIDFile replaces the PID file atomically so a concurrent reader never
// sees a partial number.
func WritePIDFile(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fleet-pid-*")
	if err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod PID file %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from the given file path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parse PID from %s: invalid content %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. Missing is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// removeOwnPIDFile removes the PID file only while it still names pid, so a
// daemon exiting late cannot delete its successor's file.
func removeOwnPIDFile(path string, pid int) {
	if got, err := ReadPIDFile(path); err == nil && got == pid {
		_ = RemovePIDFile(path)
	}
}

// IsProcessAlive checks whether a process with the given PID is running.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// DaemonStatus checks the daemon PID file and process liveness.
// Returns the status, the PID (0 if stopped), and any unexpected error.
func DaemonStatus(pidPath string) (status DaemonStatusValue, pid int, err error) {
	pid, err = ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}

	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// ClaimPIDFile records the current process as the daemon. A stale or
// unreadable file is replaced; a live daemon is an *AlreadyRunningError.
func ClaimPIDFile(pidPath string) error {
	status, pid, err := DaemonStatus(pidPath)
	if err == nil && status == StatusRunning && pid != os.Getpid() {
		return &AlreadyRunningError{PID: pid}
	}
	return WritePIDFile(pidPath, os.Getpid())
}

// StopDaemon reads the PID file and sends SIGTERM to the daemon process.
// The daemon answers SIGTERM with its full shutdown sequence.
func StopDaemon(pidPath string) (int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return 0, fmt.Errorf("stop daemon: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return pid, nil
}

// SetupSignalHandler cancels the returned context on the first SIGTERM or
// SIGINT, which starts the daemon's orderly shutdown. A second signal while
// that shutdown is running exits at once. cleanup cancels the context and
// removes the PID file if it is still ours; callers should defer it.
func SetupSignalHandler(parent context.Context, pidPath string, logger *slog.Logger) (shutdownCtx context.Context, cleanup func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	pid := os.Getpid()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("shutdown requested", "signal", sig.String())
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigCh:
			logger.Warn("second signal, exiting without cleanup", "signal", sig.String())
			removeOwnPIDFile(pidPath, pid)
			exitFunc(1)
		case <-done:
		}
	}()

	var once sync.Once
	cleanup = func() {
		once.Do(func() {
			close(done)
			cancel()
			removeOwnPIDFile(pidPath, pid)
		})
	}
	return ctx, cleanup
}
