package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDaemonLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	pidFile := filepath.Join(tmpDir, "fleet.pid")

	t.Run("WritePIDFile writes current PID", func(t *testing.T) {
		pid := os.Getpid()
		if err := WritePIDFile(pidFile, pid); err != nil {
			t.Fatalf("WritePIDFile failed: %v", err)
		}
		defer os.Remove(pidFile)

		data, err := os.ReadFile(pidFile) //nolint:gosec // test file, path is from t.TempDir
		if err != nil {
			t.Fatalf("reading PID file: %v", err)
		}
		got, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			t.Fatalf("parsing PID from file: %v", err)
		}
		if got != pid {
			t.Errorf("PID file contains %d, want %d", got, pid)
		}
	})

	t.Run("ReadPIDFile tolerates trailing newline", func(t *testing.T) {
		if err := os.WriteFile(pidFile, []byte("12345\n"), 0o600); err != nil {
			t.Fatalf("setup: %v", err)
		}
		defer os.Remove(pidFile)

		got, err := ReadPIDFile(pidFile)
		if err != nil {
			t.Fatalf("ReadPIDFile failed: %v", err)
		}
		if got != 12345 {
			t.Errorf("ReadPIDFile = %d, want 12345", got)
		}
	})

	t.Run("ReadPIDFile returns error for non-numeric content", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.pid")
		if err := os.WriteFile(bad, []byte("notanumber"), 0o600); err != nil {
			t.Fatalf("setup: %v", err)
		}
		if _, err := ReadPIDFile(bad); err == nil {
			t.Fatal("expected error for non-numeric PID file")
		}
	})

	t.Run("RemovePIDFile is idempotent", func(t *testing.T) {
		if err := RemovePIDFile(filepath.Join(tmpDir, "never.pid")); err != nil {
			t.Fatalf("RemovePIDFile on missing file: %v", err)
		}
	})
}

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.CommandContext(context.Background(), "true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run `true`: %v", err)
	}
	return cmd.Process.Pid
}

func TestDaemonStatus(t *testing.T) {
	dir := t.TempDir()

	t.Run("stopped without PID file", func(t *testing.T) {
		status, pid, err := DaemonStatus(filepath.Join(dir, "missing.pid"))
		if err != nil {
			t.Fatal(err)
		}
		if status != StatusStopped || pid != 0 {
			t.Errorf("got %s/%d, want stopped/0", status, pid)
		}
	})

	t.Run("running for a live process", func(t *testing.T) {
		path := filepath.Join(dir, "live.pid")
		if err := WritePIDFile(path, os.Getpid()); err != nil {
			t.Fatal(err)
		}
		status, pid, err := DaemonStatus(path)
		if err != nil {
			t.Fatal(err)
		}
		if status != StatusRunning || pid != os.Getpid() {
			t.Errorf("got %s/%d, want running/%d", status, pid, os.Getpid())
		}
	})

	t.Run("stale for a dead process", func(t *testing.T) {
		path := filepath.Join(dir, "dead.pid")
		if err := WritePIDFile(path, deadPID(t)); err != nil {
			t.Fatal(err)
		}
		status, _, err := DaemonStatus(path)
		if err != nil {
			t.Fatal(err)
		}
		if status != StatusStale {
			t.Errorf("status = %s, want stale", status)
		}
	})
}

func TestSetupSignalHandlerCleanupRemovesPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.pid")
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatal(err)
	}

	ctx, cleanup := SetupSignalHandler(context.Background(), path, discardLogger())
	cleanup()
	cleanup() // idempotent

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by cleanup")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still present after cleanup: %v", err)
	}
}

func TestClaimPIDFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("replaces a stale file", func(t *testing.T) {
		path := filepath.Join(dir, "stale.pid")
		if err := WritePIDFile(path, deadPID(t)); err != nil {
			t.Fatal(err)
		}
		if err := ClaimPIDFile(path); err != nil {
			t.Fatalf("ClaimPIDFile: %v", err)
		}
		if got, _ := ReadPIDFile(path); got != os.Getpid() {
			t.Errorf("PID file holds %d, want %d", got, os.Getpid())
		}
	})

	t.Run("replaces garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		if err := os.WriteFile(path, []byte("nope"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := ClaimPIDFile(path); err != nil {
			t.Fatalf("ClaimPIDFile: %v", err)
		}
	})

	t.Run("refuses a live daemon", func(t *testing.T) {
		other := exec.CommandContext(context.Background(), "sleep", "5")
		if err := other.Start(); err != nil {
			t.Skipf("cannot start sleep: %v", err)
		}
		t.Cleanup(func() {
			_ = other.Process.Kill()
			_ = other.Wait()
		})
		path := filepath.Join(dir, "live.pid")
		if err := WritePIDFile(path, other.Process.Pid); err != nil {
			t.Fatal(err)
		}

		err := ClaimPIDFile(path)
		var running *AlreadyRunningError
		if !errors.As(err, &running) || running.PID != other.Process.Pid {
			t.Fatalf("err = %v, want AlreadyRunningError for %d", err, other.Process.Pid)
		}
	})
}

func TestSetupSignalHandlerKeepsForeignPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.pid")
	_, cleanup := SetupSignalHandler(context.Background(), path, discardLogger())

	// A newer daemon took over the file before this one finished.
	if err := WritePIDFile(path, os.Getpid()+1); err != nil {
		t.Fatal(err)
	}
	cleanup()

	if got, err := ReadPIDFile(path); err != nil || got != os.Getpid()+1 {
		t.Errorf("PID file = %d, %v; want it left alone", got, err)
	}
}

func TestSetupSignalHandlerSecondSignalExits(t *testing.T) {
	var exited atomic.Int32
	exitFunc = func(code int) { exited.Store(int32(code)) }
	t.Cleanup(func() { exitFunc = os.Exit })

	path := filepath.Join(t.TempDir(), "fleet.pid")
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	ctx, cleanup := SetupSignalHandler(context.Background(), path, discardLogger())
	defer cleanup()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first signal did not cancel the context")
	}
	if exited.Load() != 0 {
		t.Fatal("exited on the first signal")
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return exited.Load() == 1 }, 2*time.Second)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still present after forced exit: %v", err)
	}
}
