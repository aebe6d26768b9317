package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// DaemonSpawner abstracts starting the daemon process for testing.
type DaemonSpawner interface {
	SpawnDaemon(logPath string) (pid int, err error)
}

// ExecDaemonSpawner re-executes the current binary as `fleet daemon` in its
// own session so it outlives the shell.
type ExecDaemonSpawner struct{}

// SpawnDaemon starts the child and returns its PID without waiting.
func (e *ExecDaemonSpawner) SpawnDaemon(logPath string) (int, error) {
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is built from the fleet home dir
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer out.Close()

	child := exec.CommandContext(context.Background(), os.Args[0], "daemon") //nolint:gosec // intentionally re-executing self
	child.Stdout = out
	child.Stderr = out
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}

// socketPollTimeout is the maximum time to wait for the daemon socket.
const socketPollTimeout = 10 * time.Second

// socketPollInterval is how often to check for the socket file.
const socketPollInterval = 50 * time.Millisecond

// newStartCmd creates the "fleet start" subcommand.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the fleet daemon in the background",
		Long:  "Spawns `fleet daemon` detached from the terminal and waits until its socket accepts connections.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := e.cfg.RequireRepo(); err != nil {
				return err
			}
			if err := os.MkdirAll(e.paths.Home, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", e.paths.Home, err)
			}
			return runStart(cmd.Context(), cmd.OutOrStdout(), e, &ExecDaemonSpawner{}, socketPollTimeout)
		},
	}
}

func runStart(ctx context.Context, w io.Writer, e *env, spawner DaemonSpawner, socketTimeout time.Duration) error {
	status, pid, err := DaemonStatus(e.paths.PIDPath)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		fmt.Fprintf(w, "daemon already running (PID %d)\n", pid)
		return nil
	}

	pid, err = spawner.SpawnDaemon(e.paths.LogPath)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(socketTimeout)
	for {
		conn, err := dialDaemon(ctx, e.paths.SocketPath)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon socket not ready at %s after %v (see %s)", e.paths.SocketPath, socketTimeout, e.paths.LogPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(socketPollInterval):
		}
	}

	fmt.Fprintf(w, "daemon started (PID %d, workers=%d)\n", pid, len(e.cfg.Workers))
	return nil
}
