package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// stopWaitTimeout is how long stop waits for the daemon to finish its
// shutdown sequence before giving up.
const stopWaitTimeout = 30 * time.Second

// newStopCmd creates the "fleet stop" subcommand.
func newStopCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the fleet daemon",
		Long: `Sends SIGTERM to the daemon. It stops accepting events, lets in-flight
work finish within the shutdown grace period, interrupts and closes every
worker session and writes the final state.

On an interactive terminal fleet asks for confirmation unless --yes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			var confirm confirmer
			if !yes {
				confirm = ttyConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return runStop(cmd.Context(), cmd.OutOrStdout(), e.paths.PIDPath, confirm, IsProcessAlive, stopWaitTimeout)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func runStop(ctx context.Context, w io.Writer, pidPath string, confirm confirmer, alive func(int) bool, timeout time.Duration) error {
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return err
	}

	switch status {
	case StatusStopped:
		fmt.Fprintln(w, "daemon is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(w, "removing stale PID file (process already dead)")
		return RemovePIDFile(pidPath)
	}

	if confirm != nil {
		ok, err := confirm(fmt.Sprintf("stop the fleet daemon (PID %d) and close all worker sessions?", pid))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "aborted")
			return nil
		}
	}

	fmt.Fprintf(w, "sending SIGTERM to daemon (PID %d)\n", pid)
	if _, err := StopDaemon(pidPath); err != nil {
		return err
	}
	if err := waitForExit(ctx, pid, alive, timeout); err != nil {
		return err
	}
	fmt.Fprintln(w, "daemon stopped")
	return nil
}

// waitForExit polls until the process is gone.
func waitForExit(ctx context.Context, pid int, alive func(int) bool, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for alive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("daemon (PID %d) still running after %v", pid, timeout)
		case <-ticker.C:
		}
	}
	return nil
}
