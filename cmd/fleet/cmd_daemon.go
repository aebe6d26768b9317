package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fleet/pkg/dispatcher"
	"fleet/pkg/eventlog"
	"fleet/pkg/merge"
	"fleet/pkg/state"
	"fleet/pkg/tmux"
)

// newDaemonCmd creates the "fleet daemon" subcommand.
func newDaemonCmd() *cobra.Command {
	var logStderr bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the fleet daemon in the foreground",
		Long: `Runs the coordinator: loads the worker registry, listens on the daemon
socket for hook events and commands, patrols workers on a timer and
performs an orderly shutdown on SIGTERM or SIGINT.

A corrupt state file stops the daemon before anything starts; repair it
with "fleet rebuild".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cmd.OutOrStdout(), e, logStderr)
		},
	}
	cmd.Flags().BoolVar(&logStderr, "log-stderr", false, "write diagnostics to stderr instead of daemon.log")
	return cmd
}

func runDaemon(ctx context.Context, w io.Writer, e *env, logStderr bool) error {
	if err := e.cfg.RequireRepo(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.paths.Home, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", e.paths.Home, err)
	}
	if err := os.MkdirAll(filepath.Dir(e.paths.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	logger, closeLog, err := openDaemonLog(e.paths.LogPath, logStderr)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := ClaimPIDFile(e.paths.PIDPath); err != nil {
		return err
	}
	fmt.Fprintf(w, "starting fleet daemon (PID %d, workers=%d)\n", os.Getpid(), len(e.cfg.Workers))
	if e.source != "" {
		logger.Info("config loaded", "path", e.source)
	}
	shutdownCtx, cleanup := SetupSignalHandler(ctx, e.paths.PIDPath, logger)
	defer cleanup()

	events, err := eventlog.Open(shutdownCtx, e.paths.DBPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	d := buildDispatcher(e, events, logger)
	if err := d.Run(shutdownCtx); err != nil {
		logger.Error("daemon stopped", "err", err)
		return fmt.Errorf("daemon: %w", err)
	}
	fmt.Fprintln(w, "fleet daemon stopped")
	return nil
}

// buildDispatcher wires the production collaborators.
func buildDispatcher(e *env, events *eventlog.Writer, logger *slog.Logger) *dispatcher.Dispatcher {
	cfg := e.cfg
	coord := merge.NewCoordinator(&merge.ExecGitRunner{})
	tr := tmux.New()

	var notifier dispatcher.Notifier
	if cfg.NotifySession != "" {
		notifier = dispatcher.NewTmuxNotifier(cfg.NotifySession, tr)
	}

	return dispatcher.New(dispatcher.Config{
		SocketPath:        e.paths.SocketPath,
		Repo:              cfg.Repo,
		BaseBranch:        cfg.BaseBranch,
		AgentCommand:      cfg.AgentCommand,
		ValidationCommand: cfg.ValidationCommand,
		SessionWidth:      cfg.SessionWidth,
		SessionHeight:     cfg.SessionHeight,
		PatrolInterval:    cfg.PatrolInterval.D(),
		ReadTimeout:       cfg.ReadTimeout.D(),
		ShutdownTimeout:   cfg.ShutdownTimeout.D(),
		SelfReview:        cfg.SelfReview,
		SelfReviewPrompt:  cfg.SelfReviewPrompt,
		Crash:             cfg.CrashPolicy(),
		Conflict:          cfg.ConflictPolicy(),
		Workers:           e.slots(),
		WatchBaseRef:      true,
		HookBinary:        hookBinary(),
		Auto: dispatcher.AutoConfig{
			TaskCommand:       cfg.Auto.TaskCommand,
			PostAcceptCommand: cfg.Auto.PostAcceptCommand,
			Workers:           cfg.Auto.Workers,
			CommandTimeout:    cfg.Auto.CommandTimeout.D(),
			MaxBackoff:        cfg.Auto.MaxBackoff.D(),
		},
	}, dispatcher.Deps{
		Store:     state.NewStore(e.paths.StatePath),
		Repo:      coord.Repo(),
		Lander:    coord,
		Transport: tr,
		Sender:    tmux.NewSender(tr, cfg.Timing()),
		Validator: merge.ShellValidator{Command: cfg.ValidationCommand},
		Events:    events,
		Notifier:  notifier,
		Shell:     dispatcher.ExecShell{},
		Logger:    logger,
	})
}

// hookBinary is the path agent hooks call back into. An unresolvable
// executable falls back to PATH lookup.
func hookBinary() string {
	bin, err := os.Executable()
	if err != nil {
		return "fleet"
	}
	return bin
}

// openDaemonLog returns a text slog logger writing to the daemon log file,
// or to stderr when requested.
func openDaemonLog(path string, toStderr bool) (*slog.Logger, func(), error) {
	if toStderr {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is built from the fleet home dir
	if err != nil {
		return nil, nil, fmt.Errorf("open daemon log %s: %w", path, err)
	}
	return slog.New(slog.NewTextHandler(f, nil)), func() { _ = f.Close() }, nil
}
