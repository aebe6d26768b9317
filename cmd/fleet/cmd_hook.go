package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"fleet/pkg/config"
	"fleet/pkg/protocol"
)

// hookTimeout bounds the hook round trip; a hung daemon must never stall
// the agent.
const hookTimeout = 3 * time.Second

// hookInput is the subset of the agent's hook JSON fleet cares about.
type hookInput struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	ToolName  string `json:"tool_name"`
	ToolInput struct {
		Command string `json:"command"`
	} `json:"tool_input"`
	ToolResponse struct {
		ExitCode *int `json:"exit_code"`
	} `json:"tool_response"`
}

type hookFlags struct {
	worker   string
	reason   string
	command  string
	exitCode int
}

// newHookCmd creates the "fleet hook" subcommand.
func newHookCmd() *cobra.Command {
	var f hookFlags
	cmd := &cobra.Command{
		Use:   "hook <session-start|session-end|stop|command-executed>",
		Short: "Report a worker lifecycle event to the daemon",
		Long: `Called by the agent's own hook configuration inside a worker session.
Reads the agent's hook JSON from stdin when present and forwards a typed
event to the daemon. The worker defaults to $FLEET_WORKER.

The hook never fails the agent: if the daemon is down or refuses the
event, the problem is written to daemon.log and the command exits 0.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"session-start", "session-end", "stop", "command-executed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.worker == "" {
				f.worker = os.Getenv("FLEET_WORKER")
			}
			var stdin io.Reader
			if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				stdin = cmd.InOrStdin()
			}
			runHook(cmd.Context(), args[0], f, stdin, cmd.ErrOrStderr())
			return nil
		},
	}
	cmd.Flags().StringVar(&f.worker, "worker", "", "worker name (default $FLEET_WORKER)")
	cmd.Flags().StringVar(&f.reason, "reason", "", "session end reason: normal_exit or other (default from stdin)")
	cmd.Flags().StringVar(&f.command, "command", "", "executed command (command-executed only)")
	cmd.Flags().IntVar(&f.exitCode, "exit-code", 0, "exit code of the executed command")
	return cmd
}

// runHook reports one hook event. Failures go to daemon.log, or to errOut
// when the log itself cannot be opened, and are never returned.
func runHook(ctx context.Context, arg string, f hookFlags, stdin io.Reader, errOut io.Writer) {
	paths, err := config.ResolvePaths()
	if err != nil {
		fmt.Fprintf(errOut, "fleet hook: %v\n", err)
		return
	}
	logger, closeLog, err := openDaemonLog(paths.LogPath, false)
	if err != nil {
		fmt.Fprintf(errOut, "fleet hook: %v\n", err)
		logger, closeLog = slog.New(slog.NewTextHandler(errOut, nil)), func() {}
	}
	defer closeLog()

	ev, err := buildHookEvent(arg, f, stdin, time.Now())
	if err != nil {
		logger.Error("hook rejected", "hook", arg, "worker", f.worker, "err", err)
		return
	}
	sendHook(ctx, paths.SocketPath, ev, logger)
}

// parseHookKind accepts both "session-start" and "session_start".
func parseHookKind(s string) (protocol.HookKind, error) {
	kind := protocol.HookKind(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown hook %q", s)
	}
	return kind, nil
}

// endReason maps the agent's session end reason onto fleet's two classes.
// Anything the agent does not report as a deliberate exit counts as a crash.
func endReason(s string) protocol.EndReason {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal_exit", "prompt_input_exit", "logout", "clear", "exit":
		return protocol.EndNormalExit
	default:
		return protocol.EndOther
	}
}

// buildHookEvent turns flags plus the optional stdin payload into an event.
// An unreadable payload is ignored; flags alone are enough.
func buildHookEvent(arg string, f hookFlags, stdin io.Reader, now time.Time) (protocol.HookEvent, error) {
	kind, err := parseHookKind(arg)
	if err != nil {
		return protocol.HookEvent{}, err
	}
	var in hookInput
	if stdin != nil {
		data, err := io.ReadAll(io.LimitReader(stdin, protocol.MaxMessageBytes))
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			_ = json.Unmarshal(data, &in)
		}
	}

	ev := protocol.HookEvent{Kind: kind, Worker: f.worker, At: now}
	switch kind {
	case protocol.HookSessionEnd:
		reason := f.reason
		if reason == "" {
			reason = in.Reason
		}
		ev.Reason = endReason(reason)
	case protocol.HookCommandExecuted:
		ev.Command, ev.ExitCode = f.command, f.exitCode
		if ev.Command == "" {
			ev.Command = in.ToolInput.Command
		}
		if in.ToolResponse.ExitCode != nil && f.exitCode == 0 {
			ev.ExitCode = *in.ToolResponse.ExitCode
		}
	}
	if err := ev.Validate(); err != nil {
		if errors.Is(err, protocol.ErrEmptyWorkerName) {
			return ev, errors.New("no worker: pass --worker or set FLEET_WORKER")
		}
		return ev, err
	}
	return ev, nil
}

// sendHook delivers ev and logs, rather than returns, every failure.
func sendHook(ctx context.Context, sockPath string, ev protocol.HookEvent, logger *slog.Logger) {
	if _, err := os.Stat(sockPath); err != nil {
		logger.Info("hook skipped: daemon not running", "hook", ev.Kind, "worker", ev.Worker)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	start := time.Now()
	ack, err := roundTrip(ctx, sockPath, protocol.Message{Type: protocol.MsgHook, Hook: &ev})
	switch {
	case err != nil:
		logger.Error("hook not delivered", "hook", ev.Kind, "worker", ev.Worker, "err", err)
	case !ack.OK:
		logger.Error("hook refused", "hook", ev.Kind, "worker", ev.Worker, "detail", ack.Detail)
	default:
		logger.Info("hook sent", "hook", ev.Kind, "worker", ev.Worker, "elapsed", time.Since(start))
	}
}
