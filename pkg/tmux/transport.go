// Package tmux implements the session transport over tmux and the message
// delivery protocol that submits a block of text to an agent session.
package tmux

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// SessionOpts describes a session to create.
type SessionOpts struct {
	Name    string
	Dir     string
	Command string
	Width   int // columns; must be generous so long lines are not truncated
	Height  int
	Env     map[string]string
}

// Transport is what the dispatcher needs from a terminal multiplexer.
type Transport interface {
	SendLiteral(ctx context.Context, session, text string) error
	SendKey(ctx context.Context, session, key string) error
	PasteBuffer(ctx context.Context, session, text string) error
	Wake(ctx context.Context, session string)
	IsReachable(ctx context.Context, session string) bool
	RecentOutput(ctx context.Context, session string, lines int) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	NewSession(ctx context.Context, opts SessionOpts) error
	Kill(ctx context.Context, session string) error
}

// Tmux is the production Transport.
type Tmux struct {
	Runner CmdRunner
	// TempDir holds buffer files for large payloads; empty means os.TempDir().
	TempDir string
}

// New returns a Tmux transport backed by os/exec.
func New() *Tmux {
	return &Tmux{Runner: &ExecRunner{}}
}

// exactTarget pins a target to a session name so tmux does not prefix-match
// "fleet-a" against "fleet-adam".
func exactTarget(session string) string {
	return "=" + session + ":"
}

// SendLiteral types text into the session without key-name lookup.
func (t *Tmux) SendLiteral(ctx context.Context, session, text string) error {
	if _, err := t.Runner.Run(ctx, "tmux", "send-keys", "-t", exactTarget(session), "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys -l to %s: %w", session, err)
	}
	return nil
}

// SendKey sends one named key (Enter, Escape, C-c, ...).
func (t *Tmux) SendKey(ctx context.Context, session, key string) error {
	if _, err := t.Runner.Run(ctx, "tmux", "send-keys", "-t", exactTarget(session), key); err != nil {
		return fmt.Errorf("tmux send-keys %s to %s: %w", key, session, err)
	}
	return nil
}

// PasteBuffer loads text into a named buffer from a temp file and pastes it
// with bracketed paste, deleting the buffer afterwards.
func (t *Tmux) PasteBuffer(ctx context.Context, session, text string) error {
	f, err := os.CreateTemp(t.TempDir, "fleet-paste-*.txt")
	if err != nil {
		return fmt.Errorf("create paste file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("write paste file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close paste file: %w", err)
	}

	buffer := "fleet-" + session
	if _, err := t.Runner.Run(ctx, "tmux", "load-buffer", "-b", buffer, f.Name()); err != nil {
		return fmt.Errorf("tmux load-buffer for %s: %w", session, err)
	}
	if _, err := t.Runner.Run(ctx, "tmux", "paste-buffer", "-d", "-p", "-b", buffer, "-t", exactTarget(session)); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", session, err)
	}
	return nil
}

// Wake sends SIGWINCH to the pane process when no client is attached, so a
// TUI in a detached session redraws and consumes pending input.
func (t *Tmux) Wake(ctx context.Context, session string) {
	out, err := t.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", exactTarget(session), "#{session_attached}")
	if err == nil && strings.TrimSpace(out) != "0" {
		return
	}
	pidStr, err := t.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", exactTarget(session), "#{pane_pid}")
	if err != nil {
		return
	}
	if _, err := strconv.Atoi(strings.TrimSpace(pidStr)); err != nil {
		return
	}
	_, _ = t.Runner.Run(ctx, "kill", "-WINCH", strings.TrimSpace(pidStr))
}

// IsReachable reports whether the session exists.
func (t *Tmux) IsReachable(ctx context.Context, session string) bool {
	_, err := t.Runner.Run(ctx, "tmux", "has-session", "-t", "="+session)
	return err == nil
}

// RecentOutput returns the last lines of the session's visible pane.
func (t *Tmux) RecentOutput(ctx context.Context, session string, lines int) (string, error) {
	out, err := t.Runner.Run(ctx, "tmux", "capture-pane", "-p", "-J", "-t", exactTarget(session), "-S", strconv.Itoa(-lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", session, err)
	}
	return out, nil
}

// ListSessions returns the names of all live sessions. No server running is
// reported as an empty list.
func (t *Tmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.Runner.Run(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(out, "No such file or directory") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// NewSession creates a detached session running opts.Command.
func (t *Tmux) NewSession(ctx context.Context, opts SessionOpts) error {
	args := []string{"new-session", "-d", "-s", opts.Name}
	if opts.Width > 0 {
		args = append(args, "-x", strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		args = append(args, "-y", strconv.Itoa(opts.Height))
	}
	if opts.Dir != "" {
		args = append(args, "-c", opts.Dir)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}
	if _, err := t.Runner.Run(ctx, "tmux", args...); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", opts.Name, err)
	}
	// Keep the window at the requested size even when a smaller client attaches.
	_, _ = t.Runner.Run(ctx, "tmux", "set-option", "-t", "="+opts.Name, "window-size", "manual")
	return nil
}

// Kill destroys the session.
func (t *Tmux) Kill(ctx context.Context, session string) error {
	if _, err := t.Runner.Run(ctx, "tmux", "kill-session", "-t", "="+session); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", session, err)
	}
	return nil
}
