package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"fleet/pkg/merge"
	"fleet/pkg/state"
	"fleet/pkg/tmux"
	"fleet/pkg/worker"
)

// doctorGit is the read-only slice of merge.Repo the health checks use.
type doctorGit interface {
	RevParse(ctx context.Context, dir, ref string) (string, error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	ListWorktrees(ctx context.Context, repo string) ([]merge.Worktree, error)
}

// doctorDeps reach outside the process. Tests replace them.
type doctorDeps struct {
	lookPath func(file string) (string, error)
	git      doctorGit
	sessions func(ctx context.Context) ([]string, error)
}

// newDoctorCmd creates the "fleet doctor" subcommand.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check tools, config, state, worktrees, hooks and sessions",
		Long: `Runs read-only health checks and prints one line per finding:
✓ passed, ⚠ worth a look, ✗ a problem that stops fleet from working.
Exits non-zero when any ✗ is found. Repairs are left to the commands
doctor names (fleet rebuild, fleet install-hooks, fleet remove).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			tr := tmux.New()
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), e, doctorDeps{
				lookPath: exec.LookPath,
				git:      merge.NewRepo(&merge.ExecGitRunner{}),
				sessions: tr.ListSessions,
			})
		},
	}
}

type doctorReport struct {
	w        io.Writer
	problems int
}

func (r *doctorReport) ok(format string, args ...any) {
	fmt.Fprintf(r.w, "✓ "+format+"\n", args...)
}

func (r *doctorReport) warn(format string, args ...any) {
	fmt.Fprintf(r.w, "⚠ "+format+"\n", args...)
}

func (r *doctorReport) fail(format string, args ...any) {
	r.problems++
	fmt.Fprintf(r.w, "✗ "+format+"\n", args...)
}

// doctorWorker is what the checks need to know about one worker, whether
// it came from the state file or only from config.
type doctorWorker struct {
	name, workingCopy, branch, session string
	status                             worker.Status
}

func runDoctor(ctx context.Context, w io.Writer, e *env, deps doctorDeps) error {
	r := &doctorReport{w: w}
	fmt.Fprintln(w, "fleet doctor")

	checkTools(r, e, deps.lookPath)
	repoOK := checkConfig(r, e)
	checkDaemon(r, e)
	workers := checkState(r, e)
	if repoOK {
		checkRepo(ctx, r, e, deps.git)
		checkWorktrees(ctx, r, e, deps.git, workers)
	}
	checkHooks(r, workers)
	checkSessions(ctx, r, e, deps.sessions, workers)

	if r.problems > 0 {
		return fmt.Errorf("doctor found %d problem(s)", r.problems)
	}
	fmt.Fprintln(w, "no problems found")
	return nil
}

func checkTools(r *doctorReport, e *env, lookPath func(string) (string, error)) {
	tools := []string{"git", "tmux"}
	if agent := strings.Fields(e.cfg.AgentCommand); len(agent) > 0 {
		tools = append(tools, agent[0])
	}
	for _, tool := range tools {
		if path, err := lookPath(tool); err != nil {
			r.fail("%s not found in PATH", tool)
		} else {
			r.ok("%s found at %s", tool, path)
		}
	}
}

// checkConfig reports whether a repository is configured.
func checkConfig(r *doctorReport, e *env) bool {
	if e.source == "" {
		r.warn("no config file in %s; using defaults", e.paths.Home)
	} else {
		r.ok("config loaded from %s", e.source)
	}
	if len(e.cfg.Workers) == 0 {
		r.warn("no workers configured")
	}
	if e.cfg.Auto.TaskCommand != "" {
		r.ok("unattended mode on: tasks from %q", e.cfg.Auto.TaskCommand)
	}
	if err := e.cfg.RequireRepo(); err != nil {
		r.fail("%v", err)
		return false
	}
	return true
}

func checkDaemon(r *doctorReport, e *env) {
	status, pid, err := DaemonStatus(e.paths.PIDPath)
	switch {
	case err != nil:
		r.fail("%v", err)
	case status == StatusRunning:
		r.ok("daemon running (PID %d)", pid)
	case status == StatusStale:
		r.warn("stale PID file %s: the daemon died without cleaning up (fleet start replaces it)", e.paths.PIDPath)
	default:
		r.warn("daemon not running (fleet start)")
	}
}

// checkState validates the state file and returns the workers the
// remaining checks look at: the registry when it loads, else the config.
func checkState(r *doctorReport, e *env) []doctorWorker {
	var fromConfig []doctorWorker
	for _, s := range e.slots() {
		fromConfig = append(fromConfig, doctorWorker{
			name: s.Name, workingCopy: s.WorkingCopy, branch: s.Branch, session: s.Session, status: worker.StatusOffline,
		})
	}

	doc, err := state.NewStore(e.paths.StatePath).Load()
	var corrupt *state.CorruptStateError
	switch {
	case errors.Is(err, state.ErrNoState):
		r.warn("no state file yet; the daemon writes one on start")
		return fromConfig
	case errors.As(err, &corrupt):
		r.fail("%v", corrupt)
		return fromConfig
	case err != nil:
		r.fail("read state: %v", err)
		return fromConfig
	}
	r.ok("state file valid (%d workers)", len(doc.Workers))

	configured := make(map[string]bool, len(e.cfg.Workers))
	for _, wc := range e.cfg.Workers {
		configured[wc.Name] = true
		if _, ok := doc.Workers[wc.Name]; !ok {
			r.warn("%s is configured but not registered; the daemon adds it on its next start", wc.Name)
		}
	}
	var out []doctorWorker
	for _, name := range doc.Names() {
		rec := doc.Workers[name]
		if !configured[name] && len(e.cfg.Workers) > 0 {
			r.warn("%s is registered but no longer configured (fleet remove %s)", name, name)
		}
		if rec.Status == worker.StatusError {
			r.warn("%s is in error: %s (fleet reset %s)", name, rec.ErrorReason, name)
		}
		out = append(out, doctorWorker{
			name: name, workingCopy: rec.WorkingCopy, branch: rec.Branch, session: rec.Session, status: rec.Status,
		})
	}
	return out
}

func checkRepo(ctx context.Context, r *doctorReport, e *env, git doctorGit) {
	repo, base := e.cfg.Repo, e.cfg.BaseBranch
	if _, err := git.RevParse(ctx, repo, base); err != nil {
		r.fail("base branch %s not found in %s: %v", base, repo, err)
		return
	}
	r.ok("base branch %s exists in %s", base, repo)
	cur, err := git.CurrentBranch(ctx, repo)
	switch {
	case err != nil:
		r.fail("primary checkout %s has no branch checked out: %v", repo, err)
	case cur != base:
		r.fail("primary checkout %s is on %s; accept fast-forwards %s, so check it out there", repo, cur, base)
	default:
		r.ok("primary checkout is on %s", base)
	}
}

func checkWorktrees(ctx context.Context, r *doctorReport, e *env, git doctorGit, workers []doctorWorker) {
	list, err := git.ListWorktrees(ctx, e.cfg.Repo)
	if err != nil {
		r.fail("list worktrees: %v", err)
		return
	}
	registered := make(map[string]merge.Worktree, len(list))
	for _, wt := range list {
		registered[canonicalPath(wt.Path)] = wt
	}

	owned := make(map[string]bool, len(workers))
	for _, dw := range workers {
		path := canonicalPath(dw.workingCopy)
		owned[path] = true
		wt, ok := registered[path]
		switch {
		case !ok:
			r.warn("%s has no worktree at %s; it is created when the worker next starts", dw.name, dw.workingCopy)
		case wt.Branch != "" && wt.Branch != dw.branch:
			r.fail("%s's worktree is on %s, want %s", dw.name, wt.Branch, dw.branch)
		default:
			r.ok("%s's worktree is registered", dw.name)
		}
	}

	root := canonicalPath(e.cfg.WorktreeRoot())
	for path := range registered {
		if !owned[path] && strings.HasPrefix(path, root+string(filepath.Separator)) {
			r.warn("orphan worktree %s (git worktree remove %s)", path, path)
		}
	}
}

func checkHooks(r *doctorReport, workers []doctorWorker) {
	for _, dw := range workers {
		if _, err := os.Stat(dw.workingCopy); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dw.workingCopy, worker.HookSettingsPath)); err != nil {
			r.warn("%s has no hook settings (fleet install-hooks)", dw.name)
		}
	}
}

func checkSessions(ctx context.Context, r *doctorReport, e *env, list func(context.Context) ([]string, error), workers []doctorWorker) {
	sessions, err := list(ctx)
	if err != nil {
		r.warn("cannot list tmux sessions: %v", err)
		return
	}
	known := make(map[string]bool, len(workers))
	for _, dw := range workers {
		known[dw.session] = true
		live := slices.Contains(sessions, dw.session)
		switch {
		case live && dw.status == worker.StatusOffline:
			r.warn("%s is marked offline but session %s is live", dw.name, dw.session)
		case !live && dw.status != worker.StatusOffline && dw.status != worker.StatusError:
			r.warn("%s is %s but session %s is gone; the next patrol restarts it", dw.name, dw.status, dw.session)
		case live:
			r.ok("%s's session is live", dw.name)
		}
	}
	for _, s := range sessions {
		if strings.HasPrefix(s, e.cfg.SessionPrefix) && !known[s] && s != e.cfg.NotifySession {
			r.warn("orphan session %s (tmux kill-session -t %s)", s, s)
		}
	}
}

func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
