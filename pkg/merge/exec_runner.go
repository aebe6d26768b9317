package merge

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// gitEnv pins git's output language and keeps it from prompting or opening
// an editor in a headless daemon.
var gitEnv = []string{"GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true", "LC_ALL=C"} //nolint:gochecknoglobals // constant env

// gitWaitDelay bounds how long a cancelled git keeps its pipes open.
const gitWaitDelay = 2 * time.Second

// ExecGitRunner runs the git binary on PATH.
type ExecGitRunner struct{}

// Run executes git args in dir and returns its stdout and stderr separately;
// Repo wraps failures in *GitError.
func (ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	var out, errOut strings.Builder
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), gitEnv...)
	cmd.Stdout, cmd.Stderr = &out, &errOut
	cmd.WaitDelay = gitWaitDelay

	err = cmd.Run()
	return out.String(), errOut.String(), err
}

// Validator runs the post-rebase validation command in a working copy.
type Validator interface {
	Validate(ctx context.Context, dir string) (output string, err error)
}

// ShellValidator runs Command through `sh -c`. An empty command always passes.
type ShellValidator struct {
	Command string
}

// Validate runs the command in dir and returns its combined output.
func (v ShellValidator) Validate(ctx context.Context, dir string) (string, error) {
	if strings.TrimSpace(v.Command) == "" {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", v.Command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
