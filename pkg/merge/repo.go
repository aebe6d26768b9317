package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Repo exposes the git primitives the dispatcher needs, each a single git
// invocation (or a short fixed sequence) against one directory.
type Repo struct {
	git GitRunner
}

// NewRepo returns a Repo that runs git through the given runner.
func NewRepo(git GitRunner) *Repo {
	return &Repo{git: git}
}

// run executes git and folds stderr into the returned error.
func (r *Repo) run(ctx context.Context, dir string, args ...string) (string, error) {
	stdout, stderr, err := r.git.Run(ctx, dir, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}
		return stdout, &GitError{Args: args, Dir: dir, Stderr: strings.TrimSpace(stderr), Err: err}
	}
	return stdout, nil
}

// GitError carries the failing git invocation and its stderr.
type GitError struct {
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s (in %s): %v: %s", strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s (in %s): %v", strings.Join(e.Args, " "), e.Dir, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// exitCode extracts a process exit code from err, or -1.
func exitCode(err error) int {
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// HeadCommit returns the commit id HEAD points at.
func (r *Repo) HeadCommit(ctx context.Context, dir string) (string, error) {
	return r.RevParse(ctx, dir, "HEAD")
}

// RevParse resolves ref to a commit id.
func (r *Repo) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := r.run(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.run(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasCommitsAhead reports whether HEAD has commits not reachable from base.
func (r *Repo) HasCommitsAhead(ctx context.Context, dir, base string) (bool, error) {
	out, err := r.run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n > 0, nil
}

// BaseAdvanced reports whether base has commits that HEAD does not contain.
func (r *Repo) BaseAdvanced(ctx context.Context, dir, base string) (bool, error) {
	_, err := r.run(ctx, dir, "merge-base", "--is-ancestor", base, "HEAD")
	if err == nil {
		return false, nil
	}
	if exitCode(err) == 1 {
		return true, nil
	}
	return false, err
}

// HasUncommittedChanges reports whether the working copy has staged,
// unstaged or untracked changes.
func (r *Repo) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// AmendAll stages every change and folds it into the HEAD commit.
func (r *Repo) AmendAll(ctx context.Context, dir string) error {
	if _, err := r.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := r.run(ctx, dir, "commit", "--amend", "--no-edit", "--no-verify")
	return err
}

// RebaseResult is the outcome of Rebase. When Success is false, Conflicts
// lists the unmerged paths and the rebase is left in progress.
type RebaseResult struct {
	Success   bool
	Conflicts []StatusEntry
}

// Rebase rebases the working copy onto base (a local ref; nothing is fetched).
// A conflicted rebase is not an error: it is reported through the result and
// left in progress for the worker to resolve.
func (r *Repo) Rebase(ctx context.Context, dir, base string) (*RebaseResult, error) {
	_, stderr, err := r.git.Run(ctx, dir, "rebase", base)
	if err == nil {
		return &RebaseResult{Success: true}, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("rebase cancelled: %w", ctx.Err())
	}

	entries, statusErr := r.Status(ctx, dir)
	if statusErr != nil {
		return nil, fmt.Errorf("rebase onto %s failed and status is unavailable: %w", base, statusErr)
	}
	conflicts := Unmerged(entries)
	if len(conflicts) == 0 {
		// Fall back to the CONFLICT lines git printed, if any.
		for _, f := range parseConflictFiles(stderr) {
			conflicts = append(conflicts, StatusEntry{Code: "UU", Path: f})
		}
	}
	if len(conflicts) == 0 {
		return nil, &GitError{Args: []string{"rebase", base}, Dir: dir, Stderr: strings.TrimSpace(stderr), Err: err}
	}
	return &RebaseResult{Conflicts: conflicts}, nil
}

// RebaseContinue continues an in-progress rebase without opening an editor.
func (r *Repo) RebaseContinue(ctx context.Context, dir string) error {
	_, err := r.run(ctx, dir, "-c", "core.editor=true", "rebase", "--continue")
	return err
}

// RebaseAbort aborts an in-progress rebase.
func (r *Repo) RebaseAbort(ctx context.Context, dir string) error {
	_, err := r.run(ctx, dir, "rebase", "--abort")
	return err
}

// IsRebaseInProgress reports whether a rebase-merge or rebase-apply
// directory exists for the working copy.
func (r *Repo) IsRebaseInProgress(ctx context.Context, dir string) (bool, error) {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		out, err := r.run(ctx, dir, "rev-parse", "--git-path", name)
		if err != nil {
			return false, err
		}
		p := strings.TrimSpace(out)
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err == nil {
			return true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return false, nil
}

// Status returns the porcelain status entries of the working copy.
func (r *Repo) Status(ctx context.Context, dir string) ([]StatusEntry, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain=v1", "-z")
	if err != nil {
		return nil, err
	}
	return ParseStatus(out), nil
}

const markerPattern = "^(<<<<<<<|>>>>>>>)( |$)"

// MarkedFiles lists which of paths contain conflict marker lines, in the
// working tree when rev is empty and at rev otherwise. No paths, no scan.
func (r *Repo) MarkedFiles(ctx context.Context, dir, rev string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := []string{"grep", "-l", "-E", markerPattern}
	if rev != "" {
		args = append(args, rev)
	}
	args = append(args, "--")
	args = append(args, paths...)

	out, err := r.run(ctx, dir, args...)
	if err != nil {
		if exitCode(err) == 1 {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rev != "" {
			line = strings.TrimPrefix(line, rev+":")
		}
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ChangedFiles lists the paths that differ between two commits.
func (r *Repo) ChangedFiles(ctx context.Context, dir, from, to string) ([]string, error) {
	out, err := r.run(ctx, dir, "diff", "--name-only", "--no-renames", from, to, "--")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CommitMessage returns the full message of ref.
func (r *Repo) CommitMessage(ctx context.Context, dir, ref string) (string, error) {
	out, err := r.run(ctx, dir, "log", "-1", "--format=%B", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SquashSince collapses every commit after base into one commit carrying
// message. It reports false, leaving nothing committed, when the collapsed
// change is empty.
func (r *Repo) SquashSince(ctx context.Context, dir, base, message string) (bool, error) {
	if _, err := r.run(ctx, dir, "reset", "--soft", base); err != nil {
		return false, err
	}
	_, err := r.run(ctx, dir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if exitCode(err) != 1 {
		return false, err
	}
	if _, err := r.run(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// FastForwardMerge merges branch into whatever is checked out in repo,
// refusing anything but a fast-forward.
func (r *Repo) FastForwardMerge(ctx context.Context, repo, branch string) error {
	_, err := r.run(ctx, repo, "merge", "--ff-only", branch)
	return err
}

// ResetHard points the working copy at ref and discards local changes.
func (r *Repo) ResetHard(ctx context.Context, dir, ref string) error {
	_, err := r.run(ctx, dir, "reset", "--hard", ref)
	return err
}

// ResetSoft moves HEAD to ref, keeping the index and working tree.
func (r *Repo) ResetSoft(ctx context.Context, dir, ref string) error {
	_, err := r.run(ctx, dir, "reset", "--soft", ref)
	return err
}

// Subjects returns the subjects of the commits in base..HEAD, oldest first.
func (r *Repo) Subjects(ctx context.Context, dir, base string) ([]string, error) {
	out, err := r.run(ctx, dir, "log", "--reverse", "--format=%s", base+"..HEAD")
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

// CreateWorkingCopy adds a worktree at path on branch, (re)created from base.
func (r *Repo) CreateWorkingCopy(ctx context.Context, repo, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := r.run(ctx, repo, "worktree", "add", "-B", branch, path, base)
	return err
}

// RemoveWorkingCopy removes the worktree at path and prunes git's records.
// A path git does not know about is removed from disk directly.
func (r *Repo) RemoveWorkingCopy(ctx context.Context, repo, path string) error {
	if _, err := r.run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("%w (remove dir: %v)", err, rmErr)
		}
	}
	_, _ = r.run(ctx, repo, "worktree", "prune")
	return nil
}

// DeleteBranch force-deletes branch in repo.
func (r *Repo) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := r.run(ctx, repo, "branch", "-D", branch)
	return err
}

// DiffStat summarizes the change between base and HEAD.
func (r *Repo) DiffStat(ctx context.Context, dir, base string) (string, error) {
	out, err := r.run(ctx, dir, "diff", "--stat", base+"...HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // short name; empty when detached
}

// ListWorktrees returns every worktree registered in repo.
func (r *Repo) ListWorktrees(ctx context.Context, repo string) ([]Worktree, error) {
	out, err := r.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var list []Worktree
	var cur *Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			list = append(list, Worktree{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &list[len(list)-1]
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return list
}
