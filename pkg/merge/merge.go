// Package merge implements the repository side of accepting a worker's
// change: git primitives over a GitRunner, and a Coordinator that lands one
// worker branch onto the base branch at a time.
//
// The Coordinator performs amend, rebase, squash, fast-forward merge and
// post-merge verification. Recreating working copies and all worker state
// changes are the dispatcher's responsibility.
package merge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Opts holds parameters for a single land operation.
type Opts struct {
	Worker      string // for errors and logging
	WorkingCopy string // path to the worker's worktree
	Branch      string // worker branch checked out in WorkingCopy
	Base        string // base branch name, checked out in Repo
	Repo        string // primary repository path
}

// Result holds the outcome of a land operation.
type Result struct {
	CommitSHA       string // new base HEAD; empty when NoChanges
	BaseBefore      string
	PreRebaseCommit string // worker HEAD before rebasing
	Amended         bool   // uncommitted changes were folded in
	NoChanges       bool   // the squashed change was empty; nothing merged
}

// Step names one stage of landing a change.
type Step string

// Land steps, in order.
const (
	StepAmend  Step = "amend"
	StepRebase Step = "rebase"
	StepSquash Step = "squash"
	StepMerge  Step = "merge"
	StepVerify Step = "verify"
)

// StepError reports which step of Land failed. Land puts the working copy
// back on the commit it started from before returning one; Head is where it
// actually ended up and RestoreErr says why, if that is anywhere else.
type StepError struct {
	Step       Step
	Worker     string
	Err        error
	Head       string
	RestoreErr error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("accept %s: %s step failed: %v", e.Worker, e.Step, e.Err)
	if e.RestoreErr != nil {
		msg += fmt.Sprintf(" (working copy not restored, HEAD %s: %v)", e.Head, e.RestoreErr)
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// ConflictError is returned when the rebase step stops on conflicts. The
// rebase is left in progress so the worker can resolve it.
type ConflictError struct {
	Worker          string
	Entries         []StatusEntry
	PreRebaseCommit string
}

// Files returns the conflicted paths.
func (e *ConflictError) Files() []string {
	files := make([]string, len(e.Entries))
	for i, en := range e.Entries {
		files[i] = en.Path
	}
	return files
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rebase conflict for worker %s: conflicting files: %s",
		e.Worker, strings.Join(e.Files(), ", "))
}

// MergeVerificationError is returned when the base branch does not point at
// the squashed commit after a fast-forward merge.
type MergeVerificationError struct {
	Base     string
	Before   string
	Expected string
	Actual   string
}

func (e *MergeVerificationError) Error() string {
	return fmt.Sprintf("base %s is at %s after merge, expected %s (was %s)",
		e.Base, e.Actual, e.Expected, e.Before)
}

// Coordinator serializes base-branch mutations behind a mutex so only one
// land runs at a time.
type Coordinator struct {
	mu   sync.Mutex
	repo *Repo
}

// NewCoordinator creates a Coordinator with the given GitRunner.
func NewCoordinator(git GitRunner) *Coordinator {
	return &Coordinator{repo: NewRepo(git)}
}

// Repo returns the primitives the coordinator runs on.
func (c *Coordinator) Repo() *Repo {
	return c.repo
}

// Land moves a reviewed worker branch onto the base branch:
//  1. check the primary repository has the base branch checked out
//  2. amend any uncommitted changes into HEAD
//  3. rebase onto the local base ref; stop with *ConflictError on conflict
//  4. squash everything since base into one commit, attribution stripped
//  5. fast-forward merge in the primary repo and verify base == new commit
//
// Failures other than conflicts are returned as *StepError, after the
// working copy is reset to the commit Land started from with any amended
// changes left staged. If the squash produces an empty change,
// Result.NoChanges is set and nothing is merged.
func (c *Coordinator) Land(ctx context.Context, opts Opts) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &Result{}
	original, err := c.repo.HeadCommit(ctx, opts.WorkingCopy)
	if err != nil {
		return nil, &StepError{Step: StepAmend, Worker: opts.Worker, Err: err}
	}
	// Until the amend lands nothing needs undoing.
	fail := func(step Step, err error) (*Result, error) {
		serr := &StepError{Step: step, Worker: opts.Worker, Err: err, Head: original}
		if res.PreRebaseCommit != "" {
			serr.Head, serr.RestoreErr = c.restore(ctx, opts.WorkingCopy, original, res.PreRebaseCommit)
		}
		return nil, serr
	}

	if cur, err := c.repo.CurrentBranch(ctx, opts.Repo); err != nil {
		return fail(StepMerge, err)
	} else if cur != opts.Base {
		return fail(StepMerge, fmt.Errorf("repository %s has %s checked out, not %s", opts.Repo, cur, opts.Base))
	}

	dirty, err := c.repo.HasUncommittedChanges(ctx, opts.WorkingCopy)
	if err != nil {
		return fail(StepAmend, err)
	}
	if dirty {
		if err := c.repo.AmendAll(ctx, opts.WorkingCopy); err != nil {
			return fail(StepAmend, err)
		}
		res.Amended = true
		if res.PreRebaseCommit, err = c.repo.HeadCommit(ctx, opts.WorkingCopy); err != nil {
			return fail(StepAmend, err)
		}
	} else {
		res.PreRebaseCommit = original
	}

	headMessage, err := c.repo.CommitMessage(ctx, opts.WorkingCopy, "HEAD")
	if err != nil {
		return fail(StepSquash, err)
	}

	rebase, err := c.repo.Rebase(ctx, opts.WorkingCopy, opts.Base)
	if err != nil {
		return fail(StepRebase, err)
	}
	if !rebase.Success {
		return res, &ConflictError{Worker: opts.Worker, Entries: rebase.Conflicts, PreRebaseCommit: res.PreRebaseCommit}
	}

	subjects, err := c.repo.Subjects(ctx, opts.WorkingCopy, opts.Base)
	if err != nil {
		return fail(StepSquash, err)
	}
	committed, err := c.repo.SquashSince(ctx, opts.WorkingCopy, opts.Base, SquashMessage(headMessage, subjects, opts.Worker))
	if err != nil {
		return fail(StepSquash, err)
	}
	if !committed {
		res.NoChanges = true
		return res, nil
	}
	newHead, err := c.repo.HeadCommit(ctx, opts.WorkingCopy)
	if err != nil {
		return fail(StepSquash, err)
	}

	res.BaseBefore, err = c.repo.RevParse(ctx, opts.Repo, opts.Base)
	if err != nil {
		return fail(StepMerge, err)
	}
	if err := c.repo.FastForwardMerge(ctx, opts.Repo, opts.Branch); err != nil {
		return fail(StepMerge, err)
	}

	after, err := c.repo.RevParse(ctx, opts.Repo, opts.Base)
	if err != nil {
		return fail(StepVerify, err)
	}
	if after != newHead {
		return fail(StepVerify, &MergeVerificationError{
			Base: opts.Base, Before: res.BaseBefore, Expected: newHead, Actual: after,
		})
	}
	res.CommitSHA = newHead
	return res, nil
}

// restore undoes a partial land: any rebase is aborted, the tree goes back
// to amended (the commit the rebase started from) and HEAD back to
// original, so changes Land amended in are left staged. It runs even when
// ctx is cancelled and returns where HEAD ended up.
func (c *Coordinator) restore(ctx context.Context, dir, original, amended string) (string, error) {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if inProgress, err := c.repo.IsRebaseInProgress(ctx, dir); err != nil {
		errs = append(errs, err)
	} else if inProgress {
		errs = append(errs, c.repo.RebaseAbort(ctx, dir))
	}
	if err := c.repo.ResetHard(ctx, dir, amended); err != nil {
		errs = append(errs, err)
	} else if amended != original {
		errs = append(errs, c.repo.ResetSoft(ctx, dir, original))
	}
	head, err := c.repo.HeadCommit(ctx, dir)
	return head, errors.Join(append(errs, err)...)
}

// SquashMessage is the landed commit's message: HEAD's message with
// attribution stripped, followed by the subjects of the other commits
// folded into it.
func SquashMessage(head string, subjects []string, worker string) string {
	msg := StripAttribution(head)
	if msg == "" {
		msg = "Work from " + worker
	}
	subject, _, _ := strings.Cut(msg, "\n")

	// subjects runs oldest first; the last one is HEAD's own.
	var earlier []string
	for i, s := range subjects {
		s = strings.TrimSpace(s)
		if i == len(subjects)-1 || s == "" || s == subject || slices.Contains(earlier, s) {
			continue
		}
		earlier = append(earlier, s)
	}
	if len(earlier) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	b.WriteString("\n\nSquashed commits:")
	for _, s := range earlier {
		b.WriteString("\n- " + s)
	}
	return b.String()
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase output.
func parseConflictFiles(output string) []string {
	matches := conflictPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
