package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"fleet/pkg/conflict"
	"fleet/pkg/eventlog"
	"fleet/pkg/merge"
	"fleet/pkg/protocol"
	"fleet/pkg/state"
	"fleet/pkg/worker"
)

// AcceptError reports the step at which an accept failed. The worker is
// left in its prior state unless the step is "recreate".
type AcceptError struct {
	Worker string
	Step   string
	Err    error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept %s failed at %s: %v", e.Worker, e.Step, e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// AcceptResult describes a successful accept.
type AcceptResult struct {
	Worker    string
	Commit    string // new base HEAD
	NoChanges bool
}

// Status returns a snapshot of every worker, sorted by name.
func (d *Dispatcher) Status(ctx context.Context) ([]protocol.WorkerSnapshot, error) {
	var snaps []protocol.WorkerSnapshot
	err := d.view(ctx, func(doc *state.Document) {
		for _, name := range doc.Names() {
			snaps = append(snaps, toSnapshot(doc.Workers[name], doc.LastReviewed == name))
		}
	})
	return snaps, err
}

func toSnapshot(rec *worker.Record, lastReviewed bool) protocol.WorkerSnapshot {
	s := protocol.WorkerSnapshot{
		Name:           rec.Name,
		Status:         string(rec.Status),
		Task:           rec.CurrentTask,
		PendingCommit:  rec.PendingCommit,
		Branch:         rec.Branch,
		WorkingCopy:    rec.WorkingCopy,
		Session:        rec.Session,
		CrashCount:     rec.CrashCount,
		SelfReview:     rec.PendingSelfReview,
		LastActivityAt: rec.LastActivityAt,
		LastReviewed:   lastReviewed,
		ErrorReason:    rec.ErrorReason,
	}
	if rec.Conflict != nil {
		s.ConflictPhase = string(rec.Conflict.Phase)
		s.ConflictFiles = len(rec.Conflict.Files)
	}
	return s
}

func wantStatus(rec *worker.Record, want worker.Status) error {
	if rec.Status != want {
		return &protocol.WrongStatusError{Worker: rec.Name, Status: string(rec.Status), Want: string(want)}
	}
	return nil
}

// Assign gives an Idle worker a task: the working copy is synced to the base
// branch, the prompt is delivered, and the worker becomes Working. Unless
// force is set, a working copy with uncommitted changes or commits ahead of
// base is refused rather than discarded.
func (d *Dispatcher) Assign(ctx context.Context, name, task string, force bool) error {
	return d.assign(ctx, name, task, force, "cli")
}

// assign never asks auto workers for a self-review; nobody would read it.
func (d *Dispatcher) assign(ctx context.Context, name, task string, force bool, source string) error {
	if strings.TrimSpace(task) == "" {
		return errors.New("task is empty")
	}
	return d.inLane(ctx, name, func(ctx context.Context) error {
		rec, err := d.snapshot(ctx, name)
		if err != nil {
			return err
		}
		if err := wantStatus(rec, worker.StatusIdle); err != nil {
			return err
		}

		if !force {
			dirty, err := d.repo.HasUncommittedChanges(ctx, rec.WorkingCopy)
			if err != nil {
				return fmt.Errorf("check working copy: %w", err)
			}
			ahead, err := d.repo.HasCommitsAhead(ctx, rec.WorkingCopy, d.cfg.BaseBranch)
			if err != nil {
				return fmt.Errorf("check commits ahead: %w", err)
			}
			if dirty || ahead {
				return fmt.Errorf("working copy of %s has unmerged work (dirty=%t, ahead=%t); use --force to discard it", name, dirty, ahead)
			}
		}
		if err := d.repo.ResetHard(ctx, rec.WorkingCopy, d.cfg.BaseBranch); err != nil {
			return fmt.Errorf("sync working copy to %s: %w", d.cfg.BaseBranch, err)
		}

		prompt := worker.AssemblePrompt(worker.PromptParams{
			Worker:      rec.Name,
			Task:        task,
			WorkingCopy: rec.WorkingCopy,
			Branch:      rec.Branch,
			BaseBranch:  d.cfg.BaseBranch,
			Validation:  d.cfg.ValidationCommand,
		})
		if err := d.deliver(ctx, rec, "assign", prompt); err != nil {
			return fmt.Errorf("deliver task: %w", err)
		}

		_, err = d.transition(ctx, name, source, worker.Transition{
			To: worker.StatusWorking, Task: task, SelfReview: d.cfg.SelfReview && !d.cfg.Auto.Covers(name),
		})
		return err
	})
}

// resolveTarget fills in the most recently reviewed worker when name is empty.
func (d *Dispatcher) resolveTarget(ctx context.Context, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if err := d.view(ctx, func(doc *state.Document) { name = doc.LastReviewed }); err != nil {
		return "", err
	}
	if name == "" {
		return "", errors.New("no worker named and no worker has been reviewed")
	}
	return name, nil
}

// Review marks a NeedsReview worker as the one under review and summarizes
// its pending change.
func (d *Dispatcher) Review(ctx context.Context, name string) (*protocol.ReviewSummary, error) {
	var sum *protocol.ReviewSummary
	err := d.inLane(ctx, name, func(ctx context.Context) error {
		rec, err := d.snapshot(ctx, name)
		if err != nil {
			return err
		}
		if err := wantStatus(rec, worker.StatusNeedsReview); err != nil {
			return err
		}
		msg, err := d.repo.CommitMessage(ctx, rec.WorkingCopy, rec.PendingCommit)
		if err != nil {
			return fmt.Errorf("read commit message: %w", err)
		}
		stat, err := d.repo.DiffStat(ctx, rec.WorkingCopy, d.cfg.BaseBranch)
		if err != nil {
			return fmt.Errorf("diff stat: %w", err)
		}
		if err := d.update(ctx, func(doc *state.Document) error {
			doc.LastReviewed = name
			return nil
		}); err != nil {
			return err
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
		sum = &protocol.ReviewSummary{Worker: name, Commit: rec.PendingCommit, Subject: subject, Stat: stat}
		return nil
	})
	return sum, err
}

// Accept lands a NeedsReview worker's change on the base branch, recreates
// its working copy and returns it to Idle. A rebase conflict moves the
// worker to Rebasing and is reported as a failed accept.
func (d *Dispatcher) Accept(ctx context.Context, name string) (*AcceptResult, error) {
	name, err := d.resolveTarget(ctx, name)
	if err != nil {
		return nil, err
	}
	var res *AcceptResult
	err = d.inLane(ctx, name, func(ctx context.Context) error {
		var aerr error
		res, aerr = d.accept(ctx, name, "cli")
		return aerr
	})
	return res, err
}

func (d *Dispatcher) accept(ctx context.Context, name, source string) (*AcceptResult, error) {
	rec, err := d.snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := wantStatus(rec, worker.StatusNeedsReview); err != nil {
		return nil, err
	}

	landed, err := d.lander.Land(ctx, merge.Opts{
		Worker:      rec.Name,
		WorkingCopy: rec.WorkingCopy,
		Branch:      rec.Branch,
		Base:        d.cfg.BaseBranch,
		Repo:        d.cfg.Repo,
	})

	var conflictErr *merge.ConflictError
	if errors.As(err, &conflictErr) {
		if cerr := d.enterRebasing(ctx, rec, conflictErr.Entries, conflictErr.PreRebaseCommit, source); cerr != nil {
			return nil, &AcceptError{Worker: name, Step: string(merge.StepRebase), Err: errors.Join(err, cerr)}
		}
		return nil, &AcceptError{Worker: name, Step: string(merge.StepRebase), Err: err}
	}
	if err != nil {
		return nil, d.acceptFailed(ctx, rec, source, err)
	}

	if err := d.worktrees.Recreate(ctx, rec); err != nil {
		// The change is on base already; the worker cannot take new work
		// until its working copy exists again.
		_, terr := d.transition(ctx, name, source, worker.Transition{
			To: worker.StatusError, Reason: fmt.Sprintf("working copy recreate failed after merge: %v", err),
		})
		d.escalate(ctx, protocol.EscAcceptFailed, name, "merged but working copy could not be recreated", err.Error())
		return nil, &AcceptError{Worker: name, Step: "recreate", Err: errors.Join(err, terr)}
	}

	err = d.update(ctx, func(doc *state.Document) error {
		r, ok := doc.Workers[name]
		if !ok {
			return &protocol.WorkerNotFoundError{Worker: name}
		}
		if err := r.Apply(worker.Transition{To: worker.StatusIdle}, d.now()); err != nil {
			return err
		}
		if doc.LastReviewed == name {
			doc.LastReviewed = ""
		}
		return nil
	})
	if err != nil {
		return nil, &AcceptError{Worker: name, Step: "persist", Err: err}
	}

	out := &AcceptResult{Worker: name, Commit: landed.CommitSHA, NoChanges: landed.NoChanges}
	d.log.Info("accepted", "worker", name, "source", source, "status", worker.StatusIdle, "commit", out.Commit, "no_changes", out.NoChanges)
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeAccepted, Source: source, Worker: name, Status: string(worker.StatusIdle), Payload: map[string]any{
		"commit": out.Commit, "base_before": landed.BaseBefore, "amended": landed.Amended, "no_changes": out.NoChanges,
	}})
	d.logEvent(ctx, eventlog.Entry{
		Type: eventlog.TypeTransition, Source: source, Worker: name, Status: string(worker.StatusIdle),
		Payload: map[string]string{"from": string(worker.StatusNeedsReview), "to": string(worker.StatusIdle)},
	})

	if !landed.NoChanges {
		d.kickPatrol()
	}
	return out, nil
}

// acceptFailed records a non-conflict land failure. The worker keeps its
// status; the failing step is reported to the caller.
func (d *Dispatcher) acceptFailed(ctx context.Context, rec *worker.Record, source string, err error) error {
	step := "land"
	var stepErr *merge.StepError
	if errors.As(err, &stepErr) {
		step = string(stepErr.Step)
	}
	d.log.Error("accept failed", "worker", rec.Name, "status", rec.Status, "step", step, "err", err)
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeAcceptStep, Source: source, Worker: rec.Name, Status: string(rec.Status), Payload: map[string]string{
		"step": step, "error": err.Error(),
	}})

	var verifyErr *merge.MergeVerificationError
	if errors.As(err, &verifyErr) {
		d.escalate(ctx, protocol.EscMergeVerification, rec.Name, "base branch does not point at the merged commit", verifyErr.Error())
	}

	// The working copy could not be put back; what is there now is what
	// a retried review or accept will see.
	if stepErr != nil && stepErr.Head != "" && stepErr.Head != rec.PendingCommit {
		uerr := d.update(ctx, func(doc *state.Document) error {
			r, ok := doc.Workers[rec.Name]
			if !ok {
				return &protocol.WorkerNotFoundError{Worker: rec.Name}
			}
			if r.Status == worker.StatusNeedsReview {
				r.PendingCommit = stepErr.Head
			}
			return nil
		})
		if uerr != nil {
			err = errors.Join(err, uerr)
		}
		d.log.Warn("working copy moved by failed accept", "worker", rec.Name, "from", rec.PendingCommit, "to", stepErr.Head)
		d.escalate(ctx, protocol.EscAcceptFailed, rec.Name, "failed accept left the working copy on "+stepErr.Head, err.Error())
	}
	return &AcceptError{Worker: rec.Name, Step: step, Err: err}
}

// enterRebasing starts the conflict protocol for a rebase that stopped:
// detect, present to the worker, and move it to Rebasing.
func (d *Dispatcher) enterRebasing(ctx context.Context, rec *worker.Record, entries []merge.StatusEntry, pre, source string) error {
	st := conflict.Begin(d.workingFS(rec.WorkingCopy), entries, pre, d.now())
	out := &conflict.Outcome{Kind: conflict.Present, State: st, Message: d.monitor.Message(rec.WorkingCopy, rec.CurrentTask, st)}
	out.Delivered(d.deliver(ctx, rec, "conflict", out.Message) == nil)

	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeConflict, Source: source, Worker: rec.Name, Status: string(worker.StatusRebasing), Payload: map[string]any{
		"files": st.Paths(), "markers": st.Markers(), "pre_rebase": pre, "phase": out.State.Phase,
	}})
	_, err := d.transition(ctx, rec.Name, source, worker.Transition{To: worker.StatusRebasing, Conflict: out.State})
	return err
}

func (d *Dispatcher) workingFS(dir string) fs.FS {
	if d.monitor.FS != nil {
		return d.monitor.FS(dir)
	}
	return os.DirFS(dir)
}

// Reject sends reviewer feedback verbatim and moves the worker to Rejected.
// The worker's history and context are kept.
func (d *Dispatcher) Reject(ctx context.Context, name, feedback string) (string, error) {
	if strings.TrimSpace(feedback) == "" {
		return "", errors.New("feedback is empty")
	}
	name, err := d.resolveTarget(ctx, name)
	if err != nil {
		return "", err
	}
	err = d.inLane(ctx, name, func(ctx context.Context) error {
		rec, err := d.snapshot(ctx, name)
		if err != nil {
			return err
		}
		if err := wantStatus(rec, worker.StatusNeedsReview); err != nil {
			return err
		}
		if err := d.deliver(ctx, rec, "reject", worker.FeedbackPrompt(feedback)); err != nil {
			return fmt.Errorf("deliver feedback: %w", err)
		}
		_, err = d.transition(ctx, name, "cli", worker.Transition{To: worker.StatusRejected})
		return err
	})
	return name, err
}

// Reset is the manual recovery path: any in-progress rebase is aborted, the
// worker goes Offline and its crash history and error reason are cleared.
// Patrol brings it back online.
func (d *Dispatcher) Reset(ctx context.Context, name string) error {
	return d.inLane(ctx, name, func(ctx context.Context) error {
		rec, err := d.snapshot(ctx, name)
		if err != nil {
			return err
		}
		if inProgress, err := d.repo.IsRebaseInProgress(ctx, rec.WorkingCopy); err == nil && inProgress {
			if err := d.repo.RebaseAbort(ctx, rec.WorkingCopy); err != nil {
				return fmt.Errorf("abort rebase: %w", err)
			}
		}
		_, err = d.mutate(ctx, name, "cli", func(r *worker.Record) error {
			if r.Status != worker.StatusOffline {
				if err := r.Apply(worker.Transition{To: worker.StatusOffline}, d.now()); err != nil {
					return err
				}
			}
			r.CrashCount = 0
			r.CrashWindowStart = nil
			r.LastCrashAt = nil
			r.ErrorReason = ""
			return nil
		})
		if err == nil {
			d.kickPatrol()
		}
		return err
	})
}

// RemoveResult describes a removed worker.
type RemoveResult struct {
	Worker     string
	Configured bool // still declared in config; the next daemon start adds it back
	Warnings   []string
}

// Remove deletes a worker for good: its session is killed, any rebase is
// aborted, its worktree and branch are removed and its record is dropped.
// Unless force is set, a worker holding unlanded work is refused.
func (d *Dispatcher) Remove(ctx context.Context, name string, force bool) (*RemoveResult, error) {
	res := &RemoveResult{Worker: name}
	var status worker.Status
	err := d.inLane(ctx, name, func(ctx context.Context) error {
		rec, err := d.snapshot(ctx, name)
		if err != nil {
			return err
		}
		status = rec.Status
		if !force {
			if err := d.checkRemovable(ctx, rec); err != nil {
				return err
			}
		}
		if d.transport.IsReachable(ctx, rec.Session) {
			if err := d.transport.Kill(ctx, rec.Session); err != nil {
				return fmt.Errorf("kill session %s: %w", rec.Session, err)
			}
		}
		if inProgress, err := d.repo.IsRebaseInProgress(ctx, rec.WorkingCopy); err == nil && inProgress {
			if err := d.repo.RebaseAbort(ctx, rec.WorkingCopy); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("abort rebase: %v", err))
			}
		}
		if err := d.repo.RemoveWorkingCopy(ctx, d.cfg.Repo, rec.WorkingCopy); err != nil {
			return fmt.Errorf("remove working copy: %w", err)
		}
		if err := d.repo.DeleteBranch(ctx, d.cfg.Repo, rec.Branch); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("delete branch %s: %v", rec.Branch, err))
		}
		return d.update(ctx, func(doc *state.Document) error {
			if _, ok := doc.Workers[name]; !ok {
				return &protocol.WorkerNotFoundError{Worker: name}
			}
			delete(doc.Workers, name)
			if doc.LastReviewed == name {
				doc.LastReviewed = ""
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	d.closeLane(name)

	res.Configured = slices.ContainsFunc(d.cfg.Workers, func(s state.Slot) bool { return s.Name == name })
	d.log.Info("worker removed", "worker", name, "status", status, "force", force, "warnings", len(res.Warnings))
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeRemoved, Source: "cli", Worker: name, Status: string(status), Payload: map[string]any{
		"force": force, "warnings": res.Warnings,
	}})
	return res, nil
}

// checkRemovable refuses workers whose work has not landed.
func (d *Dispatcher) checkRemovable(ctx context.Context, rec *worker.Record) error {
	switch rec.Status {
	case worker.StatusWorking, worker.StatusNeedsReview, worker.StatusRejected, worker.StatusRebasing:
		return fmt.Errorf("%s is %s; use --force to remove it and discard its work", rec.Name, rec.Status)
	}
	if _, err := os.Stat(rec.WorkingCopy); err != nil {
		return nil //nolint:nilerr // nothing on disk to lose
	}
	dirty, err := d.repo.HasUncommittedChanges(ctx, rec.WorkingCopy)
	if err != nil {
		return fmt.Errorf("check working copy: %w", err)
	}
	ahead, err := d.repo.HasCommitsAhead(ctx, rec.WorkingCopy, d.cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("check commits ahead: %w", err)
	}
	if dirty || ahead {
		return fmt.Errorf("working copy of %s has unmerged work (dirty=%t, ahead=%t); use --force to discard it", rec.Name, dirty, ahead)
	}
	return nil
}
