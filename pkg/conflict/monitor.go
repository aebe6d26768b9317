package conflict

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"fleet/pkg/merge"
	"fleet/pkg/worker"
)

// Git is the subset of repository operations the monitor polls.
type Git interface {
	IsRebaseInProgress(ctx context.Context, dir string) (bool, error)
	HeadCommit(ctx context.Context, dir string) (string, error)
	Status(ctx context.Context, dir string) ([]merge.StatusEntry, error)
	MarkedFiles(ctx context.Context, dir, rev string, paths []string) ([]string, error)
	ChangedFiles(ctx context.Context, dir, from, to string) ([]string, error)
	RebaseContinue(ctx context.Context, dir string) error
}

// Policy bounds how long the monitor waits before asking for a human.
type Policy struct {
	MaxAttempts  int
	StuckTimeout time.Duration
}

// OutcomeKind is what the caller should do after a poll.
type OutcomeKind int

const (
	// Waiting: keep the worker Rebasing with the updated state.
	Waiting OutcomeKind = iota
	// Present: deliver Message, then keep the worker Rebasing.
	Present
	// Completed: the rebase finished and validated; Head is the new commit.
	Completed
	// Aborted: the worker aborted; restore the pre-rebase commit.
	Aborted
)

func (k OutcomeKind) String() string {
	switch k {
	case Waiting:
		return "waiting"
	case Present:
		return "present"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one poll.
type Outcome struct {
	Kind       OutcomeKind
	State      *worker.ConflictState // updated state while still rebasing
	Head       string                // Completed only
	Message    string                // non-empty: deliver to the worker
	Escalation string                // non-empty: notify a human
}

// Delivered records whether Message reached the worker. An undelivered
// presentation leaves the state in Detecting so the next poll retries it.
func (o *Outcome) Delivered(ok bool) {
	if o.State == nil || o.Kind != Present {
		return
	}
	switch {
	case !ok:
		o.State.Phase = worker.PhaseDetecting
	case o.State.EscalatedAt != nil:
		o.State.Phase = worker.PhaseEscalated
	default:
		o.State.Phase = worker.PhasePresented
	}
}

// Monitor polls a working copy whose rebase stopped on conflicts.
type Monitor struct {
	Git        Git
	Validator  merge.Validator
	Policy     Policy
	BaseBranch string
	Validation string // shown to the worker; Validator runs it
	// FS opens a working copy for marker counting. Defaults to os.DirFS.
	FS func(dir string) fs.FS
}

func (m *Monitor) fsFor(dir string) fs.FS {
	if m.FS != nil {
		return m.FS(dir)
	}
	return os.DirFS(dir)
}

// Message composes the presentation for the current state.
func (m *Monitor) Message(dir, task string, st *worker.ConflictState) string {
	return Compose(MessageParams{
		Files:      st.Files,
		Task:       task,
		BaseBranch: m.BaseBranch,
		Validation: m.Validation,
		Attempt:    st.ResolutionAttempts,
		FS:         m.fsFor(dir),
	})
}

// Poll inspects the working copy once and decides the next step. It never
// changes the repository except to run `git rebase --continue` once every
// conflicted file is resolved and staged.
func (m *Monitor) Poll(ctx context.Context, dir, task string, cur *worker.ConflictState, now time.Time) (*Outcome, error) {
	st := cloneState(cur)

	if st.Phase == worker.PhaseDetecting {
		return m.escalate(&Outcome{Kind: Present, State: st, Message: m.Message(dir, task, st)}, now), nil
	}

	inProgress, err := m.Git.IsRebaseInProgress(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("check rebase state: %w", err)
	}
	if !inProgress {
		return m.finished(ctx, dir, st, now)
	}

	entries, err := m.Git.Status(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	marked, err := m.newMarkers(ctx, dir, st, st.Paths())
	if err != nil {
		return nil, err
	}

	if !Resolved(marked, entries, st) {
		noteProgress(st, Fingerprint(marked, entries, st), now)
		if st.Phase == worker.PhasePresented {
			st.Phase = worker.PhaseMonitoring
		}
		return m.escalate(&Outcome{Kind: Waiting, State: st}, now), nil
	}

	continueErr := m.Git.RebaseContinue(ctx, dir)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	inProgress, err = m.Git.IsRebaseInProgress(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("check rebase state: %w", err)
	}
	if !inProgress {
		return m.finished(ctx, dir, st, now)
	}

	entries, err = m.Git.Status(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if unmerged := merge.Unmerged(entries); len(unmerged) > 0 {
		// The next commit in the rebase stopped on its own conflicts.
		st.ResolutionAttempts++
		st.Files = Detect(m.fsFor(dir), unmerged)
		st.Fingerprint = ""
		st.LastFailure = ""
		st.LastProgressAt = now
		return m.escalate(&Outcome{Kind: Present, State: st, Message: m.Message(dir, task, st)}, now), nil
	}

	out := &Outcome{Kind: Waiting, State: st}
	if continueErr != nil {
		detail := continueErr.Error()
		if fail(st, "continue: "+detail) {
			out.Message = ContinueFailedMessage(detail)
		}
	}
	return m.escalate(out, now), nil
}

// finished handles a working copy with no rebase in progress.
func (m *Monitor) finished(ctx context.Context, dir string, st *worker.ConflictState, now time.Time) (*Outcome, error) {
	head, err := m.Git.HeadCommit(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	if head == st.PreRebaseCommit {
		st.Phase = worker.PhaseAborted
		return &Outcome{Kind: Aborted, State: st, Head: head}, nil
	}

	touched, err := m.touchedPaths(ctx, dir, st, head)
	if err != nil {
		return nil, err
	}
	marked, err := m.newMarkers(ctx, dir, st, touched)
	if err != nil {
		return nil, err
	}
	sorted := append([]string(nil), marked...)
	sort.Strings(sorted)
	noteProgress(st, "head:"+head+":"+strings.Join(sorted, ","), now)

	out := &Outcome{Kind: Waiting, State: st}
	if len(marked) > 0 {
		if fail(st, "markers: "+strings.Join(sorted, ",")) {
			out.Message = MarkersCommittedMessage(sorted)
		}
		return m.escalate(out, now), nil
	}

	if m.Validator != nil {
		output, verr := m.Validator.Validate(ctx, dir)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if verr != nil {
			if fail(st, "validation@"+head+": "+verr.Error()) {
				out.Message = ValidationFailedMessage(m.Validation, output)
			}
			return m.escalate(out, now), nil
		}
	}

	st.Phase = worker.PhaseCompleted
	return &Outcome{Kind: Completed, State: st, Head: head}, nil
}

// touchedPaths is every path the finished rebase could have left markers
// in: the conflicted files plus whatever changed since the pre-rebase commit.
func (m *Monitor) touchedPaths(ctx context.Context, dir string, st *worker.ConflictState, head string) ([]string, error) {
	from := st.PreRebaseCommit
	if from == "" {
		from = m.BaseBranch
	}
	changed, err := m.Git.ChangedFiles(ctx, dir, from, head)
	if err != nil {
		return nil, fmt.Errorf("list rebased files: %w", err)
	}
	paths := append(st.Paths(), changed...)
	sort.Strings(paths)
	return slices.Compact(paths), nil
}

// newMarkers returns the paths with marker lines in the working tree that
// neither the pre-rebase commit nor the base branch already had, so
// committed fixtures containing markers never block a rebase.
func (m *Monitor) newMarkers(ctx context.Context, dir string, st *worker.ConflictState, paths []string) ([]string, error) {
	marked, err := m.Git.MarkedFiles(ctx, dir, "", paths)
	if err != nil {
		return nil, fmt.Errorf("scan markers: %w", err)
	}
	if len(marked) == 0 {
		return nil, nil
	}
	known := make(map[string]bool)
	for _, rev := range []string{st.PreRebaseCommit, m.BaseBranch} {
		if rev == "" {
			continue
		}
		had, err := m.Git.MarkedFiles(ctx, dir, rev, marked)
		if err != nil {
			return nil, fmt.Errorf("scan markers at %s: %w", rev, err)
		}
		for _, p := range had {
			known[p] = true
		}
	}
	return slices.DeleteFunc(marked, func(p string) bool { return known[p] }), nil
}

// escalate marks the state escalated the first time a limit is crossed.
func (m *Monitor) escalate(out *Outcome, now time.Time) *Outcome {
	st := out.State
	if st.EscalatedAt != nil {
		return out
	}
	var reason string
	switch {
	case m.Policy.MaxAttempts > 0 && st.ResolutionAttempts > m.Policy.MaxAttempts:
		reason = fmt.Sprintf("%d resolution attempts without a clean rebase", st.ResolutionAttempts)
	case m.Policy.StuckTimeout > 0 && now.Sub(st.LastProgressAt) > m.Policy.StuckTimeout:
		reason = fmt.Sprintf("no resolution progress for %s", now.Sub(st.LastProgressAt).Round(time.Second))
	default:
		return out
	}
	at := now
	st.EscalatedAt = &at
	st.Phase = worker.PhaseEscalated
	out.Escalation = fmt.Sprintf("rebase stuck: %s (%d file(s): %s)", reason, len(st.Files), strings.Join(st.Paths(), ", "))
	return out
}

// noteProgress updates the fingerprint and counts any change as progress.
func noteProgress(st *worker.ConflictState, fp string, now time.Time) {
	if fp == st.Fingerprint {
		return
	}
	if st.Fingerprint != "" {
		st.LastProgressAt = now
	}
	st.Fingerprint = fp
}

// fail records a failure and reports whether it is new. Repeats of the same
// failure are neither counted nor re-sent.
func fail(st *worker.ConflictState, failure string) bool {
	if failure == st.LastFailure {
		return false
	}
	st.LastFailure = failure
	st.ResolutionAttempts++
	return true
}

func cloneState(c *worker.ConflictState) *worker.ConflictState {
	cs := *c
	cs.Files = append([]worker.ConflictedFile(nil), c.Files...)
	if c.EscalatedAt != nil {
		at := *c.EscalatedAt
		cs.EscalatedAt = &at
	}
	return &cs
}
