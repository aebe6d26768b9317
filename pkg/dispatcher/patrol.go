package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet/pkg/conflict"
	"fleet/pkg/eventlog"
	"fleet/pkg/protocol"
	"fleet/pkg/state"
	"fleet/pkg/worker"
)

// PatrolReport summarizes one patrol run.
type PatrolReport struct {
	ID           string
	Trigger      string
	Started      time.Time
	Duration     time.Duration
	Workers      int
	Offlined     int
	Respawned    int
	Reattached   int
	Rebased      int
	Conflicts    int
	Resolved     int
	Aborted      int
	SelfReview   int
	Expired      int
	AutoAccepted int
	AutoAssigned int
	Errors       []string

	mu sync.Mutex
}

func (r *PatrolReport) add(field *int) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

func (r *PatrolReport) fail(name string, err error) {
	r.mu.Lock()
	r.Errors = append(r.Errors, name+": "+err.Error())
	r.mu.Unlock()
}

// String renders the non-zero counters.
func (r *PatrolReport) String() string {
	parts := []string{fmt.Sprintf("patrol %s: %d worker(s)", r.Trigger, r.Workers)}
	for _, c := range []struct {
		label string
		n     int
	}{
		{"offlined", r.Offlined},
		{"respawned", r.Respawned},
		{"reattached", r.Reattached},
		{"rebased", r.Rebased},
		{"conflicts", r.Conflicts},
		{"resolved", r.Resolved},
		{"aborted", r.Aborted},
		{"self-review", r.SelfReview},
		{"crash windows expired", r.Expired},
		{"auto-accepted", r.AutoAccepted},
		{"auto-assigned", r.AutoAssigned},
		{"errors", len(r.Errors)},
	} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", c.label, c.n))
		}
	}
	return strings.Join(parts, ", ")
}

// patrolLoop runs patrol on every tick and whenever a kick arrives.
func (d *Dispatcher) patrolLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PatrolInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunPatrol(ctx, "timer")
		case <-d.patrolKick:
			d.RunPatrol(ctx, "kick")
		}
	}
}

// RunPatrol runs one sweep over every worker and waits for it. It reports
// false without doing anything if a sweep is already running or the daemon
// is shutting down.
func (d *Dispatcher) RunPatrol(ctx context.Context, trigger string) (*PatrolReport, bool) {
	if d.stopping.Load() || !d.patrolRunning.CompareAndSwap(false, true) {
		return nil, false
	}
	defer d.patrolRunning.Store(false)

	rep := &PatrolReport{ID: uuid.NewString(), Trigger: trigger, Started: d.now()}
	live, err := d.liveSessions(ctx)
	if err != nil {
		d.log.Warn("patrol: list sessions", "err", err)
		rep.fail("transport", err)
		return rep, true
	}

	var names []string
	if err := d.view(ctx, func(doc *state.Document) { names = doc.Names() }); err != nil {
		return rep, true
	}
	rep.Workers = len(names)

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		if err := d.enqueue(name, func(ctx context.Context) {
			defer wg.Done()
			if err := d.patrolWorker(ctx, name, live, rep); err != nil {
				d.log.Warn("patrol", "worker", name, "err", err)
				rep.fail(name, err)
			}
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	d.runAuto(ctx, rep)
	rep.Duration = time.Since(rep.Started)

	d.log.Info("patrol finished", "id", rep.ID, "trigger", trigger, "summary", rep.String(), "duration", rep.Duration)
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypePatrol, Source: "patrol", Payload: map[string]any{
		"id": rep.ID, "trigger": trigger, "summary": rep.String(), "errors": rep.Errors,
	}})
	return rep, true
}

func (d *Dispatcher) liveSessions(ctx context.Context) (map[string]bool, error) {
	list, err := d.transport.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(list))
	for _, s := range list {
		live[s] = true
	}
	return live, nil
}

// patrolWorker runs on the worker's lane.
func (d *Dispatcher) patrolWorker(ctx context.Context, name string, live map[string]bool, rep *PatrolReport) error {
	rec, err := d.snapshot(ctx, name)
	if err != nil {
		return err
	}

	if rec.ExpireCrashWindow(d.now(), d.cfg.Crash) {
		if _, err := d.mutate(ctx, name, "patrol", func(r *worker.Record) error {
			r.ExpireCrashWindow(d.now(), d.cfg.Crash)
			return nil
		}); err != nil {
			return err
		}
		rep.add(&rep.Expired)
	}
	if rec.Status == worker.StatusError {
		return nil
	}

	if done, err := d.reconcile(ctx, rec, live[rec.Session], rep); done || err != nil {
		return err
	}

	switch rec.Status {
	case worker.StatusNeedsReview, worker.StatusRejected:
		if err := d.checkBase(ctx, rec, rep); err != nil {
			return err
		}
	case worker.StatusRebasing:
		if err := d.monitorConflict(ctx, rec, rep); err != nil {
			return err
		}
	}

	rec, err = d.snapshot(ctx, name)
	if err != nil {
		return err
	}
	if rec.Status == worker.StatusNeedsReview && rec.SelfReviewQueued {
		return d.dispatchSelfReview(ctx, rec, rep)
	}
	return nil
}

// reconcile aligns the recorded status with session liveness. It reports
// true when the worker needs nothing else this round.
func (d *Dispatcher) reconcile(ctx context.Context, rec *worker.Record, reachable bool, rep *PatrolReport) (bool, error) {
	switch {
	case !reachable && rec.Status != worker.StatusOffline:
		if _, err := d.transition(ctx, rec.Name, "patrol", worker.Transition{To: worker.StatusOffline}); err != nil {
			return true, err
		}
		rep.add(&rep.Offlined)
		return true, d.respawn(ctx, rec, rep)
	case !reachable:
		return true, d.respawn(ctx, rec, rep)
	case rec.Status == worker.StatusOffline:
		if err := d.worktrees.Ensure(ctx, rec); err != nil {
			return true, err
		}
		if _, err := d.transition(ctx, rec.Name, "patrol", worker.Transition{To: worker.StatusIdle}); err != nil {
			return true, err
		}
		rep.add(&rep.Reattached)
		return true, nil
	}
	return false, nil
}

// respawn starts a new session; the session's start hook brings the worker
// back to Idle.
func (d *Dispatcher) respawn(ctx context.Context, rec *worker.Record, rep *PatrolReport) error {
	if d.cfg.AgentCommand == "" {
		return nil
	}
	if err := d.spawnSession(ctx, rec); err != nil {
		return fmt.Errorf("respawn session: %w", err)
	}
	rep.add(&rep.Respawned)
	return nil
}

// checkBase rebases a reviewed worker whose base branch has moved. A clean
// rebase keeps the status and records the new HEAD; a conflicted one starts
// the conflict protocol.
func (d *Dispatcher) checkBase(ctx context.Context, rec *worker.Record, rep *PatrolReport) error {
	advanced, err := d.repo.BaseAdvanced(ctx, rec.WorkingCopy, d.cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("check base: %w", err)
	}
	if !advanced {
		return nil
	}

	dirty, err := d.repo.HasUncommittedChanges(ctx, rec.WorkingCopy)
	if err != nil {
		return fmt.Errorf("check working copy: %w", err)
	}
	if dirty {
		if rec.Status == worker.StatusRejected {
			// Mid-revision; try again once the worker has committed.
			return nil
		}
		if err := d.repo.AmendAll(ctx, rec.WorkingCopy); err != nil {
			return fmt.Errorf("amend before rebase: %w", err)
		}
	}

	pre, err := d.repo.HeadCommit(ctx, rec.WorkingCopy)
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}
	res, err := d.repo.Rebase(ctx, rec.WorkingCopy, d.cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("rebase onto %s: %w", d.cfg.BaseBranch, err)
	}
	if !res.Success {
		if err := d.enterRebasing(ctx, rec, res.Conflicts, pre, "patrol"); err != nil {
			return err
		}
		rep.add(&rep.Conflicts)
		return nil
	}

	head, err := d.repo.HeadCommit(ctx, rec.WorkingCopy)
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}
	if _, err := d.transition(ctx, rec.Name, "patrol", worker.Transition{To: rec.Status, Commit: head}); err != nil {
		return err
	}
	d.log.Info("rebased onto base", "worker", rec.Name, "status", rec.Status, "commit", head)
	rep.add(&rep.Rebased)
	return nil
}

// monitorConflict polls a Rebasing worker once and applies the outcome.
func (d *Dispatcher) monitorConflict(ctx context.Context, rec *worker.Record, rep *PatrolReport) error {
	out, err := d.monitor.Poll(ctx, rec.WorkingCopy, rec.CurrentTask, rec.Conflict, d.now())
	if err != nil {
		return fmt.Errorf("poll conflict: %w", err)
	}
	if out.Message != "" {
		out.Delivered(d.deliver(ctx, rec, "conflict", out.Message) == nil)
	}
	if out.Escalation != "" {
		d.escalate(ctx, protocol.EscConflictStuck, rec.Name, out.Escalation,
			fmt.Sprintf("attach to session %s to help, or run `fleet reset %s`", rec.Session, rec.Name))
	}

	switch out.Kind {
	case conflict.Completed, conflict.Aborted:
		counter := &rep.Resolved
		if out.Kind == conflict.Aborted {
			counter = &rep.Aborted
		}
		d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeConflict, Source: "patrol", Worker: rec.Name, Status: string(worker.StatusNeedsReview), Payload: map[string]any{
			"outcome": out.Kind.String(), "commit": out.Head, "attempts": out.State.ResolutionAttempts,
		}})
		if _, err := d.transition(ctx, rec.Name, "patrol", worker.Transition{To: worker.StatusNeedsReview, Commit: out.Head}); err != nil {
			return err
		}
		rep.add(counter)
		return nil
	}

	if reflect.DeepEqual(rec.Conflict, out.State) {
		return nil
	}
	_, err = d.transition(ctx, rec.Name, "patrol", worker.Transition{To: worker.StatusRebasing, Conflict: out.State})
	return err
}

// dispatchSelfReview delivers the queued self-critique prompt and clears the
// flags. The worker stays in NeedsReview.
func (d *Dispatcher) dispatchSelfReview(ctx context.Context, rec *worker.Record, rep *PatrolReport) error {
	if err := d.deliver(ctx, rec, "self_review", worker.SelfReviewPrompt(d.cfg.SelfReviewPrompt)); err != nil {
		return fmt.Errorf("deliver self-review: %w", err)
	}
	_, err := d.mutate(ctx, rec.Name, "patrol", func(r *worker.Record) error {
		r.PendingSelfReview = false
		r.SelfReviewQueued = false
		return nil
	})
	if err == nil {
		rep.add(&rep.SelfReview)
	}
	return err
}
