package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"fleet/pkg/eventlog"
	"fleet/pkg/merge"
	"fleet/pkg/protocol"
	"fleet/pkg/state"
	"fleet/pkg/worker"
)

// AutoConfig drives unattended operation: idle auto workers take tasks from
// TaskCommand and their finished work is landed without human review.
type AutoConfig struct {
	TaskCommand       string        // prints the next task; empty output means none
	PostAcceptCommand string        // run in the primary repository after each landing
	Workers           []string      // empty means every worker
	CommandTimeout    time.Duration // per run of either command
	MaxBackoff        time.Duration // longest pause after a failure
}

// Enabled reports whether a task source is configured.
func (c AutoConfig) Enabled() bool { return strings.TrimSpace(c.TaskCommand) != "" }

// Covers reports whether name is run unattended.
func (c AutoConfig) Covers(name string) bool {
	return c.Enabled() && (len(c.Workers) == 0 || slices.Contains(c.Workers, name))
}

// Shell runs an operator-configured command line. ExecShell implements it.
type Shell interface {
	Run(ctx context.Context, dir, command string, env []string) (stdout string, err error)
}

const shellWaitDelay = 2 * time.Second

// ExecShell runs commands through `sh -c`.
type ExecShell struct{}

// Run executes command in dir with env added to the daemon's environment.
// A failure carries the tail of stderr.
func (ExecShell) Run(ctx context.Context, dir, command string, env []string) (string, error) {
	var out, errOut strings.Builder
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout, cmd.Stderr = &out, &errOut
	cmd.WaitDelay = shellWaitDelay

	if err := cmd.Run(); err != nil {
		if tail := lastLines(errOut.String(), 5); tail != "" {
			return out.String(), fmt.Errorf("%s: %w: %s", command, err, tail)
		}
		return out.String(), fmt.Errorf("%s: %w", command, err)
	}
	return out.String(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " "))
}

const autoFirstBackoff = time.Minute

// runAuto lands finished work of auto workers, then hands the task
// command's output to idle ones. Any failure pauses unattended operation
// with a doubling backoff; the first failure of a streak escalates.
// Only the running patrol calls it.
func (d *Dispatcher) runAuto(ctx context.Context, rep *PatrolReport) {
	if !d.cfg.Auto.Enabled() || d.now().Before(d.autoRetryAt) {
		return
	}

	recs, err := d.autoWorkers(ctx)
	if err != nil {
		rep.fail("auto", err)
		return
	}
	for _, rec := range recs {
		if rec.Status != worker.StatusNeedsReview || rec.SelfReviewQueued {
			continue
		}
		if err := d.autoAccept(ctx, rec.Name, rep); err != nil {
			d.pauseAuto(ctx, rec.Name, err, rep)
			return
		}
	}

	if recs, err = d.autoWorkers(ctx); err != nil {
		rep.fail("auto", err)
		return
	}
	for _, rec := range recs {
		if rec.Status != worker.StatusIdle {
			continue
		}
		task, err := d.nextTask(ctx, rec.Name)
		if err != nil {
			d.pauseAuto(ctx, rec.Name, err, rep)
			return
		}
		if task == "" {
			break
		}
		if err := d.assign(ctx, rec.Name, task, false, "auto"); err != nil {
			d.log.Warn("auto assign failed", "worker", rec.Name, "status", rec.Status, "err", err)
			d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeAuto, Source: "auto", Worker: rec.Name, Status: string(rec.Status), Payload: map[string]string{
				"action": "assign_failed", "task": task, "error": err.Error(),
			}})
			rep.fail(rec.Name, err)
			continue
		}
		rep.add(&rep.AutoAssigned)
	}

	if d.autoBackoff > 0 {
		d.log.Info("auto mode resumed", "after", d.autoBackoff)
		d.autoBackoff = 0
	}
}

// autoWorkers returns clones of the auto workers in name order.
func (d *Dispatcher) autoWorkers(ctx context.Context) ([]*worker.Record, error) {
	var recs []*worker.Record
	err := d.view(ctx, func(doc *state.Document) {
		for _, name := range doc.Names() {
			if d.cfg.Auto.Covers(name) {
				recs = append(recs, doc.Workers[name].Clone())
			}
		}
	})
	return recs, err
}

// autoAccept lands one worker's change. A rebase conflict is not a failure:
// the worker is resolving it and comes back to NeedsReview.
func (d *Dispatcher) autoAccept(ctx context.Context, name string, rep *PatrolReport) error {
	var res *AcceptResult
	err := d.inLane(ctx, name, func(ctx context.Context) error {
		rec, err := d.snapshot(ctx, name)
		if err != nil {
			return err
		}
		if rec.Status != worker.StatusNeedsReview || rec.SelfReviewQueued {
			return nil
		}
		res, err = d.accept(ctx, name, "auto")
		return err
	})
	var conflictErr *merge.ConflictError
	if errors.As(err, &conflictErr) {
		rep.add(&rep.Conflicts)
		return nil
	}
	if err != nil || res == nil {
		return err
	}
	rep.add(&rep.AutoAccepted)
	if res.NoChanges || strings.TrimSpace(d.cfg.Auto.PostAcceptCommand) == "" {
		return nil
	}
	return d.postAccept(ctx, res)
}

func (d *Dispatcher) postAccept(ctx context.Context, res *AcceptResult) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Auto.CommandTimeout)
	defer cancel()
	start := time.Now()
	out, err := d.shell.Run(ctx, d.cfg.Repo, d.cfg.Auto.PostAcceptCommand, []string{
		"FLEET_WORKER=" + res.Worker, "FLEET_COMMIT=" + res.Commit,
	})
	payload := map[string]any{
		"action": "post_accept", "commit": res.Commit, "elapsed_ms": time.Since(start).Milliseconds(), "output": lastLines(out, 20),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeAuto, Source: "auto", Worker: res.Worker, Status: string(worker.StatusIdle), Payload: payload})
	if err != nil {
		return fmt.Errorf("post-accept command after %s: %w", short(res.Commit), err)
	}
	return nil
}

// nextTask asks the task command for work on behalf of name.
func (d *Dispatcher) nextTask(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Auto.CommandTimeout)
	defer cancel()
	out, err := d.shell.Run(ctx, d.cfg.Repo, d.cfg.Auto.TaskCommand, []string{"FLEET_WORKER=" + name})
	if err != nil {
		return "", fmt.Errorf("task command: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (d *Dispatcher) pauseAuto(ctx context.Context, name string, err error, rep *PatrolReport) {
	first := d.autoBackoff == 0
	if first {
		d.autoBackoff = min(autoFirstBackoff, d.cfg.Auto.MaxBackoff)
	} else {
		d.autoBackoff = min(2*d.autoBackoff, d.cfg.Auto.MaxBackoff)
	}
	d.autoRetryAt = d.now().Add(d.autoBackoff)

	rep.fail("auto", err)
	d.log.Error("auto mode paused", "worker", name, "retry_in", d.autoBackoff, "err", err)
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeAuto, Source: "auto", Worker: name, Payload: map[string]string{
		"action": "paused", "error": err.Error(), "retry_in": d.autoBackoff.String(),
	}})
	if first {
		d.escalate(ctx, protocol.EscAutoPaused, name, "unattended mode paused", fmt.Sprintf("%v; next attempt in %s", err, d.autoBackoff))
	}
}
