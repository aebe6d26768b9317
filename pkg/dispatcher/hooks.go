package dispatcher

import (
	"context"
	"fmt"

	"fleet/pkg/eventlog"
	"fleet/pkg/protocol"
	"fleet/pkg/worker"
)

// IngestHook validates a hook event and queues it on the worker's lane.
// Events for one worker are applied in arrival order.
func (d *Dispatcher) IngestHook(ev protocol.HookEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if d.stopping.Load() {
		return &protocol.ShuttingDownError{}
	}
	return d.enqueue(ev.Worker, func(ctx context.Context) {
		d.applyHook(ctx, ev)
	})
}

// applyHook runs on the worker's lane.
func (d *Dispatcher) applyHook(ctx context.Context, ev protocol.HookEvent) {
	rec, err := d.snapshot(ctx, ev.Worker)
	if err != nil {
		d.log.Warn("hook for unknown worker", "worker", ev.Worker, "event", ev.Kind, "err", err)
		return
	}
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeHook, Source: "hook", Worker: ev.Worker, Status: string(rec.Status), Payload: ev})

	switch ev.Kind {
	case protocol.HookSessionStart:
		err = d.onSessionStart(ctx, rec)
	case protocol.HookSessionEnd:
		err = d.onSessionEnd(ctx, rec, ev.Reason)
	case protocol.HookStop:
		err = d.onStop(ctx, rec)
	case protocol.HookCommandExecuted:
		// Recorded above; commands never drive transitions, including
		// git commands run while rebasing.
	}
	if err != nil {
		d.log.Warn("hook failed", "worker", ev.Worker, "status", rec.Status, "event", ev.Kind, "err", err)
	}
}

// onSessionStart brings an Offline worker online with its working copy
// attached.
func (d *Dispatcher) onSessionStart(ctx context.Context, rec *worker.Record) error {
	if rec.Status != worker.StatusOffline {
		return nil
	}
	if err := d.worktrees.Ensure(ctx, rec); err != nil {
		return fmt.Errorf("attach working copy: %w", err)
	}
	_, err := d.mutate(ctx, rec.Name, "hook", func(r *worker.Record) error {
		if r.Status != worker.StatusOffline {
			return errNoop
		}
		return r.Apply(worker.Transition{To: worker.StatusIdle}, d.now())
	})
	return err
}

// onSessionEnd takes the worker offline. Abnormal exits count as crashes;
// past the threshold the worker goes to Error instead.
func (d *Dispatcher) onSessionEnd(ctx context.Context, rec *worker.Record, reason protocol.EndReason) error {
	var exceeded bool
	after, err := d.mutate(ctx, rec.Name, "hook", func(r *worker.Record) error {
		if reason == protocol.EndOther {
			exceeded = r.RecordCrash(d.now(), d.cfg.Crash)
			if exceeded && r.Status != worker.StatusError {
				return r.Apply(worker.Transition{
					To:     worker.StatusError,
					Reason: fmt.Sprintf("%d crashes within %s", r.CrashCount, d.cfg.Crash.Window),
				}, d.now())
			}
		}
		if r.Status == worker.StatusOffline || r.Status == worker.StatusError {
			if reason == protocol.EndOther {
				return nil // crash counted
			}
			return errNoop
		}
		return r.Apply(worker.Transition{To: worker.StatusOffline}, d.now())
	})
	if err != nil {
		return err
	}
	if exceeded && rec.Status != worker.StatusError {
		d.escalate(ctx, protocol.EscWorkerCrash, rec.Name,
			fmt.Sprintf("session crashed %d times; worker moved to error", after.CrashCount),
			"run `fleet reset "+rec.Name+"` after investigating")
	}
	return nil
}

// onStop handles the agent finishing a turn. Only a change of HEAD with
// commits ahead of base moves the worker; repeated stops are no-ops.
func (d *Dispatcher) onStop(ctx context.Context, rec *worker.Record) error {
	switch rec.Status {
	case worker.StatusWorking, worker.StatusRejected, worker.StatusNeedsReview:
	default:
		return nil
	}
	ahead, err := d.repo.HasCommitsAhead(ctx, rec.WorkingCopy, d.cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("check commits ahead: %w", err)
	}
	if !ahead {
		return nil
	}
	head, err := d.repo.HeadCommit(ctx, rec.WorkingCopy)
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}

	_, err = d.mutate(ctx, rec.Name, "hook", func(r *worker.Record) error {
		switch r.Status {
		case worker.StatusWorking:
		case worker.StatusRejected, worker.StatusNeedsReview:
			if head == r.PendingCommit {
				return errNoop
			}
		default:
			return errNoop
		}
		return r.Apply(worker.Transition{To: worker.StatusNeedsReview, Commit: head}, d.now())
	})
	return err
}
