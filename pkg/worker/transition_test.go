package worker_test

import (
	"errors"
	"testing"
	"time"

	"fleet/pkg/protocol"
	"fleet/pkg/worker"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecord(status worker.Status) *worker.Record {
	r := worker.New("adam", "/repo/.worktrees/adam", "fleet/adam", "fleet-adam", t0)
	r.Status = status
	if status.HoldsCommit() {
		r.PendingCommit = "c0ffee"
	}
	if status == worker.StatusRebasing {
		r.Conflict = &worker.ConflictState{Phase: worker.PhaseMonitoring, PreRebaseCommit: "c0ffee"}
	}
	return r
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to worker.Status
		want     bool
	}{
		{worker.StatusOffline, worker.StatusIdle, true},
		{worker.StatusIdle, worker.StatusWorking, true},
		{worker.StatusWorking, worker.StatusNeedsReview, true},
		{worker.StatusNeedsReview, worker.StatusRejected, true},
		{worker.StatusNeedsReview, worker.StatusIdle, true},
		{worker.StatusNeedsReview, worker.StatusRebasing, true},
		{worker.StatusRejected, worker.StatusNeedsReview, true},
		{worker.StatusRejected, worker.StatusRebasing, true},
		{worker.StatusRebasing, worker.StatusNeedsReview, true},
		{worker.StatusWorking, worker.StatusError, true},
		{worker.StatusError, worker.StatusOffline, true},
		{worker.StatusRebasing, worker.StatusOffline, true},

		{worker.StatusIdle, worker.StatusNeedsReview, false},
		{worker.StatusWorking, worker.StatusIdle, false},
		{worker.StatusRejected, worker.StatusIdle, false},
		{worker.StatusOffline, worker.StatusWorking, false},
		{worker.StatusError, worker.StatusIdle, false},
		{worker.StatusOffline, worker.StatusOffline, false},
		{worker.StatusError, worker.StatusError, false},
		{worker.StatusWorking, worker.StatusRebasing, false},
	}

	for _, tt := range tests {
		if got := worker.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApply_WorkingToNeedsReviewCapturesCommit(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusWorking)
	r.CurrentTask = "fix the parser"
	now := t0.Add(time.Minute)

	if err := r.Apply(worker.Transition{To: worker.StatusNeedsReview, Commit: "abc123"}, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if r.Status != worker.StatusNeedsReview {
		t.Errorf("status = %s, want needs_review", r.Status)
	}
	if r.PendingCommit != "abc123" {
		t.Errorf("pending commit = %q, want abc123", r.PendingCommit)
	}
	if !r.LastActivityAt.Equal(now) {
		t.Errorf("last activity not updated")
	}
	if r.SelfReviewQueued {
		t.Error("self-review queued without the flag")
	}
	if err := r.CheckInvariants(); err != nil {
		t.Errorf("invariant: %v", err)
	}
}

func TestApply_SelfReviewQueuedOnFirstReview(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusIdle)
	if err := r.Apply(worker.Transition{To: worker.StatusWorking, Task: "t", SelfReview: true}, t0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := r.Apply(worker.Transition{To: worker.StatusNeedsReview, Commit: "abc"}, t0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !r.PendingSelfReview || !r.SelfReviewQueued {
		t.Errorf("self-review flags = (%v, %v), want both true", r.PendingSelfReview, r.SelfReviewQueued)
	}
}

func TestApply_InvalidTransitionLeavesRecordUntouched(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusIdle)
	before := *r

	err := r.Apply(worker.Transition{To: worker.StatusNeedsReview, Commit: "abc"}, t0.Add(time.Hour))
	var invalid *protocol.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if r.Status != before.Status || !r.LastActivityAt.Equal(before.LastActivityAt) || r.PendingCommit != "" {
		t.Errorf("record mutated on failed transition: %+v", r)
	}
}

func TestApply_RequiresTransitionData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from worker.Status
		tr   worker.Transition
	}{
		{"working without task", worker.StatusIdle, worker.Transition{To: worker.StatusWorking}},
		{"review without commit", worker.StatusWorking, worker.Transition{To: worker.StatusNeedsReview}},
		{"rebasing without conflict", worker.StatusNeedsReview, worker.Transition{To: worker.StatusRebasing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRecord(tt.from)
			if err := r.Apply(tt.tr, t0); err == nil {
				t.Errorf("expected error, got status %s", r.Status)
			}
			if r.Status != tt.from {
				t.Errorf("status changed to %s", r.Status)
			}
		})
	}
}

func TestApply_InvariantHoldsAcrossLifecycle(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusOffline)
	steps := []worker.Transition{
		{To: worker.StatusIdle},
		{To: worker.StatusWorking, Task: "add retries"},
		{To: worker.StatusNeedsReview, Commit: "a1"},
		{To: worker.StatusRejected},
		{To: worker.StatusNeedsReview, Commit: "a2"},
		{To: worker.StatusRebasing, Conflict: &worker.ConflictState{Phase: worker.PhaseDetecting, PreRebaseCommit: "a2"}},
		{To: worker.StatusNeedsReview, Commit: "a3"},
		{To: worker.StatusIdle},
		{To: worker.StatusWorking, Task: "next"},
		{To: worker.StatusError, Reason: "crashed"},
		{To: worker.StatusOffline},
		{To: worker.StatusIdle},
	}

	for i, s := range steps {
		if err := r.Apply(s, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("step %d (%s): %v", i, s.To, err)
		}
		if err := r.CheckInvariants(); err != nil {
			t.Fatalf("step %d (%s): %v", i, s.To, err)
		}
	}
	if r.CurrentTask != "" {
		t.Errorf("idle worker kept task %q", r.CurrentTask)
	}
}

func TestApply_RejectKeepsPendingCommit(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusNeedsReview)
	if err := r.Apply(worker.Transition{To: worker.StatusRejected}, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if r.PendingCommit != "c0ffee" {
		t.Errorf("pending commit = %q, want c0ffee", r.PendingCommit)
	}
}

func TestCheckInvariants(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusIdle)
	r.PendingCommit = "abc"
	if err := r.CheckInvariants(); !errors.Is(err, worker.ErrInvariant) {
		t.Errorf("idle with commit: got %v", err)
	}

	r = newRecord(worker.StatusNeedsReview)
	r.PendingCommit = ""
	if err := r.CheckInvariants(); !errors.Is(err, worker.ErrInvariant) {
		t.Errorf("needs_review without commit: got %v", err)
	}

	r = newRecord(worker.StatusNeedsReview)
	r.Conflict = &worker.ConflictState{}
	if err := r.CheckInvariants(); !errors.Is(err, worker.ErrInvariant) {
		t.Errorf("conflict outside rebasing: got %v", err)
	}

	for _, s := range worker.AllStatuses {
		if err := newRecord(s).CheckInvariants(); err != nil {
			t.Errorf("%s: %v", s, err)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	r := newRecord(worker.StatusRebasing)
	r.Conflict.Files = []worker.ConflictedFile{{Path: "a.go", Type: worker.ConflictContent, Markers: 2}}
	start := t0
	r.CrashWindowStart = &start

	c := r.Clone()
	c.Conflict.Files[0].Markers = 0
	c.Conflict.Phase = worker.PhaseEscalated
	*c.CrashWindowStart = t0.Add(time.Hour)

	if r.Conflict.Files[0].Markers != 2 || r.Conflict.Phase != worker.PhaseMonitoring {
		t.Error("clone shares conflict state")
	}
	if !r.CrashWindowStart.Equal(t0) {
		t.Error("clone shares crash window start")
	}
}
