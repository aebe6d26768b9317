package worker

import (
	"errors"
	"fmt"
	"time"

	"fleet/pkg/protocol"
)

// transitions lists the legal status changes. Every status may additionally
// move to Error or Offline (see CanTransition).
var transitions = map[Status]map[Status]bool{ //nolint:gochecknoglobals // read-only table
	StatusOffline: {
		StatusIdle: true,
	},
	StatusIdle: {
		StatusWorking: true,
	},
	StatusWorking: {
		StatusNeedsReview: true,
	},
	StatusNeedsReview: {
		StatusNeedsReview: true, // HEAD moved while awaiting review
		StatusRejected:    true,
		StatusIdle:        true,
		StatusRebasing:    true,
	},
	StatusRejected: {
		StatusRejected:    true, // rebased cleanly by patrol
		StatusNeedsReview: true,
		StatusRebasing:    true,
	},
	StatusRebasing: {
		StatusRebasing:    true, // conflict sub-state update
		StatusNeedsReview: true,
	},
}

// CanTransition reports whether a worker may move from one status to another.
func CanTransition(from, to Status) bool {
	if to == StatusError || to == StatusOffline {
		return from != to
	}
	return transitions[from][to]
}

// Transition describes a requested status change together with the data the
// target status needs.
type Transition struct {
	To Status

	Task       string         // Working: the assignment text
	SelfReview bool           // Working: request a self-critique before human review
	Commit     string         // NeedsReview, Rejected: the commit awaiting review
	Conflict   *ConflictState // Rebasing: the protocol sub-state
	Reason     string         // Error: why manual intervention is required
}

// Apply validates t against the transition table and, if legal, mutates r.
// On error r is left untouched.
func (r *Record) Apply(t Transition, now time.Time) error {
	if !CanTransition(r.Status, t.To) {
		return &protocol.InvalidTransitionError{Worker: r.Name, From: string(r.Status), To: string(t.To)}
	}
	if err := r.checkTransitionData(t); err != nil {
		return err
	}

	switch t.To {
	case StatusIdle:
		r.CurrentTask = ""
		r.PendingCommit = ""
		r.PendingSelfReview = false
		r.SelfReviewQueued = false
		r.Conflict = nil
		r.ErrorReason = ""
	case StatusWorking:
		r.CurrentTask = t.Task
		r.PendingSelfReview = t.SelfReview
		r.SelfReviewQueued = false
	case StatusNeedsReview:
		r.PendingCommit = t.Commit
		r.Conflict = nil
		if r.PendingSelfReview {
			r.SelfReviewQueued = true
		}
	case StatusRejected:
		if t.Commit != "" {
			r.PendingCommit = t.Commit
		}
	case StatusRebasing:
		r.Conflict = t.Conflict
	case StatusError:
		r.PendingCommit = ""
		r.Conflict = nil
		r.SelfReviewQueued = false
		r.ErrorReason = t.Reason
	case StatusOffline:
		r.PendingCommit = ""
		r.Conflict = nil
		r.PendingSelfReview = false
		r.SelfReviewQueued = false
	}

	r.Status = t.To
	r.LastActivityAt = now
	return nil
}

func (r *Record) checkTransitionData(t Transition) error {
	invalid := func(reason string) error {
		return &protocol.InvalidTransitionError{
			Worker: r.Name, From: string(r.Status), To: string(t.To), Reason: reason,
		}
	}
	switch t.To {
	case StatusWorking:
		if t.Task == "" {
			return invalid("empty task")
		}
	case StatusNeedsReview:
		if t.Commit == "" {
			return invalid("no commit to review")
		}
	case StatusRejected:
		if t.Commit == "" && r.PendingCommit == "" {
			return invalid("no pending commit")
		}
	case StatusRebasing:
		if t.Conflict == nil {
			return invalid("missing conflict state")
		}
		if r.PendingCommit == "" {
			return invalid("no pending commit")
		}
	}
	return nil
}

// ErrInvariant is wrapped by every CheckInvariants failure.
var ErrInvariant = errors.New("worker invariant violated")

// CheckInvariants verifies the structural invariants of a record.
func (r *Record) CheckInvariants() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %s has unknown status %q", ErrInvariant, r.Name, r.Status)
	}
	if hasCommit := r.PendingCommit != ""; hasCommit != r.Status.HoldsCommit() {
		return fmt.Errorf("%w: %s is %s with pending commit %q", ErrInvariant, r.Name, r.Status, r.PendingCommit)
	}
	if hasConflict := r.Conflict != nil; hasConflict != (r.Status == StatusRebasing) {
		return fmt.Errorf("%w: %s is %s with conflict state present=%t", ErrInvariant, r.Name, r.Status, hasConflict)
	}
	if r.CrashCount < 0 {
		return fmt.Errorf("%w: %s has negative crash count", ErrInvariant, r.Name)
	}
	if r.SelfReviewQueued && !r.PendingSelfReview {
		return fmt.Errorf("%w: %s has a queued self-review without the flag", ErrInvariant, r.Name)
	}
	return nil
}
