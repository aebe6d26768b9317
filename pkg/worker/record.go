// Package worker holds the authoritative per-worker record and the transition
// table that governs its lifecycle. Everything here is pure: no I/O, no clocks
// other than the time values callers pass in.
package worker

import (
	"time"
)

// Status is a worker lifecycle state.
type Status string

// Worker statuses. A new worker starts Offline; there is no terminal state.
const (
	StatusOffline     Status = "offline"
	StatusIdle        Status = "idle"
	StatusWorking     Status = "working"
	StatusNeedsReview Status = "needs_review"
	StatusRejected    Status = "rejected"
	StatusRebasing    Status = "rebasing"
	StatusError       Status = "error"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{ //nolint:gochecknoglobals // read-only table
	StatusOffline, StatusIdle, StatusWorking, StatusNeedsReview,
	StatusRejected, StatusRebasing, StatusError,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// HoldsCommit reports whether a worker in status s must carry a pending commit.
func (s Status) HoldsCommit() bool {
	return s == StatusNeedsReview || s == StatusRejected || s == StatusRebasing
}

// ConflictType classifies a conflicted path.
type ConflictType string

// Conflict types, derived from the two-letter unmerged status code.
const (
	ConflictContent      ConflictType = "content"
	ConflictModifyDelete ConflictType = "modify_delete"
	ConflictAddAdd       ConflictType = "add_add"
	ConflictRenameRename ConflictType = "rename_rename"
)

// ConflictedFile is one path reported by a conflicted rebase.
type ConflictedFile struct {
	Path    string       `json:"path"`
	Type    ConflictType `json:"type"`
	Markers int          `json:"markers"`
}

// ConflictPhase is the sub-state of the conflict resolution protocol.
type ConflictPhase string

// Conflict phases. Completed and Aborted are transient: the parent record
// leaves Rebasing in the same mutation that reaches them.
const (
	PhaseDetecting  ConflictPhase = "detecting"
	PhasePresented  ConflictPhase = "presented"
	PhaseMonitoring ConflictPhase = "monitoring"
	PhaseCompleted  ConflictPhase = "completed"
	PhaseAborted    ConflictPhase = "aborted"
	PhaseEscalated  ConflictPhase = "escalated"
)

// ConflictState exists only while the parent record is Rebasing.
type ConflictState struct {
	Phase              ConflictPhase    `json:"phase"`
	Files              []ConflictedFile `json:"files"`
	StartedAt          time.Time        `json:"started_at"`
	ResolutionAttempts int              `json:"resolution_attempts"`
	PreRebaseCommit    string           `json:"pre_rebase_commit"`
	LastProgressAt     time.Time        `json:"last_progress_at"`
	Fingerprint        string           `json:"fingerprint,omitempty"`
	EscalatedAt        *time.Time       `json:"escalated_at,omitempty"`
	LastFailure        string           `json:"last_failure,omitempty"`
}

// Markers returns the total number of marker regions across all files.
func (c *ConflictState) Markers() int {
	n := 0
	for _, f := range c.Files {
		n += f.Markers
	}
	return n
}

// Paths returns the conflicted paths in order.
func (c *ConflictState) Paths() []string {
	out := make([]string, len(c.Files))
	for i, f := range c.Files {
		out[i] = f.Path
	}
	return out
}

// Record is the authoritative state of one worker. It is owned by the
// dispatcher's registry loop; other goroutines only ever see clones.
type Record struct {
	Name              string         `json:"name"`
	WorkingCopy       string         `json:"working_copy"`
	Branch            string         `json:"branch"`
	Session           string         `json:"session"`
	Model             string         `json:"model,omitempty"`
	Status            Status         `json:"status"`
	CurrentTask       string         `json:"current_task,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActivityAt    time.Time      `json:"last_activity_at"`
	PendingCommit     string         `json:"pending_commit,omitempty"`
	PendingSelfReview bool           `json:"pending_self_review,omitempty"`
	SelfReviewQueued  bool           `json:"self_review_queued,omitempty"`
	CrashCount        int            `json:"crash_count"`
	CrashWindowStart  *time.Time     `json:"crash_window_start,omitempty"`
	LastCrashAt       *time.Time     `json:"last_crash_at,omitempty"`
	ErrorReason       string         `json:"error_reason,omitempty"`
	Conflict          *ConflictState `json:"conflict,omitempty"`
}

// New returns an Offline record for a freshly configured worker.
func New(name, workingCopy, branch, session string, now time.Time) *Record {
	return &Record{
		Name:           name,
		WorkingCopy:    workingCopy,
		Branch:         branch,
		Session:        session,
		Status:         StatusOffline,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.CrashWindowStart = cloneTime(r.CrashWindowStart)
	c.LastCrashAt = cloneTime(r.LastCrashAt)
	if r.Conflict != nil {
		cs := *r.Conflict
		cs.Files = append([]ConflictedFile(nil), r.Conflict.Files...)
		cs.EscalatedAt = cloneTime(r.Conflict.EscalatedAt)
		c.Conflict = &cs
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
