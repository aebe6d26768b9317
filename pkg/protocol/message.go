package protocol

import (
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the kind of line-delimited JSON message on the socket.
type MessageType string

// Message type constants.
const (
	MsgHook    MessageType = "HOOK"
	MsgCommand MessageType = "COMMAND"
	MsgACK     MessageType = "ACK"
)

// Message is the envelope for every line exchanged over the daemon socket.
// Exactly one payload pointer matching Type is set.
type Message struct {
	ID      string      `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Hook    *HookEvent  `json:"hook,omitempty"`
	Command *Command    `json:"command,omitempty"`
	ACK     *ACKPayload `json:"ack,omitempty"`
}

// HookKind names a lifecycle point reported by a worker's own tooling.
type HookKind string

// Hook kinds.
const (
	HookSessionStart    HookKind = "session_start"
	HookSessionEnd      HookKind = "session_end"
	HookStop            HookKind = "stop"
	HookCommandExecuted HookKind = "command_executed"
)

// Valid reports whether k is a known hook kind.
func (k HookKind) Valid() bool {
	switch k {
	case HookSessionStart, HookSessionEnd, HookStop, HookCommandExecuted:
		return true
	}
	return false
}

// EndReason classifies why a session ended. The transport owner decides this;
// the daemon never parses output to infer it.
type EndReason string

// End reasons.
const (
	EndNormalExit EndReason = "normal_exit"
	EndOther      EndReason = "other"
)

// HookEvent is a worker-attributed notification. Events are applied and then
// discarded; only the resulting transition is persisted.
type HookEvent struct {
	Kind     HookKind  `json:"kind"`
	Worker   string    `json:"worker"`
	Reason   EndReason `json:"reason,omitempty"`    // session_end only
	Command  string    `json:"command,omitempty"`   // command_executed only
	ExitCode int       `json:"exit_code,omitempty"` // command_executed only
	At       time.Time `json:"at,omitzero"`
}

// Validate checks that the event is well formed.
func (e *HookEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown hook kind %q", e.Kind)
	}
	if err := ValidateWorkerName(e.Worker); err != nil {
		return err
	}
	if e.Kind == HookSessionEnd && e.Reason != EndNormalExit && e.Reason != EndOther {
		return fmt.Errorf("session_end for %s: unknown reason %q", e.Worker, e.Reason)
	}
	return nil
}

// CommandOp is a human-issued operation sent by the CLI.
type CommandOp string

// Command operations.
const (
	OpStatus CommandOp = "status"
	OpAssign CommandOp = "assign"
	OpReview CommandOp = "review"
	OpAccept CommandOp = "accept"
	OpReject CommandOp = "reject"
	OpReset  CommandOp = "reset"
	OpPatrol CommandOp = "patrol"
	OpRemove CommandOp = "remove"
)

// Valid reports whether op is a known command.
func (op CommandOp) Valid() bool {
	switch op {
	case OpStatus, OpAssign, OpReview, OpAccept, OpReject, OpReset, OpPatrol, OpRemove:
		return true
	}
	return false
}

// Command carries a synchronous human request. Worker may be empty for
// accept/reject, in which case the most recently reviewed worker is used.
type Command struct {
	Op       CommandOp `json:"op"`
	Worker   string    `json:"worker,omitempty"`
	Task     string    `json:"task,omitempty"`
	Feedback string    `json:"feedback,omitempty"`
	Force    bool      `json:"force,omitempty"`
}

// ACKPayload is the per-message acknowledgment written back on the socket.
type ACKPayload struct {
	OK      bool             `json:"ok"`
	Detail  string           `json:"detail,omitempty"`
	Workers []WorkerSnapshot `json:"workers,omitempty"`
	Review  *ReviewSummary   `json:"review,omitempty"`
}

// WorkerSnapshot is the wire view of one worker for status output.
type WorkerSnapshot struct {
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Task           string    `json:"task,omitempty"`
	PendingCommit  string    `json:"pending_commit,omitempty"`
	Branch         string    `json:"branch"`
	WorkingCopy    string    `json:"working_copy"`
	Session        string    `json:"session"`
	CrashCount     int       `json:"crash_count"`
	ConflictPhase  string    `json:"conflict_phase,omitempty"`
	ConflictFiles  int       `json:"conflict_files,omitempty"`
	SelfReview     bool      `json:"self_review,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastReviewed   bool      `json:"last_reviewed,omitempty"`
	ErrorReason    string    `json:"error_reason,omitempty"`
}

// ReviewSummary is returned by the review command.
type ReviewSummary struct {
	Worker  string `json:"worker"`
	Commit  string `json:"commit"`
	Subject string `json:"subject"`
	Stat    string `json:"stat"`
}

// ErrEmptyWorkerName is returned for messages that do not name a worker.
var ErrEmptyWorkerName = errors.New("worker name is empty")
