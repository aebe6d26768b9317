package protocol

import (
	"fmt"
	"regexp"
)

// workerNameRe restricts worker names to characters that are safe in a tmux
// session name, a git branch component and a directory name.
var workerNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// ValidateWorkerName checks that name can be used as a session, branch and
// directory component.
func ValidateWorkerName(name string) error {
	if name == "" {
		return ErrEmptyWorkerName
	}
	if !workerNameRe.MatchString(name) {
		return fmt.Errorf("invalid worker name %q: must match %s", name, workerNameRe.String())
	}
	return nil
}

// EscalationType classifies a structured escalation message.
type EscalationType string

// Escalation type constants for [FLEET] notifications.
const (
	EscConflictStuck     EscalationType = "CONFLICT_STUCK"
	EscWorkerCrash       EscalationType = "WORKER_CRASH"
	EscAcceptFailed      EscalationType = "ACCEPT_FAILED"
	EscMergeVerification EscalationType = "MERGE_VERIFICATION"
	EscDeliveryFailed    EscalationType = "DELIVERY_FAILED"
	EscAutoPaused        EscalationType = "AUTO_PAUSED"
)

// FormatEscalation renders a one-line escalation for the operator:
//
//	[FLEET] <TYPE>: <worker> — <summary>.
//
// details is appended on its own line when non-empty.
func FormatEscalation(typ EscalationType, worker, summary, details string) string {
	msg := fmt.Sprintf("[FLEET] %s: %s — %s.", typ, worker, summary)
	if details != "" {
		msg += "\n" + details
	}
	return msg
}
