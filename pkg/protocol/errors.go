package protocol

import "fmt"

// WorkerNotFoundError is returned when a command or event names a worker the
// registry does not know.
type WorkerNotFoundError struct {
	Worker string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.Worker)
}

// InvalidTransitionError is returned when a requested state change is not in
// the worker transition table.
type InvalidTransitionError struct {
	Worker string
	From   string
	To     string
	Reason string // optional
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("worker %s: invalid transition %s -> %s: %s", e.Worker, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("worker %s: invalid transition %s -> %s", e.Worker, e.From, e.To)
}

// WrongStatusError is returned when a human command targets a worker that is
// not in the status the command requires.
type WrongStatusError struct {
	Worker string
	Status string
	Want   string
}

func (e *WrongStatusError) Error() string {
	return fmt.Sprintf("worker %s is %s, want %s", e.Worker, e.Status, e.Want)
}

// ShuttingDownError is returned for any mutation submitted after the daemon
// began persisting its final state.
type ShuttingDownError struct{}

func (e *ShuttingDownError) Error() string {
	return "daemon is shutting down"
}
