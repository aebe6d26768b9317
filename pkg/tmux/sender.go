package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"fleet/pkg/protocol"
)

// Timing holds the delivery protocol's tunables.
type Timing struct {
	DebounceBase    time.Duration
	DebouncePerKB   time.Duration
	DebounceMax     time.Duration
	LargeThreshold  int // payloads above this many bytes go through a paste buffer
	EnterRetries    int
	EnterRetryDelay time.Duration
}

// DefaultTiming returns the reference timing values.
func DefaultTiming() Timing {
	return Timing{
		DebounceBase:    protocol.DefaultDebounceBase,
		DebouncePerKB:   protocol.DefaultDebouncePerKB,
		DebounceMax:     protocol.DefaultDebounceMax,
		LargeThreshold:  protocol.DefaultLargeThreshold,
		EnterRetries:    protocol.DefaultEnterRetries,
		EnterRetryDelay: protocol.DefaultEnterRetryDelay,
	}
}

// Debounce returns how long to withhold the activation key after writing
// size bytes: base + perKB*ceil(size/1024), clamped to [0, max].
func (t Timing) Debounce(size int) time.Duration {
	kb := (size + 1023) / 1024
	d := t.DebounceBase + time.Duration(kb)*t.DebouncePerKB
	if d < 0 {
		d = 0
	}
	if t.DebounceMax > 0 && d > t.DebounceMax {
		d = t.DebounceMax
	}
	return d
}

// ErrUnreachable is returned when the target session does not exist.
var ErrUnreachable = errors.New("session unreachable")

// DeliveryError reports which stage of a delivery failed.
type DeliveryError struct {
	Session string
	Stage   string // "reach", "write", "submit"
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %s: %v", e.Session, e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sender delivers a payload to a session so that the receiving process sees
// one complete input submission.
type Sender struct {
	Transport Transport
	Timing    Timing
	Sleeper   func(time.Duration) // optional; overrides the context-aware sleep for testing
}

// NewSender returns a Sender over tr.
func NewSender(tr Transport, timing Timing) *Sender {
	return &Sender{Transport: tr, Timing: timing}
}

// sleep pauses for d, returning early if ctx is done.
func (s *Sender) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if s.Sleeper != nil {
		s.Sleeper(d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// usesBuffer reports whether payload must bypass keystroke injection:
// large payloads and anything multi-line, which send-keys would submit early.
func (s *Sender) usesBuffer(payload string) bool {
	return len(payload) > s.Timing.LargeThreshold || strings.ContainsAny(payload, "\r\n")
}

// Deliver writes payload to session, waits the debounce interval, then
// presses Enter, retrying the keystroke up to Timing.EnterRetries times.
func (s *Sender) Deliver(ctx context.Context, session, payload string) error {
	if payload == "" {
		return &DeliveryError{Session: session, Stage: "write", Err: errors.New("empty payload")}
	}
	if !s.Transport.IsReachable(ctx, session) {
		return &DeliveryError{Session: session, Stage: "reach", Err: ErrUnreachable}
	}

	var err error
	if s.usesBuffer(payload) {
		err = s.Transport.PasteBuffer(ctx, session, payload)
	} else {
		err = s.Transport.SendLiteral(ctx, session, payload)
	}
	if err != nil {
		return &DeliveryError{Session: session, Stage: "write", Err: err}
	}
	s.Transport.Wake(ctx, session)

	s.sleep(ctx, s.Timing.Debounce(len(payload)))
	if ctx.Err() != nil {
		return &DeliveryError{Session: session, Stage: "submit", Err: ctx.Err()}
	}

	attempts := s.Timing.EnterRetries
	if attempts < 1 {
		attempts = 1
	}
	err = retry.Retry(
		func(uint) error {
			return s.Transport.SendKey(ctx, session, "Enter")
		},
		strategy.Limit(uint(attempts)),
		func(attempt uint) bool {
			if attempt > 0 {
				s.sleep(ctx, s.Timing.EnterRetryDelay)
			}
			return ctx.Err() == nil
		},
	)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return &DeliveryError{Session: session, Stage: "submit", Err: fmt.Errorf("enter not registered after %d attempts: %w", attempts, err)}
	}
	s.Transport.Wake(ctx, session)
	return nil
}

// Interrupt sends C-c to the session.
func (s *Sender) Interrupt(ctx context.Context, session string) error {
	return s.Transport.SendKey(ctx, session, "C-c")
}
