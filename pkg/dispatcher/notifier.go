package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"fleet/pkg/eventlog"
	"fleet/pkg/protocol"
	"fleet/pkg/tmux"
)

// Notifier surfaces escalations to the human operator.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// TmuxNotifier pastes escalations into the operator's tmux session.
type TmuxNotifier struct {
	session   string
	transport tmux.Transport
}

// NewTmuxNotifier returns a Notifier targeting session. If session is empty,
// "fleet" is used.
func NewTmuxNotifier(session string, transport tmux.Transport) *TmuxNotifier {
	if session == "" {
		session = "fleet"
	}
	return &TmuxNotifier{session: session, transport: transport}
}

// Notify pastes msg as literal text and presses Enter. The session must
// exist; pasting into a dead session fails silently in tmux, leaving the
// escalation unseen.
func (n *TmuxNotifier) Notify(ctx context.Context, msg string) error {
	if !n.transport.IsReachable(ctx, n.session) {
		return fmt.Errorf("notify session %s: %w", n.session, tmux.ErrUnreachable)
	}
	if err := n.transport.PasteBuffer(ctx, n.session, sanitizeForTmux(msg)); err != nil {
		return fmt.Errorf("paste to %s: %w", n.session, err)
	}
	if err := n.transport.SendKey(ctx, n.session, "Enter"); err != nil {
		return fmt.Errorf("send Enter to %s: %w", n.session, err)
	}
	return nil
}

// sanitizeForTmux keeps an escalation on a single line in the operator's
// terminal.
func sanitizeForTmux(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return msg
}

// escalate records an escalation in the event log and, if a notifier is
// configured, tells the operator. Notification failures are logged only.
func (d *Dispatcher) escalate(ctx context.Context, typ protocol.EscalationType, name, summary, details string) {
	msg := protocol.FormatEscalation(typ, name, summary, details)
	d.log.Warn("escalation", "worker", name, "type", typ, "summary", summary)
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeEscalation, Source: "daemon", Worker: name, Payload: map[string]string{
		"type": string(typ), "summary": summary, "details": details,
	}})
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
		d.log.Warn("escalation not delivered", "worker", name, "type", typ, "err", err)
	}
}
