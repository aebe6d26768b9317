package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet/pkg/eventlog"
	"fleet/pkg/protocol"
)

// acceptLoop accepts connections until the listener is closed.
func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || d.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go d.handleConn(ctx, conn)
	}
}

// handleConn reads line-delimited JSON messages and answers each one with an
// ACK. The connection is closed after ReadTimeout without a complete line.
func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxMessageBytes)
	enc := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		if !scanner.Scan() {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			d.writeACK(conn, enc, "", protocol.ACKPayload{Detail: fmt.Sprintf("malformed message: %v", err)})
			continue
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		d.writeACK(conn, enc, msg.ID, d.handleMessage(ctx, msg))
	}
}

func (d *Dispatcher) writeACK(conn net.Conn, enc *json.Encoder, id string, ack protocol.ACKPayload) {
	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.ReadTimeout))
	_ = enc.Encode(protocol.Message{ID: id, Type: protocol.MsgACK, ACK: &ack})
}

// handleMessage routes one message. Hooks are queued on the worker's lane
// and acknowledged immediately; commands run to completion first.
func (d *Dispatcher) handleMessage(ctx context.Context, msg protocol.Message) protocol.ACKPayload {
	switch msg.Type {
	case protocol.MsgHook:
		if msg.Hook == nil {
			return protocol.ACKPayload{Detail: "hook message without payload"}
		}
		if err := d.IngestHook(*msg.Hook); err != nil {
			return protocol.ACKPayload{Detail: err.Error()}
		}
		return protocol.ACKPayload{OK: true, Detail: "queued"}
	case protocol.MsgCommand:
		if msg.Command == nil {
			return protocol.ACKPayload{Detail: "command message without payload"}
		}
		return d.handleCommand(ctx, *msg.Command)
	default:
		return protocol.ACKPayload{Detail: fmt.Sprintf("unsupported message type %q", msg.Type)}
	}
}

// handleCommand runs a human command and reports the result.
func (d *Dispatcher) handleCommand(ctx context.Context, cmd protocol.Command) protocol.ACKPayload {
	if !cmd.Op.Valid() {
		return protocol.ACKPayload{Detail: fmt.Sprintf("unknown command %q", cmd.Op)}
	}
	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeCommand, Source: "cli", Worker: cmd.Worker, Payload: map[string]any{
		"op": cmd.Op, "force": cmd.Force,
	}})

	fail := func(err error) protocol.ACKPayload {
		d.log.Warn("command failed", "op", cmd.Op, "worker", cmd.Worker, "err", err)
		return protocol.ACKPayload{Detail: err.Error()}
	}

	switch cmd.Op {
	case protocol.OpStatus:
		snaps, err := d.Status(ctx)
		if err != nil {
			return fail(err)
		}
		return protocol.ACKPayload{OK: true, Workers: snaps}
	case protocol.OpAssign:
		if err := d.Assign(ctx, cmd.Worker, cmd.Task, cmd.Force); err != nil {
			return fail(err)
		}
		return protocol.ACKPayload{OK: true, Detail: fmt.Sprintf("assigned task to %s", cmd.Worker)}
	case protocol.OpReview:
		sum, err := d.Review(ctx, cmd.Worker)
		if err != nil {
			return fail(err)
		}
		return protocol.ACKPayload{OK: true, Review: sum}
	case protocol.OpAccept:
		res, err := d.Accept(ctx, cmd.Worker)
		if err != nil {
			return fail(err)
		}
		if res.NoChanges {
			return protocol.ACKPayload{OK: true, Detail: fmt.Sprintf("%s had no changes to merge; reset to idle", res.Worker)}
		}
		return protocol.ACKPayload{OK: true, Detail: fmt.Sprintf("merged %s as %s", res.Worker, short(res.Commit))}
	case protocol.OpReject:
		name, err := d.Reject(ctx, cmd.Worker, cmd.Feedback)
		if err != nil {
			return fail(err)
		}
		return protocol.ACKPayload{OK: true, Detail: fmt.Sprintf("rejected %s", name)}
	case protocol.OpReset:
		if err := d.Reset(ctx, cmd.Worker); err != nil {
			return fail(err)
		}
		return protocol.ACKPayload{OK: true, Detail: fmt.Sprintf("reset %s to offline", cmd.Worker)}
	case protocol.OpRemove:
		res, err := d.Remove(ctx, cmd.Worker, cmd.Force)
		if err != nil {
			return fail(err)
		}
		lines := []string{"removed " + res.Worker}
		for _, w := range res.Warnings {
			lines = append(lines, "warning: "+w)
		}
		if res.Configured {
			lines = append(lines, fmt.Sprintf("%s is still listed under workers in the config and returns when the daemon next starts", res.Worker))
		}
		return protocol.ACKPayload{OK: true, Detail: strings.Join(lines, "\n")}
	case protocol.OpPatrol:
		rep, ran := d.RunPatrol(ctx, "command")
		if !ran {
			return protocol.ACKPayload{OK: true, Detail: "patrol already running"}
		}
		return protocol.ACKPayload{OK: true, Detail: rep.String()}
	}
	return protocol.ACKPayload{Detail: fmt.Sprintf("unhandled command %q", cmd.Op)}
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
