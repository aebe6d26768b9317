package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"fleet/pkg/protocol"
)

// ErrDaemonNotRunning is returned when nothing listens on the daemon socket.
var ErrDaemonNotRunning = errors.New("fleet daemon is not running (start it with `fleet start`)")

// commandTimeout bounds a round trip for commands. Accept runs a full
// rebase, validation and merge, so it is generous.
const commandTimeout = 10 * time.Minute

// dialDaemon connects to the daemon UDS socket.
func dialDaemon(ctx context.Context, sockPath string) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
		}
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return conn, nil
}

// roundTrip sends one message and waits for its ACK.
func roundTrip(ctx context.Context, sockPath string, msg protocol.Message) (*protocol.ACKPayload, error) {
	conn, err := dialDaemon(ctx, sockPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := writeMessage(conn, msg); err != nil {
		return nil, err
	}
	ack, err := readACK(conn)
	if err != nil {
		return nil, err
	}
	if ack.ID != msg.ID {
		return nil, fmt.Errorf("ack for %q, want %q", ack.ID, msg.ID)
	}
	return ack.ACK, nil
}

// writeMessage marshals msg as one JSON line.
func writeMessage(conn net.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// readACK reads and parses the ACK response from the daemon.
func readACK(conn net.Conn) (*protocol.Message, error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxMessageBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ack: %w", err)
		}
		return nil, errors.New("no ack received")
	}

	var msg protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal ack: %w", err)
	}
	if msg.Type != protocol.MsgACK || msg.ACK == nil {
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	return &msg, nil
}

// sendCommand runs a command on the daemon and turns a refused ACK into an
// error.
func sendCommand(ctx context.Context, sockPath string, c protocol.Command) (*protocol.ACKPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	ack, err := roundTrip(ctx, sockPath, protocol.Message{Type: protocol.MsgCommand, Command: &c})
	if err != nil {
		return nil, err
	}
	if !ack.OK {
		return ack, fmt.Errorf("%s: %s", c.Op, ack.Detail)
	}
	return ack, nil
}
