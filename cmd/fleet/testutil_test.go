package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleet/pkg/config"
	"fleet/pkg/protocol"
)

// mockDaemon is a UDS listener that answers every message with handler's ACK.
type mockDaemon struct {
	sockPath string
	mu       sync.Mutex
	got      []protocol.Message
}

func (m *mockDaemon) received() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.got...)
}

// startMockDaemon listens on a short /tmp path (macOS UDS limit is ~100 chars).
func startMockDaemon(t *testing.T, handler func(protocol.Message) protocol.ACKPayload) *mockDaemon {
	t.Helper()
	m := &mockDaemon{sockPath: fmt.Sprintf("/tmp/fleet-cli-%d.sock", time.Now().UnixNano())}
	ln, err := net.Listen("unix", m.sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
		_ = os.Remove(m.sockPath)
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				enc := json.NewEncoder(conn)
				for scanner.Scan() {
					var msg protocol.Message
					if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
						return
					}
					m.mu.Lock()
					m.got = append(m.got, msg)
					m.mu.Unlock()
					ack := handler(msg)
					_ = enc.Encode(protocol.Message{ID: msg.ID, Type: protocol.MsgACK, ACK: &ack})
				}
			}(conn)
		}
	}()
	return m
}

func okHandler(detail string) func(protocol.Message) protocol.ACKPayload {
	return func(protocol.Message) protocol.ACKPayload {
		return protocol.ACKPayload{OK: true, Detail: detail}
	}
}

// testEnv builds an env rooted in a temp dir with workers alice and bob.
func testEnv(t *testing.T) *env {
	t.Helper()
	home := t.TempDir()
	cfg := config.Default()
	cfg.Repo = filepath.Join(home, "repo")
	cfg.Workers = []config.WorkerConfig{{Name: "alice"}, {Name: "bob", Model: "opus"}}
	return &env{
		paths: &config.Paths{
			Home:       home,
			PIDPath:    filepath.Join(home, "fleet.pid"),
			SocketPath: filepath.Join(home, "fleet.sock"),
			StatePath:  filepath.Join(home, "state.json"),
			DBPath:     filepath.Join(home, "events.db"),
			LogPath:    filepath.Join(home, "daemon.log"),
		},
		cfg: cfg,
	}
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}
