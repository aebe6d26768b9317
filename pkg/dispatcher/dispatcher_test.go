package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleet/pkg/protocol"
	"fleet/pkg/state"
	"fleet/pkg/worker"
)

// harness bundles a dispatcher with its fakes.
type harness struct {
	repo      *fakeRepo
	lander    *fakeLander
	transport *fakeTransport
	sender    *fakeSender
	events    *fakeEvents
	notifier  *fakeNotifier
	validator *fakeValidator
	store     *state.Store
	root      string
}

// wc returns the working copy path of a test worker.
func (h *harness) wc(name string) string {
	return filepath.Join(h.root, "worktrees", name)
}

func session(name string) string { return "fleet-" + name }

// newTestDispatcher returns a dispatcher over two workers, alice and bob,
// whose working copies exist and whose sessions are live.
func newTestDispatcher(t *testing.T) (*Dispatcher, *harness) {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		repo:      newFakeRepo(),
		lander:    &fakeLander{},
		transport: newFakeTransport(session("alice"), session("bob")),
		sender:    newFakeSender(),
		events:    &fakeEvents{},
		notifier:  &fakeNotifier{},
		validator: &fakeValidator{},
		store:     state.NewStore(filepath.Join(root, "state.json")),
		root:      root,
	}

	var slots []state.Slot
	for _, name := range []string{"alice", "bob"} {
		if err := os.MkdirAll(h.wc(name), 0o755); err != nil {
			t.Fatal(err)
		}
		slots = append(slots, state.Slot{
			Name: name, WorkingCopy: h.wc(name), Branch: "fleet/" + name, Session: session(name),
		})
	}

	// Use a short UDS path; macOS limits it to 104 bytes.
	sockPath := fmt.Sprintf("/tmp/fleet-test-%d.sock", time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(sockPath) })

	cfg := Config{
		SocketPath:      sockPath,
		Repo:            filepath.Join(root, "repo"),
		BaseBranch:      "main",
		PatrolInterval:  time.Hour,
		ReadTimeout:     time.Second,
		ShutdownTimeout: 2 * time.Second,
		Crash:           worker.CrashPolicy{Threshold: 3, Window: 24 * time.Hour},
		Workers:         slots,
	}
	d := New(cfg, Deps{
		Store:     h.store,
		Repo:      h.repo,
		Lander:    h.lander,
		Transport: h.transport,
		Sender:    h.sender,
		Validator: h.validator,
		Events:    h.events,
		Notifier:  h.notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return d, h
}

// waitFor fails the test unless cond holds within timeout.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-tick.C:
		case <-deadline:
			t.Fatalf("condition not met within %v", timeout)
		}
	}
}

// startDispatcher starts the dispatcher in the background and returns a cancel func.
func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher not ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
	})
	return cancel
}

// put overwrites a worker record while the dispatcher runs. Nothing is
// logged, so event counts only reflect the code under test.
func put(t *testing.T, d *Dispatcher, name string, fn func(r *worker.Record)) {
	t.Helper()
	if err := d.update(context.Background(), func(doc *state.Document) error {
		fn(doc.Workers[name])
		return doc.Workers[name].CheckInvariants()
	}); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func asWorking(task string) func(r *worker.Record) {
	return func(r *worker.Record) {
		r.Status = worker.StatusWorking
		r.CurrentTask = task
	}
}

func asNeedsReview(commit string) func(r *worker.Record) {
	return func(r *worker.Record) {
		r.Status = worker.StatusNeedsReview
		r.CurrentTask = "build the widget"
		r.PendingCommit = commit
	}
}

func asIdle(r *worker.Record) { r.Status = worker.StatusIdle }

func get(t *testing.T, d *Dispatcher, name string) *worker.Record {
	t.Helper()
	rec, err := d.snapshot(context.Background(), name)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}
	return rec
}

// waitForStatus polls until the worker reaches want.
func waitForStatus(t *testing.T, d *Dispatcher, name string, want worker.Status) {
	t.Helper()
	waitFor(t, func() bool {
		rec, err := d.snapshot(context.Background(), name)
		return err == nil && rec.Status == want
	}, 2*time.Second)
}

// drainLane waits until every job queued on the worker's lane so far has run.
func drainLane(t *testing.T, d *Dispatcher, name string) {
	t.Helper()
	if err := d.inLane(context.Background(), name, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("drain lane %s: %v", name, err)
	}
}

// send writes one message on a fresh connection and returns the ACK.
func send(t *testing.T, socketPath string, msg protocol.Message) protocol.Message {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("connect to dispatcher: %v", err)
	}
	defer func() { _ = conn.Close() }()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no ACK: %v", scanner.Err())
	}
	var ack protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &ack); err != nil {
		t.Fatalf("unmarshal ACK: %v", err)
	}
	return ack
}

func hook(kind protocol.HookKind, name string) protocol.Message {
	return protocol.Message{Type: protocol.MsgHook, Hook: &protocol.HookEvent{Kind: kind, Worker: name}}
}

func command(cmd protocol.Command) protocol.Message {
	return protocol.Message{Type: protocol.MsgCommand, Command: &cmd}
}

func TestDispatcher_StartsWithConfiguredWorkersOffline(t *testing.T) {
	d, h := newTestDispatcher(t)
	startDispatcher(t, d)

	for _, name := range []string{"alice", "bob"} {
		if got := get(t, d, name).Status; got != worker.StatusOffline {
			t.Errorf("%s status = %s, want offline", name, got)
		}
	}
	doc, err := h.store.Load()
	if err != nil {
		t.Fatalf("initial state not persisted: %v", err)
	}
	if len(doc.Workers) != 2 {
		t.Fatalf("persisted %d workers, want 2", len(doc.Workers))
	}
}

func TestDispatcher_CorruptStateIsFatal(t *testing.T) {
	d, h := newTestDispatcher(t)
	if err := os.WriteFile(h.store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to fail on a corrupt state file")
	}
	var corrupt *state.CorruptStateError
	if !errors.As(err, &corrupt) {
		t.Fatalf("error = %v, want *state.CorruptStateError", err)
	}
	if _, statErr := os.Stat(d.cfg.SocketPath); !os.IsNotExist(statErr) {
		t.Fatal("socket must not be created when state is corrupt")
	}
}

func TestDispatcher_RestoresPersistedState(t *testing.T) {
	d, h := newTestDispatcher(t)
	cancel := startDispatcher(t, d)
	put(t, d, "alice", asNeedsReview("c0ffee"))
	cancel()
	waitFor(t, func() bool {
		_, err := os.Stat(d.cfg.SocketPath)
		return os.IsNotExist(err)
	}, 5*time.Second)

	d2, _ := newTestDispatcher(t)
	d2.store = h.store
	d2.cfg.Workers = d.cfg.Workers
	startDispatcher(t, d2)

	rec := get(t, d2, "alice")
	if rec.Status != worker.StatusNeedsReview || rec.PendingCommit != "c0ffee" {
		t.Fatalf("restored alice = %s/%q, want needs_review/c0ffee", rec.Status, rec.PendingCommit)
	}
}

func TestDispatcher_ShutdownInterruptsAndKillsSessions(t *testing.T) {
	d, h := newTestDispatcher(t)
	cancel := startDispatcher(t, d)
	put(t, d, "alice", asWorking("task"))

	cancel()
	waitFor(t, func() bool { return len(h.transport.killedSessions()) == 2 }, 5*time.Second)

	if got := h.sender.interrupted(); len(got) != 2 {
		t.Fatalf("interrupted %v, want both sessions", got)
	}
	waitFor(t, func() bool { return h.events.count("daemon_stop", "") == 1 }, 5*time.Second)

	doc, err := h.store.Load()
	if err != nil {
		t.Fatalf("load final state: %v", err)
	}
	if doc.Workers["alice"].Status != worker.StatusWorking {
		t.Fatalf("final alice status = %s, want working", doc.Workers["alice"].Status)
	}
}

func TestDispatcher_RejectsMutationsAfterShutdown(t *testing.T) {
	d, _ := newTestDispatcher(t)
	cancel := startDispatcher(t, d)
	cancel()
	waitFor(t, func() bool {
		select {
		case <-d.loopDone:
			return true
		default:
			return false
		}
	}, 5*time.Second)

	_, err := d.transition(context.Background(), "alice", "test", worker.Transition{To: worker.StatusIdle})
	var shutting *protocol.ShuttingDownError
	if !errors.As(err, &shutting) {
		t.Fatalf("error = %v, want *protocol.ShuttingDownError", err)
	}
	if err := d.IngestHook(protocol.HookEvent{Kind: protocol.HookStop, Worker: "alice"}); err == nil {
		t.Fatal("hooks must be refused once shutdown began")
	}
}

func TestDispatcher_SpawnsMissingSessionsAtStartup(t *testing.T) {
	d, h := newTestDispatcher(t)
	d.cfg.AgentCommand = "claude"
	d.cfg.Workers[1].Model = "opus"
	h.transport.setLive(session("bob"), false)
	startDispatcher(t, d)

	created := h.transport.createdSessions()
	if len(created) != 1 {
		t.Fatalf("created %d sessions, want 1", len(created))
	}
	got := created[0]
	if got.Name != session("bob") || got.Dir != h.wc("bob") {
		t.Fatalf("created %+v, want bob's session in its working copy", got)
	}
	if got.Command != "claude --model opus" {
		t.Fatalf("command = %q", got.Command)
	}
	if got.Env["FLEET_WORKER"] != "bob" || got.Env["FLEET_SOCKET_PATH"] != d.cfg.SocketPath {
		t.Fatalf("env = %v", got.Env)
	}
	if got.Width != protocol.DefaultSessionWidth {
		t.Fatalf("width = %d, want %d", got.Width, protocol.DefaultSessionWidth)
	}
}
