// Package dispatcher runs the fleet daemon: the single-writer worker
// registry, per-worker job lanes, the hook/command socket, patrol and the
// shutdown sequence.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fleet/pkg/conflict"
	"fleet/pkg/eventlog"
	"fleet/pkg/merge"
	"fleet/pkg/protocol"
	"fleet/pkg/state"
	"fleet/pkg/tmux"
	"fleet/pkg/worker"
)

// --- Collaborators ---

// Repository is the git surface the dispatcher drives. *merge.Repo
// implements it.
type Repository interface {
	conflict.Git
	HasCommitsAhead(ctx context.Context, dir, base string) (bool, error)
	BaseAdvanced(ctx context.Context, dir, base string) (bool, error)
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	AmendAll(ctx context.Context, dir string) error
	Rebase(ctx context.Context, dir, base string) (*merge.RebaseResult, error)
	RebaseAbort(ctx context.Context, dir string) error
	ResetHard(ctx context.Context, dir, ref string) error
	CommitMessage(ctx context.Context, dir, ref string) (string, error)
	DiffStat(ctx context.Context, dir, base string) (string, error)
	CreateWorkingCopy(ctx context.Context, repo, path, branch, base string) error
	RemoveWorkingCopy(ctx context.Context, repo, path string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
	ListWorktrees(ctx context.Context, repo string) ([]merge.Worktree, error)
}

// Lander lands a reviewed branch on the base branch. *merge.Coordinator
// implements it.
type Lander interface {
	Land(ctx context.Context, opts merge.Opts) (*merge.Result, error)
}

// Deliverer submits text to a worker session. *tmux.Sender implements it.
type Deliverer interface {
	Deliver(ctx context.Context, session, payload string) error
	Interrupt(ctx context.Context, session string) error
}

// EventLog records lifecycle events. *eventlog.Writer implements it.
type EventLog interface {
	Log(ctx context.Context, e eventlog.Entry) error
}

// --- Config ---

// Config holds Dispatcher configuration.
type Config struct {
	SocketPath        string
	Repo              string // primary repository; base branch is checked out here
	BaseBranch        string
	AgentCommand      string // command started in each worker session
	ValidationCommand string // shown to workers; the Validator runs it
	SessionWidth      int
	SessionHeight     int
	PatrolInterval    time.Duration
	ReadTimeout       time.Duration // per-connection idle read timeout
	ShutdownTimeout   time.Duration // grace period for in-flight jobs
	SelfReview        bool
	SelfReviewPrompt  string
	Crash             worker.CrashPolicy
	Conflict          conflict.Policy
	Workers           []state.Slot
	WatchBaseRef      bool   // nudge patrol when the base ref changes on disk
	HookBinary        string // written into hook settings of new working copies
	Auto              AutoConfig
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseBranch == "" {
		out.BaseBranch = "main"
	}
	if out.SessionWidth == 0 {
		out.SessionWidth = protocol.DefaultSessionWidth
	}
	if out.SessionHeight == 0 {
		out.SessionHeight = protocol.DefaultSessionHeight
	}
	if out.PatrolInterval == 0 {
		out.PatrolInterval = protocol.DefaultPatrolInterval
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = protocol.DefaultReadTimeout
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = protocol.DefaultShutdownTimeout
	}
	if out.Crash.Threshold == 0 {
		out.Crash.Threshold = protocol.DefaultCrashThreshold
	}
	if out.Crash.Window == 0 {
		out.Crash.Window = protocol.DefaultCrashWindow
	}
	if out.Conflict.MaxAttempts == 0 {
		out.Conflict.MaxAttempts = protocol.DefaultConflictMaxAttempts
	}
	if out.Conflict.StuckTimeout == 0 {
		out.Conflict.StuckTimeout = protocol.DefaultConflictStuckTimeout
	}
	if out.Auto.CommandTimeout == 0 {
		out.Auto.CommandTimeout = protocol.DefaultAutoCommandTimeout
	}
	if out.Auto.MaxBackoff == 0 {
		out.Auto.MaxBackoff = protocol.DefaultAutoMaxBackoff
	}
	return out
}

// Deps are the dispatcher's collaborators. Events, Notifier and Validator
// may be nil; Shell defaults to ExecShell.
type Deps struct {
	Store     *state.Store
	Repo      Repository
	Lander    Lander
	Transport tmux.Transport
	Sender    Deliverer
	Validator merge.Validator
	Events    EventLog
	Notifier  Notifier
	Shell     Shell
	Logger    *slog.Logger
}

// --- Dispatcher ---

// Dispatcher owns the worker registry. Every mutation runs on the registry
// goroutine; blocking work runs on per-worker lanes and folds its result
// back in through mutate.
type Dispatcher struct {
	cfg       Config
	store     *state.Store
	repo      Repository
	lander    Lander
	transport tmux.Transport
	sender    Deliverer
	events    EventLog
	notifier  Notifier
	shell     Shell
	log       *slog.Logger
	monitor   *conflict.Monitor
	worktrees *WorktreeManager

	// Registry goroutine state. doc and closed are only touched there.
	reqs     chan func()
	loopQuit chan struct{}
	loopDone chan struct{}
	doc      *state.Document
	closed   bool

	lanesMu    sync.Mutex
	lanes      map[string]*lane
	laneWG     sync.WaitGroup
	laneCtx    context.Context //nolint:containedctx // lifetime of lane jobs, cancelled after the shutdown grace period
	laneCancel context.CancelFunc

	stopping      atomic.Bool
	patrolRunning atomic.Bool
	patrolKick    chan struct{}

	// Unattended-mode pause; only the running patrol touches these.
	autoBackoff time.Duration
	autoRetryAt time.Time

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Dispatcher. It does not load state or listen; call Run.
func New(cfg Config, deps Deps) *Dispatcher {
	resolved := cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	shell := deps.Shell
	if shell == nil {
		shell = ExecShell{}
	}
	d := &Dispatcher{
		cfg:        resolved,
		store:      deps.Store,
		repo:       deps.Repo,
		lander:     deps.Lander,
		transport:  deps.Transport,
		sender:     deps.Sender,
		events:     deps.Events,
		notifier:   deps.Notifier,
		shell:      shell,
		log:        logger,
		reqs:       make(chan func()),
		loopQuit:   make(chan struct{}),
		loopDone:   make(chan struct{}),
		lanes:      make(map[string]*lane),
		patrolKick: make(chan struct{}, 1),
		ready:      make(chan struct{}),
		nowFunc:    time.Now,
	}
	d.monitor = &conflict.Monitor{
		Git:        deps.Repo,
		Validator:  deps.Validator,
		Policy:     resolved.Conflict,
		BaseBranch: resolved.BaseBranch,
		Validation: resolved.ValidationCommand,
	}
	d.worktrees = NewWorktreeManager(deps.Repo, resolved.Repo, resolved.BaseBranch)
	d.worktrees.hookBin = resolved.HookBinary
	return d
}

func (d *Dispatcher) now() time.Time { return d.nowFunc() }

// Ready is closed once the socket is listening and the registry is loaded.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Run loads the registry, starts listening and blocks until ctx is
// cancelled, then performs the shutdown sequence. A corrupt state file is
// fatal: it is returned without starting anything.
func (d *Dispatcher) Run(ctx context.Context) error {
	doc, err := d.loadRegistry()
	if err != nil {
		return err
	}
	d.doc = doc

	ln, err := listenSocket(d.cfg.SocketPath)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	go d.loop()

	d.laneCtx, d.laneCancel = context.WithCancel(context.WithoutCancel(ctx))
	defer d.laneCancel()
	for _, name := range doc.Names() {
		d.startLane(name)
	}

	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeDaemonStart, Source: "daemon", Payload: map[string]any{
		"workers": len(doc.Workers), "socket": d.cfg.SocketPath,
	}})
	d.log.Info("daemon started", "workers", len(doc.Workers), "socket", d.cfg.SocketPath)

	d.spawnMissingSessions(ctx)

	go d.acceptLoop(ctx, ln)
	go d.patrolLoop(ctx)
	if d.cfg.WatchBaseRef {
		go d.watchBaseRef(ctx)
	}
	close(d.ready)

	<-ctx.Done()
	return d.shutdown()
}

// loadRegistry reads the state file, creating a fresh registry when none
// exists, and adds any newly configured workers.
func (d *Dispatcher) loadRegistry() (*state.Document, error) {
	doc, err := d.store.Load()
	switch {
	case errors.Is(err, state.ErrNoState):
		doc = state.NewDocument()
	case err != nil:
		return nil, err
	}

	added := false
	for _, slot := range d.cfg.Workers {
		if _, ok := doc.Workers[slot.Name]; ok {
			continue
		}
		rec := worker.New(slot.Name, slot.WorkingCopy, slot.Branch, slot.Session, d.now())
		rec.Model = slot.Model
		doc.Workers[slot.Name] = rec
		added = true
	}
	configured := make(map[string]bool, len(d.cfg.Workers))
	for _, slot := range d.cfg.Workers {
		configured[slot.Name] = true
	}
	for _, name := range doc.Names() {
		if !configured[name] && len(d.cfg.Workers) > 0 {
			d.log.Warn("worker in state file is not configured; keeping it", "worker", name)
		}
	}

	if added {
		doc.SavedAt = d.now()
		if err := d.store.Save(doc); err != nil {
			return nil, fmt.Errorf("persist initial state: %w", err)
		}
	}
	return doc, nil
}

// --- Registry goroutine ---

var errNoop = errors.New("no change")

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		select {
		case fn := <-d.reqs:
			fn()
		case <-d.loopQuit:
			return
		}
	}
}

// submit runs fn on the registry goroutine.
func (d *Dispatcher) submit(ctx context.Context, fn func()) error {
	select {
	case d.reqs <- fn:
		return nil
	case <-d.loopDone:
		return &protocol.ShuttingDownError{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// update applies fn to a copy of the registry and commits the copy once it
// has been validated and persisted. If fn fails, or the write fails, the
// registry is unchanged.
func (d *Dispatcher) update(ctx context.Context, fn func(doc *state.Document) error) error {
	errc := make(chan error, 1)
	err := d.submit(ctx, func() {
		if d.closed {
			errc <- &protocol.ShuttingDownError{}
			return
		}
		next := cloneDoc(d.doc)
		if err := fn(next); err != nil {
			errc <- err
			return
		}
		next.SavedAt = d.now()
		if err := d.store.Save(next); err != nil {
			errc <- fmt.Errorf("persist state: %w", err)
			return
		}
		d.doc = next
		errc <- nil
	})
	if err != nil {
		return err
	}
	return <-errc
}

// view runs fn against the registry without changing it.
func (d *Dispatcher) view(ctx context.Context, fn func(doc *state.Document)) error {
	done := make(chan struct{})
	if err := d.submit(ctx, func() {
		fn(d.doc)
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// snapshot returns a copy of one worker record.
func (d *Dispatcher) snapshot(ctx context.Context, name string) (*worker.Record, error) {
	var rec *worker.Record
	if err := d.view(ctx, func(doc *state.Document) {
		rec = doc.Workers[name].Clone()
	}); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &protocol.WorkerNotFoundError{Worker: name}
	}
	return rec, nil
}

// mutate applies fn to one worker record. fn returning errNoop leaves the
// record untouched and is not an error. Status changes are logged.
func (d *Dispatcher) mutate(ctx context.Context, name, source string, fn func(rec *worker.Record) error) (*worker.Record, error) {
	var before, after *worker.Record
	err := d.update(ctx, func(doc *state.Document) error {
		rec, ok := doc.Workers[name]
		if !ok {
			return &protocol.WorkerNotFoundError{Worker: name}
		}
		before = rec.Clone()
		if err := fn(rec); err != nil {
			after = before
			return err
		}
		if err := rec.CheckInvariants(); err != nil {
			return err
		}
		after = rec.Clone()
		return nil
	})
	if errors.Is(err, errNoop) {
		return after, nil
	}
	if err != nil {
		return nil, err
	}
	if before.Status != after.Status {
		d.log.Info("transition", "worker", name, "from", before.Status, "status", after.Status, "source", source)
		d.logEvent(ctx, eventlog.Entry{
			Type: eventlog.TypeTransition, Source: source, Worker: name, Status: string(after.Status),
			Payload: map[string]string{"from": string(before.Status), "to": string(after.Status), "commit": after.PendingCommit},
		})
	}
	return after, nil
}

// transition is mutate for a single Apply.
func (d *Dispatcher) transition(ctx context.Context, name, source string, t worker.Transition) (*worker.Record, error) {
	return d.mutate(ctx, name, source, func(rec *worker.Record) error {
		return rec.Apply(t, d.now())
	})
}

func cloneDoc(doc *state.Document) *state.Document {
	next := &state.Document{
		Version:      doc.Version,
		SavedAt:      doc.SavedAt,
		LastReviewed: doc.LastReviewed,
		Workers:      make(map[string]*worker.Record, len(doc.Workers)),
	}
	for name, rec := range doc.Workers {
		next.Workers[name] = rec.Clone()
	}
	return next
}

// --- Lanes ---

func (d *Dispatcher) startLane(name string) {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	if _, ok := d.lanes[name]; ok {
		return
	}
	l := newLane()
	d.lanes[name] = l
	d.laneWG.Add(1)
	go func() {
		defer d.laneWG.Done()
		l.run(d.laneCtx)
	}()
}

// enqueue appends a job to the worker's lane.
func (d *Dispatcher) enqueue(name string, job func(ctx context.Context)) error {
	d.lanesMu.Lock()
	l, ok := d.lanes[name]
	d.lanesMu.Unlock()
	if !ok {
		return &protocol.WorkerNotFoundError{Worker: name}
	}
	if !l.push(job) {
		return &protocol.ShuttingDownError{}
	}
	return nil
}

// closeLane stops a removed worker's lane. Jobs already queued still run
// and find no record.
func (d *Dispatcher) closeLane(name string) {
	d.lanesMu.Lock()
	l, ok := d.lanes[name]
	delete(d.lanes, name)
	d.lanesMu.Unlock()
	if ok {
		l.close()
	}
}

// inLane runs fn on the worker's lane and waits for it. The job keeps
// running if ctx is cancelled; only the wait is abandoned.
func (d *Dispatcher) inLane(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	if err := d.enqueue(name, func(laneCtx context.Context) {
		errc <- fn(laneCtx)
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Shutdown ---

// shutdown stops intake, drains lanes within the grace period, interrupts
// and kills every live worker session, then writes the final state. No
// mutation is accepted once the final write begins.
func (d *Dispatcher) shutdown() error {
	d.stopping.Store(true)
	d.mu.Lock()
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.mu.Unlock()

	d.lanesMu.Lock()
	for _, l := range d.lanes {
		l.close()
	}
	d.lanesMu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.laneWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.ShutdownTimeout):
		d.log.Warn("shutdown grace period expired; cancelling in-flight jobs")
		d.laneCancel()
		select {
		case <-drained:
		case <-time.After(d.cfg.ShutdownTimeout):
			d.log.Error("lanes did not stop after cancellation")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	d.stopSessions(ctx)

	errc := make(chan error, 1)
	d.reqs <- func() {
		d.closed = true
		d.doc.SavedAt = d.now()
		errc <- d.store.Save(d.doc)
	}
	saveErr := <-errc
	close(d.loopQuit)
	<-d.loopDone

	d.logEvent(ctx, eventlog.Entry{Type: eventlog.TypeDaemonStop, Source: "daemon"})
	_ = os.Remove(d.cfg.SocketPath)
	if saveErr != nil {
		return fmt.Errorf("persist final state: %w", saveErr)
	}
	d.log.Info("daemon stopped")
	return nil
}

// stopSessions sends an interrupt and then kills every live worker session.
func (d *Dispatcher) stopSessions(ctx context.Context) {
	live, err := d.transport.ListSessions(ctx)
	if err != nil {
		d.log.Warn("list sessions during shutdown", "err", err)
		return
	}
	alive := make(map[string]bool, len(live))
	for _, s := range live {
		alive[s] = true
	}
	var recs []*worker.Record
	_ = d.view(ctx, func(doc *state.Document) {
		for _, rec := range doc.Workers {
			recs = append(recs, rec.Clone())
		}
	})
	for _, rec := range recs {
		if !alive[rec.Session] {
			continue
		}
		if err := d.sender.Interrupt(ctx, rec.Session); err != nil {
			d.log.Warn("interrupt session", "worker", rec.Name, "err", err)
		}
		if err := d.transport.Kill(ctx, rec.Session); err != nil {
			d.log.Warn("kill session", "worker", rec.Name, "err", err)
		}
	}
}

// --- Helpers ---

// logEvent writes to the event log. Failures are diagnostics only.
func (d *Dispatcher) logEvent(ctx context.Context, e eventlog.Entry) {
	if d.events == nil {
		return
	}
	if err := d.events.Log(context.WithoutCancel(ctx), e); err != nil {
		d.log.Warn("event log write failed", "type", e.Type, "worker", e.Worker, "err", err)
	}
}

// deliver sends payload to the worker's session. A failure is logged and
// returned; worker state is never changed by it.
func (d *Dispatcher) deliver(ctx context.Context, rec *worker.Record, what, payload string) error {
	err := d.sender.Deliver(ctx, rec.Session, payload)
	if err != nil {
		d.log.Warn("delivery failed", "worker", rec.Name, "status", rec.Status, "what", what, "err", err)
		d.logEvent(ctx, eventlog.Entry{
			Type: eventlog.TypeDelivery, Source: "daemon", Worker: rec.Name, Status: string(rec.Status),
			Payload: map[string]string{"what": what, "error": err.Error()},
		})
	}
	return err
}

// kickPatrol requests an early patrol run; extra kicks coalesce.
func (d *Dispatcher) kickPatrol() {
	select {
	case d.patrolKick <- struct{}{}:
	default:
	}
}

// agentCommand is the command line started in a worker's session.
func (d *Dispatcher) agentCommand(rec *worker.Record) string {
	if rec.Model == "" {
		return d.cfg.AgentCommand
	}
	return d.cfg.AgentCommand + " --model " + rec.Model
}

// spawnSession creates the worker's session in its working copy.
func (d *Dispatcher) spawnSession(ctx context.Context, rec *worker.Record) error {
	if err := d.worktrees.Ensure(ctx, rec); err != nil {
		return err
	}
	return d.transport.NewSession(ctx, tmux.SessionOpts{
		Name:    rec.Session,
		Dir:     rec.WorkingCopy,
		Command: d.agentCommand(rec),
		Width:   d.cfg.SessionWidth,
		Height:  d.cfg.SessionHeight,
		Env: map[string]string{
			"FLEET_WORKER":      rec.Name,
			"FLEET_SOCKET_PATH": d.cfg.SocketPath,
		},
	})
}

// spawnMissingSessions starts sessions for workers whose session is gone,
// so a daemon restart does not demote them on the first patrol.
func (d *Dispatcher) spawnMissingSessions(ctx context.Context) {
	live, err := d.transport.ListSessions(ctx)
	if err != nil {
		d.log.Warn("list sessions at startup", "err", err)
		return
	}
	alive := make(map[string]bool, len(live))
	for _, s := range live {
		alive[s] = true
	}
	var recs []*worker.Record
	_ = d.view(ctx, func(doc *state.Document) {
		for _, name := range doc.Names() {
			recs = append(recs, doc.Workers[name].Clone())
		}
	})
	for _, rec := range recs {
		if rec.Status == worker.StatusError || alive[rec.Session] || d.cfg.AgentCommand == "" {
			continue
		}
		if err := d.spawnSession(ctx, rec); err != nil {
			d.log.Warn("spawn session at startup", "worker", rec.Name, "err", err)
		}
	}
}
