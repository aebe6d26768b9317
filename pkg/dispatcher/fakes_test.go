package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"

	"fleet/pkg/eventlog"
	"fleet/pkg/merge"
	"fleet/pkg/tmux"
)

// fakeRepo is an in-memory Repository. Per-directory facts are keyed by the
// working copy path.
type fakeRepo struct {
	mu sync.Mutex

	head         map[string]string
	ahead        map[string]bool
	baseAdvanced map[string]bool
	dirty        map[string]bool
	inProgress   map[string]bool
	status       map[string][]merge.StatusEntry
	marked       map[string][]string

	// rebase outcomes, consumed in order per directory; a nil entry or an
	// empty queue means a clean rebase that moves HEAD to rebasedHead.
	rebase      map[string][]*merge.RebaseResult
	rebasedHead map[string]string
	continueErr error

	commitMsg string
	diffStat  string
	worktrees []merge.Worktree
	createErr error
	mkdir     bool // CreateWorkingCopy also creates the directory

	resets  []string
	amends  []string
	created []string
	removed []string
	aborted []string
	rebased []string
	deleted []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		head:         make(map[string]string),
		ahead:        make(map[string]bool),
		baseAdvanced: make(map[string]bool),
		dirty:        make(map[string]bool),
		inProgress:   make(map[string]bool),
		status:       make(map[string][]merge.StatusEntry),
		marked:       make(map[string][]string),
		rebase:       make(map[string][]*merge.RebaseResult),
		rebasedHead:  make(map[string]string),
		commitMsg:    "Add widget\n\nLonger body.",
		diffStat:     " widget.go | 10 ++++++++++\n 1 file changed, 10 insertions(+)",
	}
}

func (r *fakeRepo) set(fn func(r *fakeRepo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *fakeRepo) IsRebaseInProgress(_ context.Context, dir string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress[dir], nil
}

func (r *fakeRepo) HeadCommit(_ context.Context, dir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head[dir], nil
}

func (r *fakeRepo) Status(_ context.Context, dir string) ([]merge.StatusEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.status[dir]), nil
}

func (r *fakeRepo) MarkedFiles(_ context.Context, dir, rev string, _ []string) ([]string, error) {
	if rev != "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.marked[dir]), nil
}

func (r *fakeRepo) ChangedFiles(context.Context, string, string, string) ([]string, error) {
	return nil, nil
}

func (r *fakeRepo) RebaseContinue(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.continueErr != nil {
		return r.continueErr
	}
	r.inProgress[dir] = false
	r.status[dir] = nil
	if h, ok := r.rebasedHead[dir]; ok {
		r.head[dir] = h
	}
	return nil
}

func (r *fakeRepo) HasCommitsAhead(_ context.Context, dir, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ahead[dir], nil
}

func (r *fakeRepo) BaseAdvanced(_ context.Context, dir, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseAdvanced[dir], nil
}

func (r *fakeRepo) HasUncommittedChanges(_ context.Context, dir string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty[dir], nil
}

func (r *fakeRepo) AmendAll(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amends = append(r.amends, dir)
	r.dirty[dir] = false
	r.head[dir] += "+amend"
	return nil
}

func (r *fakeRepo) Rebase(_ context.Context, dir, _ string) (*merge.RebaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebased = append(r.rebased, dir)
	var res *merge.RebaseResult
	if q := r.rebase[dir]; len(q) > 0 {
		res, r.rebase[dir] = q[0], q[1:]
	}
	if res == nil || res.Success {
		r.baseAdvanced[dir] = false
		if h, ok := r.rebasedHead[dir]; ok {
			r.head[dir] = h
		}
		return &merge.RebaseResult{Success: true}, nil
	}
	r.inProgress[dir] = true
	r.status[dir] = slices.Clone(res.Conflicts)
	return res, nil
}

func (r *fakeRepo) RebaseAbort(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, dir)
	r.inProgress[dir] = false
	r.status[dir] = nil
	return nil
}

func (r *fakeRepo) ResetHard(_ context.Context, dir, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, dir+"@"+ref)
	r.dirty[dir] = false
	r.ahead[dir] = false
	return nil
}

func (r *fakeRepo) CommitMessage(context.Context, string, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitMsg, nil
}

func (r *fakeRepo) DiffStat(context.Context, string, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diffStat, nil
}

func (r *fakeRepo) CreateWorkingCopy(_ context.Context, _, path, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if r.mkdir {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}
	r.created = append(r.created, path)
	return nil
}

func (r *fakeRepo) RemoveWorkingCopy(_ context.Context, _, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
	return nil
}

func (r *fakeRepo) DeleteBranch(_ context.Context, _, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, branch)
	return nil
}

func (r *fakeRepo) ListWorktrees(context.Context, string) ([]merge.Worktree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.worktrees), nil
}

func (r *fakeRepo) calls(list *[]string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(*list)
}

// fakeLander returns a scripted land result.
type fakeLander struct {
	mu    sync.Mutex
	res   *merge.Result
	err   error
	calls []merge.Opts
}

func (l *fakeLander) Land(_ context.Context, opts merge.Opts) (*merge.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, opts)
	if l.err != nil {
		return nil, l.err
	}
	if l.res == nil {
		return &merge.Result{CommitSHA: "landed0000001", BaseBefore: "base0000000001"}, nil
	}
	return l.res, nil
}

func (l *fakeLander) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// fakeTransport tracks live sessions in memory.
type fakeTransport struct {
	mu       sync.Mutex
	live     map[string]bool
	created  []tmux.SessionOpts
	killed   []string
	pasted   []string
	keys     []string
	listErr  error
	spawnErr error
}

func newFakeTransport(sessions ...string) *fakeTransport {
	t := &fakeTransport{live: make(map[string]bool)}
	for _, s := range sessions {
		t.live[s] = true
	}
	return t
}

func (t *fakeTransport) SendLiteral(context.Context, string, string) error { return nil }

func (t *fakeTransport) SendKey(_ context.Context, session, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = append(t.keys, session+":"+key)
	return nil
}

func (t *fakeTransport) PasteBuffer(_ context.Context, session, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live[session] {
		return tmux.ErrUnreachable
	}
	t.pasted = append(t.pasted, text)
	return nil
}

func (t *fakeTransport) Wake(context.Context, string) {}

func (t *fakeTransport) IsReachable(_ context.Context, session string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[session]
}

func (t *fakeTransport) RecentOutput(context.Context, string, int) (string, error) { return "", nil }

func (t *fakeTransport) ListSessions(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listErr != nil {
		return nil, t.listErr
	}
	var out []string
	for s, ok := range t.live {
		if ok {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *fakeTransport) NewSession(_ context.Context, opts tmux.SessionOpts) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spawnErr != nil {
		return t.spawnErr
	}
	t.created = append(t.created, opts)
	t.live[opts.Name] = true
	return nil
}

func (t *fakeTransport) Kill(_ context.Context, session string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = append(t.killed, session)
	delete(t.live, session)
	return nil
}

func (t *fakeTransport) setLive(session string, live bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[session] = live
}

func (t *fakeTransport) createdSessions() []tmux.SessionOpts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.created)
}

func (t *fakeTransport) killedSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.killed)
}

// delivery is one payload handed to fakeSender.
type delivery struct {
	Session string
	Payload string
}

// fakeSender records deliveries. Sessions listed in fail reject delivery.
type fakeSender struct {
	mu         sync.Mutex
	delivered  []delivery
	interrupts []string
	fail       map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string]bool)}
}

func (s *fakeSender) Deliver(_ context.Context, session, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[session] {
		return &tmux.DeliveryError{Session: session, Stage: "reach", Err: tmux.ErrUnreachable}
	}
	s.delivered = append(s.delivered, delivery{Session: session, Payload: payload})
	return nil
}

func (s *fakeSender) Interrupt(_ context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts = append(s.interrupts, session)
	return nil
}

func (s *fakeSender) setFail(session string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[session] = fail
}

func (s *fakeSender) to(session string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.delivered {
		if d.Session == session {
			out = append(out, d.Payload)
		}
	}
	return out
}

func (s *fakeSender) interrupted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.interrupts)
}

// fakeEvents collects event log entries.
type fakeEvents struct {
	mu      sync.Mutex
	entries []eventlog.Entry
}

func (e *fakeEvents) Log(_ context.Context, entry eventlog.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *fakeEvents) count(typ, worker string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, en := range e.entries {
		if en.Type == typ && (worker == "" || en.Worker == worker) {
			n++
		}
	}
	return n
}

// fakeNotifier records escalations.
type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.msgs)
}

// fakeValidator fails while err is set.
type fakeValidator struct {
	mu  sync.Mutex
	err error
}

func (v *fakeValidator) Validate(context.Context, string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return "FAIL: TestWidget", v.err
	}
	return "ok", nil
}

// Command lines understood by fakeShell.
const (
	taskCmd = "next-task"
	postCmd = "deploy"
)

// shellRun is one command handed to fakeShell.
type shellRun struct {
	Dir     string
	Command string
	Env     []string
}

// fakeShell hands out queued tasks for taskCmd and fails postCmd while
// postErr is set.
type fakeShell struct {
	mu      sync.Mutex
	tasks   []string
	taskErr error
	postErr error
	runs    []shellRun
}

func (s *fakeShell) Run(_ context.Context, dir, command string, env []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, shellRun{Dir: dir, Command: command, Env: slices.Clone(env)})
	switch command {
	case taskCmd:
		if s.taskErr != nil {
			return "", s.taskErr
		}
		if len(s.tasks) == 0 {
			return "\n", nil
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		return task + "\n", nil
	case postCmd:
		return "deployed\n", s.postErr
	}
	return "", errors.New("unexpected command " + command)
}

func (s *fakeShell) set(fn func(s *fakeShell)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeShell) ran(command string) []shellRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []shellRun
	for _, r := range s.runs {
		if r.Command == command {
			out = append(out, r)
		}
	}
	return out
}

var errBoom = errors.New("boom")
