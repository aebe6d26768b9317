package conflict

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"fleet/pkg/merge"
	"fleet/pkg/worker"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeGit replays scripted answers; the last answer in each list repeats.
type fakeGit struct {
	inProgress  []bool
	status      [][]merge.StatusEntry
	marked      [][]string          // working tree answers
	had         map[string][]string // rev -> paths carrying markers there
	changed     []string
	scanned     [][]string // paths asked of the working tree
	head        string
	continueErr error
	continued   int
}

func next[T any](list *[]T) T {
	var zero T
	if len(*list) == 0 {
		return zero
	}
	v := (*list)[0]
	if len(*list) > 1 {
		*list = (*list)[1:]
	}
	return v
}

func (f *fakeGit) IsRebaseInProgress(context.Context, string) (bool, error) {
	return next(&f.inProgress), nil
}

func (f *fakeGit) HeadCommit(context.Context, string) (string, error) { return f.head, nil }

func (f *fakeGit) Status(context.Context, string) ([]merge.StatusEntry, error) {
	return next(&f.status), nil
}

func (f *fakeGit) MarkedFiles(_ context.Context, _, rev string, paths []string) ([]string, error) {
	if rev != "" {
		var out []string
		for _, p := range f.had[rev] {
			if slices.Contains(paths, p) {
				out = append(out, p)
			}
		}
		return out, nil
	}
	f.scanned = append(f.scanned, paths)
	return next(&f.marked), nil
}

func (f *fakeGit) ChangedFiles(context.Context, string, string, string) ([]string, error) {
	return f.changed, nil
}

func (f *fakeGit) RebaseContinue(context.Context, string) error {
	f.continued++
	return f.continueErr
}

type fakeValidator struct {
	err   error
	calls int
}

func (v *fakeValidator) Validate(context.Context, string) (string, error) {
	v.calls++
	if v.err != nil {
		return "tests failed", v.err
	}
	return "ok", nil
}

func newMonitor(g *fakeGit, v merge.Validator) *Monitor {
	files := fstest.MapFS{"src/a.rs": {Data: []byte(twoRegions)}, "src/b.rs": {Data: []byte("<<<<<<< HEAD\n=======\n>>>>>>> x\n")}}
	return &Monitor{
		Git:        g,
		Validator:  v,
		Policy:     Policy{MaxAttempts: 3, StuckTimeout: 5 * time.Minute},
		BaseBranch: "main",
		Validation: "make check",
		FS:         func(string) fs.FS { return files },
	}
}

func presented() *worker.ConflictState {
	return &worker.ConflictState{
		Phase:           worker.PhasePresented,
		Files:           []worker.ConflictedFile{{Path: "src/a.rs", Type: worker.ConflictContent, Markers: 2}},
		StartedAt:       t0,
		LastProgressAt:  t0,
		PreRebaseCommit: "pre",
	}
}

func TestPoll_DetectingPresents(t *testing.T) {
	m := newMonitor(&fakeGit{}, nil)
	st := presented()
	st.Phase = worker.PhaseDetecting

	out, err := m.Poll(context.Background(), "/wc", "task", st, t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Present || !strings.Contains(out.Message, "src/a.rs") {
		t.Fatalf("outcome = %v %q", out.Kind, out.Message)
	}

	out.Delivered(true)
	if out.State.Phase != worker.PhasePresented {
		t.Errorf("phase after delivery = %s", out.State.Phase)
	}
	if st.Phase != worker.PhaseDetecting {
		t.Error("input state was mutated")
	}
}

func TestPoll_DeliveryFailureStaysDetecting(t *testing.T) {
	m := newMonitor(&fakeGit{}, nil)
	st := presented()
	st.Phase = worker.PhaseDetecting
	out, _ := m.Poll(context.Background(), "/wc", "", st, t0)
	out.Delivered(false)
	if out.State.Phase != worker.PhaseDetecting {
		t.Errorf("phase = %s, want detecting", out.State.Phase)
	}
}

func TestPoll_UnresolvedMovesToMonitoring(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{true},
		status:     [][]merge.StatusEntry{{{Code: "UU", Path: "src/a.rs"}}},
		marked:     [][]string{{"src/a.rs"}},
	}
	m := newMonitor(g, nil)

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Waiting || out.State.Phase != worker.PhaseMonitoring {
		t.Fatalf("outcome = %v phase %s", out.Kind, out.State.Phase)
	}
	if out.State.Fingerprint == "" {
		t.Error("fingerprint not recorded")
	}
	if g.continued != 0 {
		t.Error("continue must not run while markers remain")
	}
}

func TestPoll_ResolvedContinuesAndCompletes(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{true, false},
		status:     [][]merge.StatusEntry{{{Code: "M ", Path: "src/a.rs"}}},
		marked:     [][]string{nil},
		head:       "new",
	}
	v := &fakeValidator{}
	m := newMonitor(g, v)

	st := presented()
	st.Phase = worker.PhaseMonitoring
	out, err := m.Poll(context.Background(), "/wc", "", st, t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Completed || out.Head != "new" {
		t.Fatalf("outcome = %v head %q", out.Kind, out.Head)
	}
	if g.continued != 1 || v.calls != 1 {
		t.Errorf("continued=%d validated=%d", g.continued, v.calls)
	}
}

func TestPoll_NeverCompletesWithMarkers(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{false},
		marked:     [][]string{{"src/a.rs"}},
		head:       "new",
	}
	v := &fakeValidator{}
	m := newMonitor(g, v)

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind == Completed {
		t.Fatal("completed with markers present")
	}
	if !strings.Contains(out.Message, "src/a.rs") || out.State.ResolutionAttempts != 1 {
		t.Errorf("message %q attempts %d", out.Message, out.State.ResolutionAttempts)
	}
	if v.calls != 0 {
		t.Error("validation ran with markers present")
	}

	// Same failure again: no repeat message, no extra attempt.
	again, _ := m.Poll(context.Background(), "/wc", "", out.State, t0.Add(time.Minute))
	if again.Message != "" || again.State.ResolutionAttempts != 1 {
		t.Errorf("repeat: message %q attempts %d", again.Message, again.State.ResolutionAttempts)
	}
}

func TestPoll_ValidationFailureKeepsRebasing(t *testing.T) {
	g := &fakeGit{inProgress: []bool{false}, marked: [][]string{nil}, head: "new"}
	m := newMonitor(g, &fakeValidator{err: errors.New("exit status 1")})

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Waiting || !strings.Contains(out.Message, "tests failed") {
		t.Fatalf("outcome = %v %q", out.Kind, out.Message)
	}
}

func TestPoll_Aborted(t *testing.T) {
	g := &fakeGit{inProgress: []bool{false}, head: "pre"}
	m := newMonitor(g, &fakeValidator{})

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Aborted {
		t.Fatalf("kind = %v, want aborted", out.Kind)
	}
}

func TestPoll_NextCommitConflictsRepresents(t *testing.T) {
	g := &fakeGit{
		inProgress:  []bool{true, true},
		status:      [][]merge.StatusEntry{{{Code: "M ", Path: "src/a.rs"}}, {{Code: "UU", Path: "src/b.rs"}}},
		marked:      [][]string{nil},
		continueErr: errors.New("exit status 1"),
	}
	m := newMonitor(g, nil)

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Present {
		t.Fatalf("kind = %v", out.Kind)
	}
	if out.State.ResolutionAttempts != 1 || out.State.Files[0].Path != "src/b.rs" || out.State.Files[0].Markers != 1 {
		t.Errorf("state = %+v", out.State)
	}
	if !strings.Contains(out.Message, "round 2") {
		t.Errorf("message = %q", out.Message)
	}
}

func TestPoll_EscalatesOnAttempts(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{true},
		status:     [][]merge.StatusEntry{{{Code: "UU", Path: "src/a.rs"}}},
		marked:     [][]string{{"src/a.rs"}},
	}
	m := newMonitor(g, nil)
	st := presented()
	st.ResolutionAttempts = 4

	out, err := m.Poll(context.Background(), "/wc", "", st, t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalation == "" || out.State.Phase != worker.PhaseEscalated || out.State.EscalatedAt == nil {
		t.Fatalf("not escalated: %+v", out)
	}

	// Escalation happens once.
	again, _ := m.Poll(context.Background(), "/wc", "", out.State, t0.Add(time.Minute))
	if again.Escalation != "" || again.State.Phase != worker.PhaseEscalated {
		t.Errorf("re-escalated: %q phase %s", again.Escalation, again.State.Phase)
	}
}

func TestPoll_EscalatesWhenStuck(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{true},
		status:     [][]merge.StatusEntry{{{Code: "UU", Path: "src/a.rs"}}},
		marked:     [][]string{{"src/a.rs"}},
	}
	m := newMonitor(g, nil)

	// First poll records the fingerprint.
	out, _ := m.Poll(context.Background(), "/wc", "", presented(), t0.Add(time.Minute))
	if out.Escalation != "" {
		t.Fatal("escalated too early")
	}
	// Nothing changes for more than the stuck timeout.
	out, _ = m.Poll(context.Background(), "/wc", "", out.State, t0.Add(6*time.Minute))
	if !strings.Contains(out.Escalation, "no resolution progress") {
		t.Fatalf("escalation = %q", out.Escalation)
	}
}

func TestPoll_ProgressResetsStuckClock(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{true},
		status: [][]merge.StatusEntry{
			{{Code: "UU", Path: "src/a.rs"}},
			{{Code: "UU", Path: "src/a.rs"}},
		},
		marked: [][]string{{"src/a.rs", "src/b.rs"}, {"src/a.rs"}},
	}
	m := newMonitor(g, nil)

	out, _ := m.Poll(context.Background(), "/wc", "", presented(), t0.Add(time.Minute))
	out, _ = m.Poll(context.Background(), "/wc", "", out.State, t0.Add(4*time.Minute))
	if !out.State.LastProgressAt.Equal(t0.Add(4 * time.Minute)) {
		t.Fatalf("LastProgressAt = %v", out.State.LastProgressAt)
	}
	out, _ = m.Poll(context.Background(), "/wc", "", out.State, t0.Add(8*time.Minute))
	if out.Escalation != "" {
		t.Errorf("escalated despite recent progress: %q", out.Escalation)
	}
}

func TestPoll_ContinueFailureWithoutConflicts(t *testing.T) {
	g := &fakeGit{
		inProgress:  []bool{true, true},
		status:      [][]merge.StatusEntry{{{Code: "M ", Path: "src/a.rs"}}, nil},
		marked:      [][]string{nil},
		continueErr: errors.New("pre-commit hook failed"),
	}
	m := newMonitor(g, nil)

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Waiting || !strings.Contains(out.Message, "pre-commit hook failed") {
		t.Fatalf("outcome = %v %q", out.Kind, out.Message)
	}
}

func TestPoll_RebasingScansOnlyConflictedPaths(t *testing.T) {
	g := &fakeGit{
		inProgress: []bool{true},
		status:     [][]merge.StatusEntry{{{Code: "UU", Path: "src/a.rs"}}},
		marked:     [][]string{{"src/a.rs"}},
	}
	m := newMonitor(g, nil)

	if _, err := m.Poll(context.Background(), "/wc", "", presented(), t0); err != nil {
		t.Fatal(err)
	}
	if len(g.scanned) != 1 || !slices.Equal(g.scanned[0], []string{"src/a.rs"}) {
		t.Errorf("scanned %v, want only the conflicted file", g.scanned)
	}
}

func TestPoll_FinishedScansConflictedAndRebasedPaths(t *testing.T) {
	g := &fakeGit{inProgress: []bool{false}, marked: [][]string{nil}, changed: []string{"src/c.rs", "src/a.rs"}, head: "new"}
	m := newMonitor(g, nil)

	out, err := m.Poll(context.Background(), "/wc", "", presented(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Completed {
		t.Fatalf("kind = %v", out.Kind)
	}
	if len(g.scanned) != 1 || !slices.Equal(g.scanned[0], []string{"src/a.rs", "src/c.rs"}) {
		t.Errorf("scanned %v", g.scanned)
	}
}

func TestPoll_MarkersAlreadyCommittedDoNotBlock(t *testing.T) {
	tests := []struct {
		name string
		rev  string
	}{
		{"present before the rebase", "pre"},
		{"present on the base branch", "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGit{
				inProgress: []bool{false},
				marked:     [][]string{{"testdata/merge.txt"}},
				had:        map[string][]string{tt.rev: {"testdata/merge.txt"}},
				changed:    []string{"testdata/merge.txt"},
				head:       "new",
			}
			v := &fakeValidator{}
			out, err := newMonitor(g, v).Poll(context.Background(), "/wc", "", presented(), t0)
			if err != nil {
				t.Fatal(err)
			}
			if out.Kind != Completed || v.calls != 1 {
				t.Fatalf("outcome = %v message %q, validated %d", out.Kind, out.Message, v.calls)
			}
		})
	}
}
