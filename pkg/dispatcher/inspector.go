package dispatcher

import (
	"context"

	"fleet/pkg/tmux"
)

// Inspector answers rebuild's questions from git worktrees and the live
// session list. It implements state.Inspector.
type Inspector struct {
	Repo      Repository
	Transport tmux.Transport
	RepoRoot  string
	Base      string
}

// WorkingCopies lists registered worktree paths.
func (in *Inspector) WorkingCopies(ctx context.Context) ([]string, error) {
	present, err := NewWorktreeManager(in.Repo, in.RepoRoot, in.Base).Present(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(present))
	for p := range present {
		paths = append(paths, p)
	}
	return paths, nil
}

// Sessions lists live sessions.
func (in *Inspector) Sessions(ctx context.Context) ([]string, error) {
	return in.Transport.ListSessions(ctx)
}

// PendingCommit returns HEAD when dir has commits ahead of base.
func (in *Inspector) PendingCommit(ctx context.Context, dir string) (string, error) {
	ahead, err := in.Repo.HasCommitsAhead(ctx, dir, in.Base)
	if err != nil || !ahead {
		return "", err
	}
	return in.Repo.HeadCommit(ctx, dir)
}
