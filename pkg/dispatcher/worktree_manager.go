package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"fleet/pkg/merge"
	"fleet/pkg/worker"
)

// WorktreeManager creates and recreates worker working copies as git
// worktrees of the primary repository.
type WorktreeManager struct {
	repo     Repository
	repoRoot string
	base     string
	hookBin  string // fleet binary for agent hook settings; empty skips them
}

// NewWorktreeManager returns a WorktreeManager for the repository at
// repoRoot whose worker branches start from base.
func NewWorktreeManager(repo Repository, repoRoot, base string) *WorktreeManager {
	return &WorktreeManager{repo: repo, repoRoot: repoRoot, base: base}
}

// Ensure creates the worker's working copy if its directory does not exist.
// An existing directory is left alone.
func (m *WorktreeManager) Ensure(ctx context.Context, rec *worker.Record) error {
	_, err := os.Stat(rec.WorkingCopy)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat working copy %s: %w", rec.WorkingCopy, err)
	}
	if err := m.repo.CreateWorkingCopy(ctx, m.repoRoot, rec.WorkingCopy, rec.Branch, m.base); err != nil {
		return fmt.Errorf("create working copy for %s: %w", rec.Name, err)
	}
	return m.installHooks(rec)
}

func (m *WorktreeManager) installHooks(rec *worker.Record) error {
	if m.hookBin == "" {
		return nil
	}
	if err := worker.ExcludeHookSettings(m.repoRoot); err != nil {
		return err
	}
	_, err := worker.WriteHookSettings(rec.WorkingCopy, m.hookBin, rec.Name)
	return err
}

// Recreate replaces the worker's working copy with a fresh one on a branch
// reset to base. Used after a change has landed.
func (m *WorktreeManager) Recreate(ctx context.Context, rec *worker.Record) error {
	if err := m.repo.RemoveWorkingCopy(ctx, m.repoRoot, rec.WorkingCopy); err != nil {
		return fmt.Errorf("remove working copy for %s: %w", rec.Name, err)
	}
	return m.Ensure(ctx, rec)
}

// Present reports which registered worktrees exist, keyed by path.
func (m *WorktreeManager) Present(ctx context.Context) (map[string]merge.Worktree, error) {
	list, err := m.repo.ListWorktrees(ctx, m.repoRoot)
	if err != nil {
		return nil, err
	}
	out := make(map[string]merge.Worktree, len(list))
	for _, wt := range list {
		out[filepath.Clean(wt.Path)] = wt
	}
	return out, nil
}
