package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fleet/pkg/dispatcher"
	"fleet/pkg/merge"
	"fleet/pkg/state"
	"fleet/pkg/tmux"
)

// newRebuildCmd creates the "fleet rebuild" subcommand.
func newRebuildCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Reconstruct the state file from worktrees and live sessions",
		Long: `The only repair path for a corrupt state file. For every configured
worker: a working copy with commits ahead of the base branch becomes
needs_review, a clean working copy with a live session becomes idle, and
everything else becomes offline. Task text, crash history and conflict
progress are lost. The previous file is kept as state.json.bak.

Refuses to run while the daemon is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := e.cfg.RequireRepo(); err != nil {
				return err
			}
			coord := merge.NewCoordinator(&merge.ExecGitRunner{})
			in := &dispatcher.Inspector{
				Repo:      coord.Repo(),
				Transport: tmux.New(),
				RepoRoot:  e.cfg.Repo,
				Base:      e.cfg.BaseBranch,
			}
			return runRebuild(cmd.Context(), cmd.OutOrStdout(), e, in, dryRun, time.Now())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the rebuilt registry without writing it")
	return cmd
}

func runRebuild(ctx context.Context, w io.Writer, e *env, in state.Inspector, dryRun bool, now time.Time) error {
	status, pid, err := DaemonStatus(e.paths.PIDPath)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		return fmt.Errorf("daemon is running (PID %d): stop it before rebuilding", pid)
	}

	doc, err := state.Rebuild(ctx, e.slots(), in, now)
	if err != nil {
		return err
	}
	for _, name := range doc.Names() {
		rec := doc.Workers[name]
		line := fmt.Sprintf("%-16s %s", name, rec.Status)
		if rec.PendingCommit != "" {
			line += " " + shortSHA(rec.PendingCommit)
		}
		fmt.Fprintln(w, line)
	}
	if dryRun {
		fmt.Fprintln(w, "dry run: state not written")
		return nil
	}

	store := state.NewStore(e.paths.StatePath)
	if err := store.Save(doc); err != nil {
		return err
	}
	fmt.Fprintf(w, "rebuilt %d worker(s) into %s\n", len(doc.Workers), store.Path())
	return nil
}
