package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"fleet/pkg/worker"
)

// newInstallHooksCmd creates the "fleet install-hooks" subcommand.
func newInstallHooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-hooks [worker...]",
		Short: "Write agent hook settings into worker working copies",
		Long: `Writes .claude/settings.local.json in each worker's working copy so the
agent reports session start, session end, stop and executed shell commands
through "fleet hook". Defaults to every configured worker. The daemon writes
the same file whenever it creates a working copy; this command refreshes
existing ones, for example after the fleet binary moved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			bin, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate fleet binary: %w", err)
			}
			return runInstallHooks(cmd.OutOrStdout(), e, bin, args)
		},
	}
}

func runInstallHooks(w io.Writer, e *env, bin string, names []string) error {
	slots := e.slots()
	if len(names) > 0 {
		known := make([]string, 0, len(slots))
		for _, s := range slots {
			known = append(known, s.Name)
		}
		for _, n := range names {
			if !slices.Contains(known, n) {
				return fmt.Errorf("worker %q is not configured", n)
			}
		}
	}
	if err := worker.ExcludeHookSettings(e.cfg.Repo); err != nil {
		return err
	}
	for _, s := range slots {
		if len(names) > 0 && !slices.Contains(names, s.Name) {
			continue
		}
		path, err := worker.WriteHookSettings(s.WorkingCopy, bin, s.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", s.Name, path)
	}
	return nil
}
