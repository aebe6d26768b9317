package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleet/internal/version"
)

// newRootCmd creates the root fleet command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Coordinate a fleet of coding agents on one repository",
		Long: `fleet runs several coding agents side by side, each in its own git
worktree and terminal session, and drives every worker through assign,
review, accept or reject while keeping their branches rebased on the base
branch.`,
		Version:       fmt.Sprintf("fleet %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newDaemonCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newDashCmd(),
		newAssignCmd(),
		newReviewCmd(),
		newAcceptCmd(),
		newRejectCmd(),
		newResetCmd(),
		newRemoveCmd(),
		newPatrolCmd(),
		newRebuildCmd(),
		newLogsCmd(),
		newHookCmd(),
		newInstallHooksCmd(),
		newDoctorCmd(),
	)

	return cmd
}
