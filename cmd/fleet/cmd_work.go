package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"fleet/pkg/protocol"
)

// commandRunner sends a command to the daemon. Tests replace it.
type commandRunner func(ctx context.Context, c protocol.Command) (*protocol.ACKPayload, error)

func daemonCommands() (commandRunner, error) {
	e, err := loadEnv()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, c protocol.Command) (*protocol.ACKPayload, error) {
		return sendCommand(ctx, e.paths.SocketPath, c)
	}, nil
}

// newAssignCmd creates the "fleet assign" subcommand.
func newAssignCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "assign <worker> <task...>",
		Short: "Give an idle worker a task",
		Long: `Resets the worker's branch to the base branch, sends the task prompt to
its session and marks it working. Refuses when the working copy holds
uncommitted or unmerged work unless --force is given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			return runAssign(cmd.Context(), cmd.OutOrStdout(), run, args[0], strings.Join(args[1:], " "), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "discard uncommitted or unmerged work in the working copy")
	return cmd
}

func runAssign(ctx context.Context, w io.Writer, run commandRunner, name, task string, force bool) error {
	return runSimple(ctx, w, run, protocol.Command{Op: protocol.OpAssign, Worker: name, Task: task, Force: force})
}

// newReviewCmd creates the "fleet review" subcommand.
func newReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <worker>",
		Short: "Show a worker's pending commit and remember it for accept/reject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			return runReview(cmd.Context(), cmd.OutOrStdout(), run, args[0])
		},
	}
}

func runReview(ctx context.Context, w io.Writer, run commandRunner, name string) error {
	ack, err := run(ctx, protocol.Command{Op: protocol.OpReview, Worker: name})
	if err != nil {
		return err
	}
	if ack.Review == nil {
		return fmt.Errorf("review: daemon returned no summary for %s", name)
	}
	r := ack.Review
	fmt.Fprintf(w, "worker:  %s\n", r.Worker)
	fmt.Fprintf(w, "commit:  %s\n", r.Commit)
	fmt.Fprintf(w, "subject: %s\n", r.Subject)
	if r.Stat != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimRight(r.Stat, "\n"))
	}
	fmt.Fprintf(w, "\nnext: fleet accept  |  fleet reject \"<feedback>\"\n")
	return nil
}

// confirmer asks a yes/no question. It returns true without asking when
// stdin is not a terminal.
type confirmer func(question string) (bool, error)

func ttyConfirmer(in io.Reader, out io.Writer) confirmer {
	return func(question string) (bool, error) {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return true, nil
		}
		return promptYesNo(in, out, question)
	}
}

func promptYesNo(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// newAcceptCmd creates the "fleet accept" subcommand.
func newAcceptCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "accept [worker]",
		Short: "Merge a reviewed worker's commit into the base branch",
		Long: `Rebases the worker's branch onto the base branch, squashes it to one
commit with attribution lines removed, fast-forwards the base branch and
resets the worker to idle. Without a worker name the most recently
reviewed worker is used.

On an interactive terminal fleet asks for confirmation unless --yes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			confirm := ttyConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
			if yes {
				confirm = nil
			}
			return runAccept(cmd.Context(), cmd.OutOrStdout(), run, confirm, optionalArg(args))
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func runAccept(ctx context.Context, w io.Writer, run commandRunner, confirm confirmer, name string) error {
	if confirm != nil {
		target := name
		if target == "" {
			target = "the last reviewed worker"
		}
		ok, err := confirm(fmt.Sprintf("merge %s into the base branch?", target))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "aborted")
			return nil
		}
	}
	return runSimple(ctx, w, run, protocol.Command{Op: protocol.OpAccept, Worker: name})
}

// newRejectCmd creates the "fleet reject" subcommand.
func newRejectCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "reject <feedback...>",
		Short: "Send review feedback and ask the worker to revise",
		Long: `Delivers the feedback verbatim to the worker and marks it rejected. The
worker defaults to the most recently reviewed one; pick another with
--worker.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			return runReject(cmd.Context(), cmd.OutOrStdout(), run, name, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&name, "worker", "w", "", "worker to reject (default: last reviewed)")
	return cmd
}

func runReject(ctx context.Context, w io.Writer, run commandRunner, name, feedback string) error {
	return runSimple(ctx, w, run, protocol.Command{Op: protocol.OpReject, Worker: name, Feedback: feedback})
}

// newResetCmd creates the "fleet reset" subcommand.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <worker>",
		Short: "Clear an errored or stuck worker back to offline",
		Long: `Aborts any in-progress rebase, clears the crash count and error reason
and marks the worker offline. The next patrol restarts its session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			return runSimple(cmd.Context(), cmd.OutOrStdout(), run, protocol.Command{Op: protocol.OpReset, Worker: args[0]})
		},
	}
}

// newRemoveCmd creates the "fleet remove" subcommand.
func newRemoveCmd() *cobra.Command {
	var force, yes bool
	cmd := &cobra.Command{
		Use:   "remove <worker>",
		Short: "Tear a worker down: kill its session, delete its worktree and branch",
		Long: `Kills the worker's session, removes its git worktree, deletes its branch
and drops it from the registry. Refuses while the worker holds work that
has not landed (working, needs_review, rejected, rebasing, or a dirty or
unmerged working copy) unless --force is given.

A worker still listed in the config comes back, fresh, the next time the
daemon starts. On an interactive terminal fleet asks for confirmation
unless --yes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			confirm := ttyConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
			if yes {
				confirm = nil
			}
			return runRemove(cmd.Context(), cmd.OutOrStdout(), run, confirm, args[0], force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "discard work that has not landed")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func runRemove(ctx context.Context, w io.Writer, run commandRunner, confirm confirmer, name string, force bool) error {
	if confirm != nil {
		ok, err := confirm(fmt.Sprintf("remove %s, its worktree and its branch?", name))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "aborted")
			return nil
		}
	}
	return runSimple(ctx, w, run, protocol.Command{Op: protocol.OpRemove, Worker: name, Force: force})
}

// newPatrolCmd creates the "fleet patrol" subcommand.
func newPatrolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patrol",
		Short: "Run a patrol sweep now and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			return runSimple(cmd.Context(), cmd.OutOrStdout(), run, protocol.Command{Op: protocol.OpPatrol})
		},
	}
}

func runSimple(ctx context.Context, w io.Writer, run commandRunner, c protocol.Command) error {
	ack, err := run(ctx, c)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, ack.Detail)
	return nil
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
