package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"fleet/pkg/protocol"
	"fleet/pkg/worker"
)

// Theme defines the colors used by status and dash.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// statusColor picks the color a worker status is drawn in.
func (t Theme) statusColor(status string) lipgloss.Color {
	switch worker.Status(status) {
	case worker.StatusWorking:
		return t.Primary
	case worker.StatusNeedsReview:
		return t.Success
	case worker.StatusRejected, worker.StatusRebasing:
		return t.Warning
	case worker.StatusError:
		return t.Error
	default:
		return t.Muted
	}
}

// newStatusCmd creates the "fleet status" subcommand.
func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every worker's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), run, asJSON, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw worker snapshots as JSON")
	return cmd
}

func runStatus(ctx context.Context, w io.Writer, run commandRunner, asJSON bool, now time.Time) error {
	ack, err := run(ctx, protocol.Command{Op: protocol.OpStatus})
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ack.Workers); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	}
	fmt.Fprintln(w, renderStatusTable(ack.Workers, DefaultTheme(), now))
	return nil
}

// statusRow flattens one snapshot into table cells.
func statusRow(s protocol.WorkerSnapshot, now time.Time) []string {
	name := s.Name
	if s.LastReviewed {
		name += " *"
	}
	commit := "-"
	if s.PendingCommit != "" {
		commit = shortSHA(s.PendingCommit)
	}
	detail := firstLine(s.Task)
	switch {
	case s.ErrorReason != "":
		detail = s.ErrorReason
	case s.ConflictPhase != "":
		detail = fmt.Sprintf("conflict %s, %d file(s)", s.ConflictPhase, s.ConflictFiles)
	}
	if detail == "" {
		detail = "-"
	}
	crashes := "-"
	if s.CrashCount > 0 {
		crashes = strconv.Itoa(s.CrashCount)
	}
	return []string{name, s.Status, commit, crashes, humanAge(now.Sub(s.LastActivityAt)), truncate(detail, 48)}
}

// renderStatusTable draws the worker table. The most recently reviewed
// worker is marked with "*".
func renderStatusTable(snaps []protocol.WorkerSnapshot, theme Theme, now time.Time) string {
	if len(snaps) == 0 {
		return lipgloss.NewStyle().Foreground(theme.Muted).Render("no workers configured")
	}
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, statusRow(s, now))
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.Muted)).
		Headers("WORKER", "STATUS", "COMMIT", "CRASHES", "ACTIVE", "DETAIL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == 1 && row >= 0 && row < len(snaps) {
				return cell.Foreground(theme.statusColor(snaps[row].Status))
			}
			return cell
		})
	return t.Render()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// humanAge renders a duration the way status columns show it: 45s, 12m, 3h, 2d.
func humanAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
