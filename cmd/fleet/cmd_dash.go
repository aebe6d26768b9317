package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"fleet/pkg/protocol"
)

// dashRefresh is how often the dashboard polls the daemon.
const dashRefresh = 2 * time.Second

// newDashCmd creates the "fleet dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live worker dashboard",
		Long:  "Full-screen worker table refreshed every 2s.\nKeys: r refresh, p patrol now, q quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := daemonCommands()
			if err != nil {
				return err
			}
			p := tea.NewProgram(newDashModel(cmd.Context(), run), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}

// tickMsg triggers a refresh.
type tickMsg time.Time

// workersMsg carries one status poll. err is set when the daemon is down.
type workersMsg struct {
	workers []protocol.WorkerSnapshot
	err     error
	at      time.Time
}

// patrolMsg carries the result of a manual patrol.
type patrolMsg struct {
	detail string
	err    error
}

// dashModel is the bubbletea model for fleet dash.
type dashModel struct {
	ctx     context.Context //nolint:containedctx // bubbletea commands need the command's context
	run     commandRunner
	theme   Theme
	table   table.Model
	workers []protocol.WorkerSnapshot
	err     error
	notice  string
	updated time.Time
	width   int
}

func dashColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Worker", Width: 14},
		{Title: "Status", Width: 13},
		{Title: "Commit", Width: 9},
		{Title: "Crashes", Width: 7},
		{Title: "Active", Width: 6},
		{Title: "Detail", Width: 40},
	}
	used := 0
	for _, c := range cols[:len(cols)-1] {
		used += c.Width + 2
	}
	if width > used+20 {
		cols[len(cols)-1].Width = width - used - 2
	}
	return cols
}

func newDashModel(ctx context.Context, run commandRunner) dashModel {
	theme := DefaultTheme()
	t := table.New(
		table.WithColumns(dashColumns(0)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.Muted).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(theme.Primary).Bold(false)
	t.SetStyles(styles)
	return dashModel{ctx: ctx, run: run, theme: theme, table: t}
}

func dashTick() tea.Cmd {
	return tea.Tick(dashRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ack, err := m.run(m.ctx, protocol.Command{Op: protocol.OpStatus})
		if err != nil {
			return workersMsg{err: err, at: time.Now()}
		}
		return workersMsg{workers: ack.Workers, at: time.Now()}
	}
}

func (m dashModel) patrol() tea.Cmd {
	return func() tea.Msg {
		ack, err := m.run(m.ctx, protocol.Command{Op: protocol.OpPatrol})
		if err != nil {
			return patrolMsg{err: err}
		}
		return patrolMsg{detail: ack.Detail}
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), dashTick())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		case "p":
			m.notice = "patrol running..."
			return m, m.patrol()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetColumns(dashColumns(msg.Width))
		m.table.SetHeight(max(msg.Height-6, 3))
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetch(), dashTick())
	case workersMsg:
		m.err = msg.err
		m.updated = msg.at
		if msg.err == nil {
			m.workers = msg.workers
			m.table.SetRows(dashRows(msg.workers, msg.at))
		}
		return m, nil
	case patrolMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.notice = msg.detail
		}
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func dashRows(workers []protocol.WorkerSnapshot, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, table.Row(statusRow(w, now)))
	}
	return rows
}

// View implements tea.Model.
func (m dashModel) View() string {
	var b strings.Builder
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("fleet")
	b.WriteString(title + "  " + m.summary() + "\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")
	b.WriteString(m.statusBar())
	return b.String()
}

// summary counts workers per status, in lifecycle order.
func (m dashModel) summary() string {
	counts := make(map[string]int)
	for _, w := range m.workers {
		counts[w.Status]++
	}
	order := []string{"working", "needs_review", "rejected", "rebasing", "idle", "offline", "error"}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			style := lipgloss.NewStyle().Foreground(m.theme.statusColor(s))
			parts = append(parts, style.Render(fmt.Sprintf("%s %d", s, n)))
		}
	}
	if len(parts) == 0 {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("no workers")
	}
	return strings.Join(parts, "  ")
}

func (m dashModel) statusBar() string {
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	if m.err != nil {
		return lipgloss.NewStyle().Foreground(m.theme.Error).Render("daemon unreachable: "+m.err.Error()) +
			muted.Render("  (q quit)")
	}
	line := "r refresh  p patrol  q quit"
	if !m.updated.IsZero() {
		line = fmt.Sprintf("updated %s  |  %s", m.updated.Format(time.TimeOnly), line)
	}
	if m.notice != "" {
		line = m.notice + "  |  " + line
	}
	return muted.Render(line)
}
