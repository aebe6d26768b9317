package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"fleet/pkg/eventlog"
	"fleet/pkg/protocol"
	"fleet/pkg/tmux"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	raw       bool
	daemon    bool
	eventType string
	status    string
	since     time.Duration
}

// newLogsCmd creates the "fleet logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [worker]",
		Short: "Query and tail the daemon event log",
		Long: `Displays events from the daemon's event log, optionally filtered by
worker or event type, and follows new events with --follow.

--raw prints the worker session's recent terminal output instead, and
--daemon prints the tail of daemon.log.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := optionalArg(args)
			w := cmd.OutOrStdout()
			e, err := loadEnv()
			if err != nil {
				return err
			}

			switch {
			case cfg.daemon:
				return printFileTail(w, e.paths.LogPath, cfg.tail)
			case cfg.raw:
				if name == "" {
					return errors.New("--raw requires a worker argument")
				}
				return printSessionOutput(cmd.Context(), w, tmux.New(), e.cfg.Session(name), cfg.tail)
			}

			r, err := eventlog.NewReader(e.paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			opts := eventlog.QueryOpts{Worker: name, Type: cfg.eventType, Status: cfg.status, Limit: cfg.tail}
			if cfg.since > 0 {
				opts.Since = time.Now().Add(-cfg.since)
			}
			if cfg.follow {
				return followLogs(cmd.Context(), r, w, opts, time.Second)
			}
			return printLogs(cmd.Context(), r, w, opts)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events or lines to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().BoolVar(&cfg.raw, "raw", false, "show the worker session's recent terminal output")
	cmd.Flags().BoolVar(&cfg.daemon, "daemon", false, "show the tail of daemon.log")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only events of this type (transition, escalation, patrol, ...)")
	cmd.Flags().StringVar(&cfg.status, "status", "", "only events that left the worker in this status")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 30m, 2h)")

	return cmd
}

// eventQuerier is the read side of the event log.
type eventQuerier interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]eventlog.Event, error)
}

// printLogs displays the last N matching events, oldest first.
func printLogs(ctx context.Context, q eventQuerier, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := q.Query(ctx, opts)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	slices.Reverse(events)
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs prints the initial batch and then polls for rows past the last
// id printed. created_at only has one-second resolution.
func followLogs(ctx context.Context, q eventQuerier, w io.Writer, opts eventlog.QueryOpts, every time.Duration) error {
	events, err := q.Query(ctx, opts)
	if err != nil {
		return err
	}
	cursor := printBatch(w, events, 0)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		poll := opts
		poll.AfterID, poll.Limit = cursor, 0
		newer, err := q.Query(ctx, poll)
		if err != nil {
			return err
		}
		cursor = printBatch(w, newer, cursor)
	}
}

// printBatch prints a newest-first batch in chronological order, skipping
// ids at or below cursor, and returns the new cursor.
func printBatch(w io.Writer, events []eventlog.Event, cursor int64) int64 {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ID <= cursor {
			continue
		}
		formatEvent(w, &events[i])
		cursor = events[i].ID
	}
	return cursor
}

// formatEvent writes a single event in a human-readable format.
// Format: timestamp | worker | type | status | source | payload
func formatEvent(w io.Writer, evt *eventlog.Event) {
	worker := evt.Worker
	if worker == "" {
		worker = "-"
	}
	status := evt.Status
	if status == "" {
		status = "-"
	}
	fmt.Fprintf(w, "%s | %-12s | %-16s | %-12s | %-7s | %s\n",
		evt.CreatedAt.Local().Format(time.DateTime), worker, evt.Type, status, evt.Source, evt.Payload)
}

// printFileTail prints the last n lines of a file.
func printFileTail(w io.Writer, path string, n int) error {
	lines, err := readLastNLines(path, n)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no log at %s", path)
		}
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}

// readLastNLines reads the last n lines from a file.
func readLastNLines(path string, n int) ([]string, error) {
	file, err := os.Open(path) //nolint:gosec // path is built from the fleet home dir
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxMessageBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	if len(lines) <= n {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}

// outputReader captures recent terminal output. *tmux.Tmux implements it.
type outputReader interface {
	RecentOutput(ctx context.Context, session string, lines int) (string, error)
}

func printSessionOutput(ctx context.Context, w io.Writer, tr outputReader, session string, n int) error {
	out, err := tr.RecentOutput(ctx, session, n)
	if err != nil {
		return fmt.Errorf("capture %s: %w", session, err)
	}
	fmt.Fprint(w, out)
	return nil
}
