// Package eventlog records daemon lifecycle events in SQLite and reads them
// back for `fleet logs`.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const timeLayout = "2006-01-02 15:04:05"

// Event is a single row of the event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	Worker    string
	Status    string
	Payload   string
	CreatedAt time.Time
}

// QueryOpts selects events. Zero fields match everything.
type QueryOpts struct {
	Worker string
	Type   string
	Status string // worker status recorded with the event
	Since  time.Time
	// AfterID returns only rows newer than a previously seen id; `logs -f`
	// uses it as its cursor.
	AfterID int64
	Limit   int
}

// Reader provides read-only access to the event log.
type Reader struct {
	db *sql.DB
}

// ErrNoLog is returned by NewReader when the daemon has never written an
// event log at the path.
var ErrNoLog = errors.New("event log not found")

// NewReader opens the event database read-only so it never blocks the daemon.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s (has the daemon run?)", ErrNoLog, dbPath)
		}
		return nil, fmt.Errorf("stat %s: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", dbPath, err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Query returns matching events, newest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := opts.sql()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e                       Event
		worker, status, payload sql.NullString
		created                 string
	)
	if err := rows.Scan(&e.ID, &e.Type, &e.Source, &worker, &status, &payload, &created); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Worker, e.Status, e.Payload = worker.String, status.String, payload.String
	if created == "" {
		return e, nil
	}
	t, err := time.ParseInLocation(timeLayout, created, time.UTC)
	if err != nil {
		return Event{}, fmt.Errorf("event %d: bad created_at %q: %w", e.ID, created, err)
	}
	e.CreatedAt = t
	return e, nil
}

func (o QueryOpts) sql() (string, []any) {
	var (
		where []string
		args  []any
	)
	eq := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	eq("worker", o.Worker)
	eq("type", o.Type)
	eq("status", o.Status)
	if !o.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, o.Since.UTC().Format(timeLayout))
	}
	if o.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, o.AfterID)
	}

	var b strings.Builder
	b.WriteString("SELECT id, type, source, worker, status, payload, created_at FROM events")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id DESC")
	if o.Limit > 0 {
		args = append(args, o.Limit)
		b.WriteString(" LIMIT ?")
	}
	return b.String(), args
}
