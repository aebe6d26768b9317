package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fleet/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event types written by the daemon.
const (
	TypeHook        = "hook"
	TypeTransition  = "transition"
	TypeCommand     = "command"
	TypeDelivery    = "delivery_failed"
	TypePatrol      = "patrol"
	TypeConflict    = "conflict"
	TypeEscalation  = "escalation"
	TypeAcceptStep  = "accept_failed"
	TypeAccepted    = "accepted"
	TypeDaemonStart = "daemon_start"
	TypeDaemonStop  = "daemon_stop"
	TypeRemoved     = "worker_removed"
	TypeAuto        = "auto"
)

// Entry is one row to append.
type Entry struct {
	Type    string
	Source  string // "hook", "patrol", "cli", "daemon"
	Worker  string
	Status  string // worker status after the event, if any
	Payload any    // marshaled to JSON; strings are stored as-is
}

// Writer appends events to the daemon's SQLite log.
type Writer struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at path with WAL
// journaling and a 5s busy timeout, and applies the schema.
func Open(ctx context.Context, path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Writer{db: db}, nil
}

// Log appends one event. Callers treat failures as diagnostics only.
func (w *Writer) Log(ctx context.Context, e Entry) error {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, worker, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.Worker, e.Status, payload, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Type, err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

func encodePayload(p any) (string, error) {
	switch v := p.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal event payload: %w", err)
		}
		return string(b), nil
	}
}
