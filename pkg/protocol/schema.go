package protocol

// SchemaDDL defines the SQLite schema for the fleet event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Runtime event log: transitions, deliveries, patrol runs, escalations
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    worker TEXT,
    status TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);
`
