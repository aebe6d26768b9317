// Package state persists the worker registry as a single JSON document.
// Writes are schema-validated, atomic (temp file + rename) and keep the
// previous version as a .bak file. A document that fails validation on load
// is reported as corrupt and never repaired silently.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"fleet/pkg/protocol"
	"fleet/pkg/worker"
)

// SchemaVersion is the current document version.
const SchemaVersion = 1

// Document is the persisted registry.
type Document struct {
	Version      int                       `json:"version"`
	SavedAt      time.Time                 `json:"saved_at"`
	LastReviewed string                    `json:"last_reviewed,omitempty"`
	Workers      map[string]*worker.Record `json:"workers"`
}

// NewDocument returns an empty document at the current schema version.
func NewDocument() *Document {
	return &Document{Version: SchemaVersion, Workers: make(map[string]*worker.Record)}
}

// Names returns worker names in sorted order.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.Workers))
	for n := range d.Workers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CorruptStateError is returned when the state file exists but cannot be
// parsed or fails validation. The only repair path is an explicit rebuild.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("state file %s is corrupt (run `fleet rebuild`): %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// ErrNoState is returned by Load when no state file exists yet.
var ErrNoState = errors.New("no state file")

// Validate checks the document against the schema and every record's
// invariants.
func Validate(doc *Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.Version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", doc.Version, SchemaVersion)
	}
	if doc.Workers == nil {
		return errors.New("workers map is missing")
	}
	for key, rec := range doc.Workers {
		if rec == nil {
			return fmt.Errorf("worker %q: null record", key)
		}
		if rec.Name != key {
			return fmt.Errorf("worker %q: record name %q does not match key", key, rec.Name)
		}
		if err := protocol.ValidateWorkerName(rec.Name); err != nil {
			return fmt.Errorf("worker %q: %w", key, err)
		}
		if rec.WorkingCopy == "" || rec.Branch == "" || rec.Session == "" {
			return fmt.Errorf("worker %q: working copy, branch and session are required", key)
		}
		if rec.CreatedAt.IsZero() {
			return fmt.Errorf("worker %q: created_at is required", key)
		}
		if err := rec.CheckInvariants(); err != nil {
			return err
		}
		if rec.Conflict != nil {
			if err := validateConflict(key, rec.Conflict); err != nil {
				return err
			}
		}
	}
	if doc.LastReviewed != "" {
		if _, ok := doc.Workers[doc.LastReviewed]; !ok {
			return fmt.Errorf("last_reviewed %q is not a known worker", doc.LastReviewed)
		}
	}
	return nil
}

func validateConflict(name string, c *worker.ConflictState) error {
	switch c.Phase {
	case worker.PhaseDetecting, worker.PhasePresented, worker.PhaseMonitoring, worker.PhaseEscalated:
	default:
		return fmt.Errorf("worker %q: conflict phase %q is not valid while rebasing", name, c.Phase)
	}
	if c.PreRebaseCommit == "" {
		return fmt.Errorf("worker %q: conflict state has no pre-rebase commit", name)
	}
	if c.ResolutionAttempts < 0 {
		return fmt.Errorf("worker %q: negative resolution attempts", name)
	}
	for _, f := range c.Files {
		if f.Path == "" {
			return fmt.Errorf("worker %q: conflicted file with empty path", name)
		}
		switch f.Type {
		case worker.ConflictContent, worker.ConflictModifyDelete, worker.ConflictAddAdd, worker.ConflictRenameRename:
		default:
			return fmt.Errorf("worker %q: file %s has unknown conflict type %q", name, f.Path, f.Type)
		}
	}
	return nil
}

// Store reads and writes the state document at a fixed path.
type Store struct {
	path string
}

// NewStore returns a Store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// BackupPath returns where the previous version is kept.
func (s *Store) BackupPath() string { return s.path + ".bak" }

// Load reads and validates the document. A missing file yields ErrNoState;
// anything unreadable or invalid yields *CorruptStateError.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &CorruptStateError{Path: s.path, Err: err}
	}
	if err := Validate(&doc); err != nil {
		return nil, &CorruptStateError{Path: s.path, Err: err}
	}
	return &doc, nil
}

// Save validates doc and writes it atomically, keeping the current file as
// the backup.
func (s *Store) Save(doc *Document) error {
	if err := Validate(doc); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if err := s.backup(); err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

// backup copies the current file to the backup path, itself atomically.
func (s *Store) backup() error {
	current, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state for backup: %w", err)
	}
	return writeAtomic(s.BackupPath(), current)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}
