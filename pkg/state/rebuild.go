package state

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"fleet/pkg/worker"
)

// Slot describes where a configured worker lives.
type Slot struct {
	Name        string
	Model       string
	WorkingCopy string
	Branch      string
	Session     string
}

// Inspector answers the questions rebuild needs from git and the transport.
type Inspector interface {
	// WorkingCopies returns the absolute paths of existing worktrees.
	WorkingCopies(ctx context.Context) ([]string, error)
	// Sessions returns the names of live sessions.
	Sessions(ctx context.Context) ([]string, error)
	// PendingCommit returns HEAD of dir when it has commits ahead of base,
	// or "" when it has none.
	PendingCommit(ctx context.Context, dir string) (string, error)
}

// Rebuild reconstructs a registry from configured slots and what is
// observable on disk and in the transport. It is conservative: a working
// copy with commits ahead of base becomes NeedsReview, a live session with
// a clean working copy becomes Idle, and everything else is Offline.
// Task text, crash history and conflict progress cannot be recovered.
func Rebuild(ctx context.Context, slots []Slot, in Inspector, now time.Time) (*Document, error) {
	paths, err := in.WorkingCopies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list working copies: %w", err)
	}
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[filepath.Clean(p)] = true
	}

	sessions, err := in.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s] = true
	}

	doc := NewDocument()
	for _, slot := range slots {
		if _, dup := doc.Workers[slot.Name]; dup {
			return nil, fmt.Errorf("worker %q configured twice", slot.Name)
		}
		rec := worker.New(slot.Name, slot.WorkingCopy, slot.Branch, slot.Session, now)
		rec.Model = slot.Model

		if present[filepath.Clean(slot.WorkingCopy)] {
			head, err := in.PendingCommit(ctx, slot.WorkingCopy)
			if err != nil {
				return nil, fmt.Errorf("inspect %s: %w", slot.Name, err)
			}
			switch {
			case head != "":
				rec.Status = worker.StatusNeedsReview
				rec.PendingCommit = head
			case live[slot.Session]:
				rec.Status = worker.StatusIdle
			}
		}
		doc.Workers[slot.Name] = rec
	}
	doc.SavedAt = now
	if err := Validate(doc); err != nil {
		return nil, fmt.Errorf("rebuilt state is invalid: %w", err)
	}
	return doc, nil
}
