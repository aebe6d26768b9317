// Package conflict implements the rebase-conflict protocol: detecting and
// classifying conflicted files, composing the message a worker receives,
// and polling the working copy until the rebase completes, is aborted, or
// has to be escalated to a human.
package conflict

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"fleet/pkg/merge"
	"fleet/pkg/worker"
)

const (
	markerStart = "<<<<<<<"
	markerMid   = "======="
	markerEnd   = ">>>>>>>"
)

// Classify maps an unmerged porcelain XY code to a conflict type.
func Classify(code string) worker.ConflictType {
	switch code {
	case "DU", "UD":
		return worker.ConflictModifyDelete
	case "AA":
		return worker.ConflictAddAdd
	case "DD", "AU", "UA":
		return worker.ConflictRenameRename
	default:
		return worker.ConflictContent
	}
}

// CountMarkers returns the number of conflict regions in content, counted
// by opening markers at the start of a line.
func CountMarkers(content []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if isMarker(sc.Text(), markerStart) {
			n++
		}
	}
	return n
}

func isMarker(line, marker string) bool {
	if !strings.HasPrefix(line, marker) {
		return false
	}
	rest := line[len(marker):]
	return rest == "" || rest[0] == ' '
}

// Detect classifies unmerged entries and counts the markers in each file.
// fsys is rooted at the working copy; files that cannot be read (deleted
// on one side) count zero markers.
func Detect(fsys fs.FS, entries []merge.StatusEntry) []worker.ConflictedFile {
	files := make([]worker.ConflictedFile, 0, len(entries))
	for _, e := range entries {
		f := worker.ConflictedFile{Path: e.Path, Type: Classify(e.Code)}
		if data, err := fs.ReadFile(fsys, e.Path); err == nil {
			f.Markers = CountMarkers(data)
		}
		files = append(files, f)
	}
	return files
}

// Begin creates the conflict state for a rebase that just stopped.
func Begin(fsys fs.FS, entries []merge.StatusEntry, preRebase string, now time.Time) *worker.ConflictState {
	return &worker.ConflictState{
		Phase:           worker.PhaseDetecting,
		Files:           Detect(fsys, entries),
		StartedAt:       now,
		PreRebaseCommit: preRebase,
		LastProgressAt:  now,
	}
}

// Region is one conflict block with some surrounding lines.
type Region struct {
	StartLine int // 1-based line of the first context line
	Lines     []string
}

// Regions extracts up to limit conflict blocks from content with radius
// lines of context on each side.
func Regions(content []byte, radius, limit int) []Region {
	lines := strings.Split(string(content), "\n")
	var out []Region
	for i := 0; i < len(lines) && len(out) < limit; i++ {
		if !isMarker(lines[i], markerStart) {
			continue
		}
		end := i
		for end < len(lines) && !isMarker(lines[end], markerEnd) {
			end++
		}
		if end == len(lines) {
			end = len(lines) - 1
		}
		from := max(0, i-radius)
		to := min(len(lines)-1, end+radius)
		out = append(out, Region{StartLine: from + 1, Lines: append([]string(nil), lines[from:to+1]...)})
		i = end
	}
	return out
}

// Fingerprint summarizes how far resolution has come: the files still
// carrying markers and the conflicted files already staged. Any change
// counts as progress.
func Fingerprint(marked []string, entries []merge.StatusEntry, state *worker.ConflictState) string {
	staged := stagedSet(entries, state)
	m := append([]string(nil), marked...)
	sort.Strings(m)
	s := make([]string, 0, len(staged))
	for p, ok := range staged {
		if ok {
			s = append(s, p)
		}
	}
	sort.Strings(s)

	h := sha256.New()
	fmt.Fprintf(h, "marked:%s\n", strings.Join(m, "\x00"))
	fmt.Fprintf(h, "staged:%s\n", strings.Join(s, "\x00"))
	for _, e := range entries {
		fmt.Fprintf(h, "%s %s\n", e.Code, e.Path)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// stagedSet reports, per previously conflicted path, whether it is fully
// in the index. A path missing from status matches HEAD and counts as
// staged.
func stagedSet(entries []merge.StatusEntry, state *worker.ConflictState) map[string]bool {
	byPath := make(map[string]merge.StatusEntry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}
	out := make(map[string]bool, len(state.Files))
	for _, f := range state.Files {
		e, ok := byPath[f.Path]
		out[f.Path] = !ok || e.IsStaged()
	}
	return out
}

// Resolved reports whether the worker has finished resolving the current
// stop of the rebase: nothing unmerged, no markers left anywhere, and
// every previously conflicted file staged.
func Resolved(marked []string, entries []merge.StatusEntry, state *worker.ConflictState) bool {
	if len(marked) > 0 || len(merge.Unmerged(entries)) > 0 {
		return false
	}
	for _, ok := range stagedSet(entries, state) {
		if !ok {
			return false
		}
	}
	return true
}
