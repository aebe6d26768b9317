package merge

import "strings"

// StatusEntry is one path from `git status --porcelain=v1 -z`.
type StatusEntry struct {
	Code     string // two-letter XY code
	Path     string
	OrigPath string // rename/copy source, if any
}

// unmergedCodes are the XY pairs git uses for unmerged paths.
var unmergedCodes = map[string]bool{ //nolint:gochecknoglobals // read-only table
	"DD": true, "AU": true, "UD": true, "UA": true, "DU": true, "AA": true, "UU": true,
}

// IsUnmerged reports whether the entry is still conflicted.
func (e StatusEntry) IsUnmerged() bool {
	return unmergedCodes[e.Code]
}

// IsStaged reports whether the path has no unmerged or unstaged changes
// left, i.e. everything about it is in the index.
func (e StatusEntry) IsStaged() bool {
	return !e.IsUnmerged() && len(e.Code) == 2 && e.Code[1] == ' '
}

// ParseStatus parses NUL-separated porcelain v1 output.
func ParseStatus(out string) []StatusEntry {
	fields := strings.Split(out, "\x00")
	var entries []StatusEntry
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		e := StatusEntry{Code: f[:2], Path: f[3:]}
		if (e.Code[0] == 'R' || e.Code[0] == 'C') && i+1 < len(fields) {
			e.OrigPath = fields[i+1]
			i++
		}
		entries = append(entries, e)
	}
	return entries
}

// Unmerged filters entries down to conflicted paths, preserving order.
func Unmerged(entries []StatusEntry) []StatusEntry {
	var out []StatusEntry
	for _, e := range entries {
		if e.IsUnmerged() {
			out = append(out, e)
		}
	}
	return out
}
