package conflict

import (
	"fmt"
	"io/fs"
	"strings"

	"fleet/pkg/worker"
)

const (
	contextRadius     = 3
	regionsPerFile    = 3
	maxLinesPerRegion = 40
)

// MessageParams are the inputs for the conflict message.
type MessageParams struct {
	Files      []worker.ConflictedFile
	Task       string
	BaseBranch string
	Validation string
	Attempt    int   // 0 for the first presentation
	FS         fs.FS // rooted at the working copy; used for per-file context
}

// Compose builds the message that tells a worker how to resolve a stopped
// rebase: summary, file list, per-file context and the resolution steps.
func Compose(p MessageParams) string {
	var b strings.Builder

	regions := 0
	for _, f := range p.Files {
		regions += f.Markers
	}
	if p.Attempt > 0 {
		fmt.Fprintf(&b, "The rebase onto %s stopped again with new conflicts (round %d).\n\n", p.BaseBranch, p.Attempt+1)
	} else {
		fmt.Fprintf(&b, "A rebase of your work onto %s has encountered conflicts.\n\n", p.BaseBranch)
	}
	fmt.Fprintf(&b, "Summary: %d conflicted file(s), %d conflict region(s).\n\n", len(p.Files), regions)

	if task := firstLines(p.Task, 3); task != "" {
		fmt.Fprintf(&b, "Your original task:\n%q\n\n", task)
		b.WriteString("Do not restart the task. Incorporate the changes you already made into the new state of the files after the base branch moved.\n\n")
	}

	b.WriteString("Conflicted files:\n")
	for _, f := range p.Files {
		fmt.Fprintf(&b, "- %s (%s, %d conflict marker(s))\n", f.Path, f.Type, f.Markers)
	}
	b.WriteString("\n")

	if details := fileDetails(p.FS, p.Files); details != "" {
		b.WriteString("Details:\n")
		b.WriteString(details)
		b.WriteString("\n")
	}

	b.WriteString("Resolution steps:\n")
	b.WriteString("1. Examine the conflict markers (<<<<<<<, =======, >>>>>>>) in each file\n")
	fmt.Fprintf(&b, "2. Work out what %s changed and what you changed\n", p.BaseBranch)
	b.WriteString("3. Remove every marker and apply your intended change on top of theirs\n")
	b.WriteString("4. Stage each resolved file: git add <file>\n")
	b.WriteString("5. Continue the rebase: git rebase --continue\n")
	if p.Validation != "" {
		fmt.Fprintf(&b, "6. Run validation: %s\n", p.Validation)
		b.WriteString("7. If validation changed files, amend them: git add -A && git commit --amend --no-edit\n")
	}
	b.WriteString("\nNotes:\n")
	b.WriteString("- View the two sides: git show :2:<file> (ours) and git show :3:<file> (theirs)\n")
	b.WriteString("- To give up on this rebase: git rebase --abort\n")

	return b.String()
}

func fileDetails(fsys fs.FS, files []worker.ConflictedFile) string {
	if fsys == nil {
		return ""
	}
	var b strings.Builder
	for _, f := range files {
		if f.Markers == 0 {
			continue
		}
		data, err := fs.ReadFile(fsys, f.Path)
		if err != nil {
			continue
		}
		for _, r := range Regions(data, contextRadius, regionsPerFile) {
			lines := r.Lines
			truncated := false
			if len(lines) > maxLinesPerRegion {
				lines = lines[:maxLinesPerRegion]
				truncated = true
			}
			fmt.Fprintf(&b, "--- %s:%d\n", f.Path, r.StartLine)
			for _, l := range lines {
				b.WriteString(l)
				b.WriteByte('\n')
			}
			if truncated {
				b.WriteString("[...]\n")
			}
		}
		if f.Markers > regionsPerFile {
			fmt.Fprintf(&b, "(%d more region(s) in %s)\n", f.Markers-regionsPerFile, f.Path)
		}
	}
	return b.String()
}

// ValidationFailedMessage tells a worker that the finished rebase does not
// pass validation yet.
func ValidationFailedMessage(validation, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your rebase finished, but validation (%s) failed:\n\n", validation)
	b.WriteString(tail(output, 40))
	b.WriteString("\n\nFix the failures, then amend: git add -A && git commit --amend --no-edit\n")
	return b.String()
}

// MarkersCommittedMessage tells a worker that conflict markers made it
// into a commit.
func MarkersCommittedMessage(files []string) string {
	return fmt.Sprintf("Your rebase finished, but these files still contain conflict markers:\n- %s\n\nResolve them, then amend: git add -A && git commit --amend --no-edit\n",
		strings.Join(files, "\n- "))
}

// ContinueFailedMessage reports a `git rebase --continue` that failed for a
// reason other than new conflicts.
func ContinueFailedMessage(detail string) string {
	return "`git rebase --continue` failed after your files were staged:\n\n" + tail(detail, 20) +
		"\n\nFix the problem and continue the rebase yourself, or abort with: git rebase --abort\n"
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimSpace(strings.Join(lines, " "))
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
