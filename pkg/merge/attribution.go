package merge

import (
	"regexp"
	"strings"
)

var (
	generatedWithRe = regexp.MustCompile(`(?m)^[^\n]*Generated with \[Claude Code\][^\n]*$`)
	coAuthoredRe    = regexp.MustCompile(`(?i)\n*Co-Authored-By: Claude[^\n]*`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
)

// StripAttribution removes automation attribution lines and trailers from a
// commit message.
func StripAttribution(msg string) string {
	msg = generatedWithRe.ReplaceAllString(msg, "")
	msg = coAuthoredRe.ReplaceAllString(msg, "")
	msg = blankRunRe.ReplaceAllString(msg, "\n\n")
	return strings.TrimSpace(msg)
}
