package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// HookTimeoutSecs is the per-hook timeout written into the agent settings.
const HookTimeoutSecs = 5

// HookSettingsPath is where the agent reads per-checkout settings, relative
// to the working copy root.
var HookSettingsPath = filepath.Join(".claude", "settings.local.json")

// HookCommand is one command entry of an agent hook.
type HookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// HookMatcher groups the commands run for one hook event.
type HookMatcher struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []HookCommand `json:"hooks"`
}

// HookSettings builds the agent settings document that reports session
// start, session end, stop and executed shell commands to `bin hook`.
func HookSettings(bin, name string) map[string]any {
	entry := func(kind, matcher string) []HookMatcher {
		return []HookMatcher{{
			Matcher: matcher,
			Hooks: []HookCommand{{
				Type:    "command",
				Command: fmt.Sprintf("%q hook %s --worker %s", bin, kind, name),
				Timeout: HookTimeoutSecs,
			}},
		}}
	}
	return map[string]any{
		"hooks": map[string]any{
			"SessionStart": entry("session-start", ""),
			"SessionEnd":   entry("session-end", ""),
			"Stop":         entry("stop", ""),
			"PostToolUse":  entry("command-executed", "Bash"),
		},
	}
}

// WriteHookSettings writes the hook settings for worker name into an
// existing working copy and returns the file written.
func WriteHookSettings(workingCopy, bin, name string) (string, error) {
	if _, err := os.Stat(workingCopy); err != nil {
		return "", fmt.Errorf("%s: working copy %s: %w", name, workingCopy, err)
	}
	path := filepath.Join(workingCopy, HookSettingsPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // agent reads this directory
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(HookSettings(bin, name), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal hook settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { //nolint:gosec // agent reads this file
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// ExcludeHookSettings adds the settings file to the repository's
// info/exclude so it never shows up as uncommitted work or gets folded into
// a landed change. Linked worktrees share that file. A repository whose .git
// is not a directory is left alone.
func ExcludeHookSettings(repoRoot string) error {
	gitDir := filepath.Join(repoRoot, ".git")
	if fi, err := os.Stat(gitDir); err != nil || !fi.IsDir() {
		return nil //nolint:nilerr // not a plain checkout
	}
	path := filepath.Join(gitDir, "info", "exclude")
	pattern := "/" + filepath.ToSlash(HookSettingsPath)

	data, err := os.ReadFile(path) //nolint:gosec // path is inside the configured repository
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	lines := strings.Split(string(data), "\n")
	if slices.Contains(lines, pattern) {
		return nil
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		data = append(data, '\n')
	}
	data = append(data, pattern+"\n"...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // git's own directory
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // git reads this file
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
