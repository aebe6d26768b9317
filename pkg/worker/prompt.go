package worker

import (
	"fmt"
	"strings"
)

// PromptParams contains the inputs for the assignment prompt.
type PromptParams struct {
	Worker      string
	Task        string
	WorkingCopy string
	Branch      string
	BaseBranch  string
	Validation  string // command the worker should run before finishing; may be empty
}

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// AssemblePrompt builds the assignment prompt delivered to an Idle worker.
func AssemblePrompt(params PromptParams) string {
	var b strings.Builder

	section(&b, "Role", fmt.Sprintf("You are fleet worker %s. You work on one task at a time in your own working copy.", params.Worker))
	section(&b, "Task", params.Task)
	section(&b, "Working Copy", fmt.Sprintf(
		"You are in `%s` on branch `%s`, created from `%s`.", params.WorkingCopy, params.Branch, params.BaseBranch,
	))
	if params.Validation != "" {
		section(&b, "Validation", fmt.Sprintf("Before you finish, run `%s` and make sure it passes.", params.Validation))
	}
	section(&b, "Git", "Commit your work on this branch when you are done. One or more commits are fine; they are squashed on accept.")
	section(&b, "Constraints", strings.Join([]string{
		"- Do not push",
		"- Do not modify files outside your working copy",
		fmt.Sprintf("- Do not check out or modify `%s`", params.BaseBranch),
	}, "\n"))

	b.WriteString("## Exit\n\n")
	b.WriteString("When the task is committed, stop and wait for review.\n")

	return b.String()
}

// FeedbackPrompt prefixes reviewer feedback with a one-line header. The
// feedback itself is passed through verbatim.
func FeedbackPrompt(feedback string) string {
	return "Your change was rejected by the reviewer. Address the feedback below, amend or add commits, then stop.\n\n" + feedback
}

// DefaultSelfReviewPrompt is delivered by patrol when self-review is enabled
// and no custom prompt is configured.
const DefaultSelfReviewPrompt = `Before a human reviews your change, review it yourself.
Read the full diff against the base branch. Look for bugs, missing tests, leftover debugging code and unrelated edits.
Fix anything you find and amend your commit. If nothing needs changing, say so and stop.`

// SelfReviewPrompt returns the configured self-review prompt or the default.
func SelfReviewPrompt(custom string) string {
	if strings.TrimSpace(custom) != "" {
		return custom
	}
	return DefaultSelfReviewPrompt
}
