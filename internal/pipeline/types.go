package pipeline

import (
	"regexp"
	"strings"
)

// Task is the immutable description of the change a run should produce.
type Task struct {
	Description   string   `json:"description"`
	RequiredFiles []string `json:"required_files,omitempty"`
}

// Attempt is one iteration of the retry loop.
type Attempt struct {
	Index      int    `json:"index"`
	Feedback   string `json:"feedback,omitempty"`
	ExtraRules string `json:"extra_rules,omitempty"`
}

// TxContext identifies the state a transaction must be able to return to.
// It is created when a transaction starts and passed by value to every step.
type TxContext struct {
	BaseBranch string `json:"base_branch"`
	BaseCommit string `json:"base_commit"`
	Branch     string `json:"branch"`
	// Detached is set when the base was not a branch; BaseBranch then holds the commit.
	Detached bool `json:"detached,omitempty"`
}

// AttemptRecord is the per-attempt summary archived next to the raw output.
type AttemptRecord struct {
	RunID    string `json:"run_id"`
	Attempt  int    `json:"attempt"`
	State    string `json:"state"`
	Outcome  string `json:"outcome"` // "success", "retry", "fatal"
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Duration string `json:"duration"`
}

var (
	filesHeaderRe = regexp.MustCompile(`(?i)^##\s+Files to create\s*$`)
	anyHeaderRe   = regexp.MustCompile(`^##\s+`)
	bulletRe      = regexp.MustCompile(`^-\s+(.+)$`)
)

// ParseTask builds a Task from task markdown. Required files are the bullets
// under a "## Files to create" heading, up to the next "##" heading.
func ParseTask(text string, extra ...string) Task {
	t := Task{Description: strings.TrimSpace(text)}

	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(strings.ReplaceAll(p, "**", ""))
		p = strings.Trim(p, "`")
		if p == "" || p == "(none)" || seen[p] {
			return
		}
		seen[p] = true
		t.RequiredFiles = append(t.RequiredFiles, p)
	}

	inSection := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if filesHeaderRe.MatchString(line) {
			inSection = true
			continue
		}
		if inSection && anyHeaderRe.MatchString(line) {
			break
		}
		if !inSection {
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			add(m[1])
		}
	}

	for _, p := range extra {
		add(p)
	}
	return t
}
