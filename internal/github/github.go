package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RunGit implements GitRunner using exec.Command.
func (r *ExecRunner) RunGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PRCreateOpts holds options for opening a change request.
type PRCreateOpts struct {
	Title  string
	Body   string // empty lets the host fill it from the commit
	Branch string
	Base   string // empty uses the repository default
}

// PRCreateResult holds the result of opening a change request.
type PRCreateResult struct {
	URL      string
	Existing bool // an open request for the branch already existed
}

// Host publishes a committed branch: push it, open a change request, and
// undo the push if a later step fails.
type Host interface {
	PushBranch(ctx context.Context, dir, remote, branch string) error
	CreatePR(ctx context.Context, opts PRCreateOpts) (*PRCreateResult, error)
	DeleteRemoteBranch(ctx context.Context, dir, remote, branch string) error
}

// remote holds the git side shared by every Host implementation.
type remote struct {
	git GitRunner
}

// PushBranch pushes a branch and sets its upstream.
func (r remote) PushBranch(_ context.Context, dir, remoteName, branch string) error {
	if r.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if err := validateRef(remoteName, branch); err != nil {
		return err
	}
	if _, err := r.git.RunGit(dir, "push", "-u", remoteName, branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// DeleteRemoteBranch removes branch from the remote.
func (r remote) DeleteRemoteBranch(_ context.Context, dir, remoteName, branch string) error {
	if r.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if err := validateRef(remoteName, branch); err != nil {
		return err
	}
	if _, err := r.git.RunGit(dir, "push", remoteName, "--delete", branch); err != nil {
		return fmt.Errorf("delete remote branch: %w", err)
	}
	return nil
}

func validateRef(remoteName, branch string) error {
	if remoteName == "" || branch == "" {
		return fmt.Errorf("remote and branch are required")
	}
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(remoteName, "-") {
		return fmt.Errorf("invalid ref %s/%s: must not start with -", remoteName, branch)
	}
	return nil
}

// Client opens change requests with the gh CLI.
type Client struct {
	remote
	cmd CmdRunner
}

// NewClient creates a gh-backed host. If cmd also implements GitRunner,
// it will be used for pushes.
func NewClient(cmd CmdRunner) *Client {
	c := &Client{cmd: cmd}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// NewClientWithGit creates a gh-backed host with a separate git runner.
func NewClientWithGit(cmd CmdRunner, git GitRunner) *Client {
	return &Client{remote: remote{git: git}, cmd: cmd}
}

// CreatePR opens a pull request for opts.Branch. An already open request for
// the branch is returned instead of failing, so a re-run stays idempotent.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOpts) (*PRCreateResult, error) {
	existing, err := c.FindPRByBranch(ctx, opts.Branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	args := []string{"pr", "create", "--title", opts.Title, "--head", opts.Branch}
	if strings.TrimSpace(opts.Body) == "" {
		args = append(args, "--fill")
	} else {
		args = append(args, "--body", opts.Body)
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}

	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return &PRCreateResult{URL: lastLine(out)}, nil
}

// FindPRByBranch checks if an open PR already exists for a given branch.
// Returns nil if none exist.
func (c *Client) FindPRByBranch(ctx context.Context, branch string) (*PRCreateResult, error) {
	out, err := c.cmd.Run(ctx, "pr", "list", "--head", branch, "--state", "open", "--json", "url", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRCreateResult{URL: prs[0].URL, Existing: true}, nil
}

// lastLine returns the final non-empty line; gh prints progress before the URL.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
