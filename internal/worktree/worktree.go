package worktree

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	raw, err := cmd.CombinedOutput()
	// Leading spaces are significant in porcelain output.
	out := strings.TrimRight(string(raw), " \t\r\n")
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(out), err)
	}
	return out, nil
}

// ExitStatus extracts the process exit status from a GitRunner error, or 1.
func ExitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

// Manager owns the single working copy all transactions operate on.
type Manager struct {
	git      GitRunner
	repo     RepoInspector
	dir      string
	excluded string // repo-relative directory never staged, cleaned or counted as dirty
}

// NewManager creates a manager for the checkout at dir.
func NewManager(git GitRunner, repo RepoInspector, dir string) *Manager {
	return &Manager{git: git, repo: repo, dir: dir}
}

// WithExcluded returns a copy that ignores the repo-relative directory rel.
func (m *Manager) WithExcluded(rel string) *Manager {
	c := *m
	c.excluded = strings.Trim(strings.TrimPrefix(rel, "./"), "/")
	return &c
}

// Dir returns the checkout directory.
func (m *Manager) Dir() string {
	return m.dir
}

// EnsureRepo fails unless dir is inside a git work tree.
func (m *Manager) EnsureRepo() error {
	out, err := m.git.Run(m.dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return fmt.Errorf("not a git work tree: %w", err)
	}
	if out != "true" {
		return fmt.Errorf("not a git work tree: %s", m.dir)
	}
	return nil
}

// Dirty returns the porcelain status lines for uncommitted changes, ignoring
// the excluded directory.
func (m *Manager) Dirty() ([]string, error) {
	out, err := m.git.Run(m.dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var dirty []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m.isExcluded(porcelainPath(line)) {
			continue
		}
		dirty = append(dirty, line)
	}
	return dirty, nil
}

// Head returns the current branch (or commit, when detached) and commit.
func (m *Manager) Head() (Head, error) {
	return m.repo.Head()
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(branch string) (bool, error) {
	return m.repo.BranchExists(branch)
}

// ResetBranch force-creates branch at commit and checks it out.
func (m *Manager) ResetBranch(branch, commit string) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	if _, err := m.git.Run(m.dir, "checkout", "-B", branch, commit); err != nil {
		return fmt.Errorf("reset branch %q: %w", branch, err)
	}
	return nil
}

// applyArgs are the tolerant flags every apply uses.
var applyArgs = []string{"--recount", "--whitespace=nowarn", "-p1"}

// ApplyCheck dry-checks that the patch applies to the current tree.
func (m *Manager) ApplyCheck(patchPath string) (string, error) {
	args := append([]string{"apply", "--check"}, applyArgs...)
	return m.git.Run(m.dir, append(args, patchPath)...)
}

// Apply applies the patch to the working tree.
func (m *Manager) Apply(patchPath string) (string, error) {
	args := append([]string{"apply"}, applyArgs...)
	return m.git.Run(m.dir, append(args, patchPath)...)
}

// ResetHard resets the index and working tree to commit.
func (m *Manager) ResetHard(commit string) error {
	if _, err := m.git.Run(m.dir, "reset", "--hard", commit); err != nil {
		return fmt.Errorf("reset --hard %s: %w", commit, err)
	}
	return nil
}

// Clean removes untracked files and directories, keeping ignored files and
// the excluded directory.
func (m *Manager) Clean() error {
	args := []string{"clean", "-fd"}
	if m.excluded != "" {
		args = append(args, "-e", "/"+m.excluded)
	}
	if _, err := m.git.Run(m.dir, args...); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Checkout switches to ref.
func (m *Manager) Checkout(ref string) error {
	if _, err := m.git.Run(m.dir, "checkout", ref); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch. A missing branch is not an error.
func (m *Manager) DeleteBranch(branch string) (bool, error) {
	exists, err := m.repo.BranchExists(branch)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if _, err := m.git.Run(m.dir, "branch", "-D", branch); err != nil {
		return false, fmt.Errorf("delete branch %q: %w", branch, err)
	}
	return true, nil
}

// CommitAll stages every change outside the excluded directory and commits it.
// It returns the new commit id.
func (m *Manager) CommitAll(title string) (string, error) {
	args := []string{"add", "-A"}
	if m.excluded != "" {
		args = append(args, "--", ".", ":(exclude)"+m.excluded)
	}
	if _, err := m.git.Run(m.dir, args...); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	if _, err := m.git.Run(m.dir, "commit", "-m", title); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	head, err := m.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read new head: %w", err)
	}
	return head.Commit, nil
}

func (m *Manager) isExcluded(path string) bool {
	if m.excluded == "" {
		return false
	}
	path = strings.Trim(path, `"`)
	return path == m.excluded || path == m.excluded+"/" || strings.HasPrefix(path, m.excluded+"/")
}

// porcelainPath extracts the (destination) path from a porcelain v1 line.
func porcelainPath(line string) string {
	if len(line) < 4 {
		return strings.TrimSpace(line)
	}
	p := line[3:]
	if i := strings.Index(p, " -> "); i >= 0 {
		p = p[i+4:]
	}
	return p
}

func validateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name is required")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	return nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)

// SanitizeBranch cleans up a user-supplied branch name.
func SanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(strings.TrimSpace(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
