package txn

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/patchloop/internal/checks"
	"github.com/lucasnoah/patchloop/internal/pipeline"
	"github.com/lucasnoah/patchloop/internal/worktree"
)

const readmePatch = `diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1 +1,2 @@
 hello
+world
diff --git a/src/new.txt b/src/new.txt
new file mode 100644
--- /dev/null
+++ b/src/new.txt
@@ -0,0 +1 @@
+new
`

const stalePatch = `diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-goodbye
+farewell
`

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// newGitRepo creates a repository on branch main with one commit and
// returns its directory and base commit.
func newGitRepo(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	git(t, dir, "config", "user.name", "test")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	git(t, dir, "add", "README.md")
	git(t, dir, "commit", "-q", "-m", "initial")
	return dir, git(t, dir, "rev-parse", "HEAD")
}

type gitHarness struct {
	dir   string
	base  string
	m     *Manager
	gates *fakeGates
	host  *fakeHost
	store *pipeline.Store
}

func newGitHarness(t *testing.T, patchText string) *gitHarness {
	t.Helper()
	dir, base := newGitRepo(t)
	h := &gitHarness{
		dir:   dir,
		base:  base,
		gates: &fakeGates{result: passing()},
		host:  &fakeHost{},
		store: pipeline.NewStore(t.TempDir()),
	}
	require.NoError(t, h.store.WritePatch(patchText))
	wt := worktree.NewManager(&worktree.ExecGit{}, worktree.NewGoGitInspector(dir), dir)
	h.m = New(wt, h.gates, h.host, h.store, Config{Gates: []checks.Gate{{Name: "tests", Command: "true"}}}, nil)
	return h
}

// assertRestored checks the checkout is exactly where it started.
func (h *gitHarness) assertRestored(t *testing.T) {
	t.Helper()
	assert.Equal(t, h.base, git(t, h.dir, "rev-parse", "HEAD"))
	assert.Equal(t, "main", git(t, h.dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Empty(t, git(t, h.dir, "branch", "--list", "ai/feature"), "work branch still exists")
	assert.Empty(t, git(t, h.dir, "status", "--porcelain"))

	readme, err := os.ReadFile(filepath.Join(h.dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(readme))
	_, err = os.Stat(filepath.Join(h.dir, "src", "new.txt"))
	assert.True(t, os.IsNotExist(err), "untracked file from the patch survived")
}

func TestGitRun_RollbackRestoresBase(t *testing.T) {
	failingGate := &checks.GateResult{
		Passed:     false,
		FailedGate: "lint",
		Position:   2,
		ExitCode:   1,
		Log:        "\n$ pnpm test\nok\n\n$ pnpm lint\nerror\n",
	}

	tests := []struct {
		name   string
		patch  string
		mode   Mode
		inject func(h *gitHarness)
		kind   pipeline.Kind
	}{
		{name: "dry run", patch: readmePatch, mode: DryRun},
		{name: "apply check", patch: stalePatch, mode: DryRun, kind: pipeline.KindApply},
		{name: "gate at position 2", patch: readmePatch, mode: DryRun, kind: pipeline.KindGate,
			inject: func(h *gitHarness) { h.gates.result = failingGate }},
		{name: "gate during publish", patch: readmePatch, mode: Publish, kind: pipeline.KindGate,
			inject: func(h *gitHarness) { h.gates.result = failingGate }},
		{name: "push after commit", patch: readmePatch, mode: Publish, kind: pipeline.KindExternalService,
			inject: func(h *gitHarness) { h.host.pushErr = errors.New("remote rejected") }},
		{name: "pull request after push", patch: readmePatch, mode: Publish, kind: pipeline.KindExternalService,
			inject: func(h *gitHarness) { h.host.prErr = errors.New("HTTP 502") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newGitHarness(t, tt.patch)
			if tt.inject != nil {
				tt.inject(h)
			}

			res, err := h.m.Run(context.Background(), Opts{Branch: "ai/feature", Title: "feat: world", Mode: tt.mode})
			if tt.kind == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.kind, pipeline.KindOf(err))
			}
			require.NotNil(t, res)
			assert.True(t, res.RolledBack)
			h.assertRestored(t)

			require.NoError(t, h.m.Rollback(res.Tx), "second rollback")
			h.assertRestored(t)
		})
	}
}

func TestGitRun_StaleBranchIsReset(t *testing.T) {
	h := newGitHarness(t, readmePatch)
	git(t, h.dir, "checkout", "-q", "-b", "ai/feature")
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "stale.txt"), []byte("old\n"), 0o644))
	git(t, h.dir, "add", "stale.txt")
	git(t, h.dir, "commit", "-q", "-m", "stale work")
	git(t, h.dir, "checkout", "-q", "main")

	res, err := h.m.Run(context.Background(), Opts{Branch: "ai/feature", Title: "feat: world", Mode: Publish})
	require.NoError(t, err)
	assert.Equal(t, h.base, git(t, h.dir, "rev-parse", res.Commit+"^"), "publish commit sits directly on base")
	assert.Equal(t, "README.md\nsrc/new.txt", git(t, h.dir, "diff", "--name-only", h.base, res.Commit))
	assert.Equal(t, []string{"origin ai/feature"}, h.host.pushed)
}
