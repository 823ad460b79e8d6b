package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lucasnoah/patchloop/internal/checks"
	"github.com/lucasnoah/patchloop/internal/journal"
	"github.com/lucasnoah/patchloop/internal/llm"
	"github.com/lucasnoah/patchloop/internal/metrics"
	"github.com/lucasnoah/patchloop/internal/pipeline"
	"github.com/lucasnoah/patchloop/internal/prompt"
	"github.com/lucasnoah/patchloop/internal/txn"
)

const implDiff = `diff --git a/src/domain/normalizeInput.ts b/src/domain/normalizeInput.ts
new file mode 100644
index 0000000..1111111
--- /dev/null
+++ b/src/domain/normalizeInput.ts
@@ -0,0 +1,3 @@
+export function normalizeInput(input: string): string {
+  return input.trim();
+}`

const testDiff = `diff --git a/src/domain/normalizeInput.test.ts b/src/domain/normalizeInput.test.ts
new file mode 100644
index 0000000..2222222
--- /dev/null
+++ b/src/domain/normalizeInput.test.ts
@@ -0,0 +1,5 @@
+import { describe, it, expect } from "vitest";
+import { normalizeInput } from "./normalizeInput";
+describe("normalizeInput", () => {
+  it("trims", () => expect(normalizeInput(" a ")).toBe("a"));
+});`

const headerOnlyDiff = `diff --git a/src/domain/normalizeInput.ts b/src/domain/normalizeInput.ts
new file mode 100644
index 0000000..e69de29`

const taskText = `Add an input normalizer.

## Files to create
- src/domain/normalizeInput.ts
- src/domain/normalizeInput.test.ts

## Notes
Keep it small.`

func output(diff, body string) string {
	return "```diff\n" + diff + "\n```\n\n```md\n" + body + "\n```\n"
}

var prBody = "## Summary\nAdd normalizeInput.\n\n## How to test\npnpm test"

// fakeTx replays results per call and records the options it was given.
type fakeTx struct {
	errs  []error
	gates []*checks.GateResult
	calls []txn.Opts
	store *pipeline.Store
}

func (f *fakeTx) Run(_ context.Context, opts txn.Opts) (*txn.Result, error) {
	i := len(f.calls)
	f.calls = append(f.calls, opts)
	res := &txn.Result{Mode: opts.Mode, RolledBack: opts.Mode == txn.DryRun}
	if i < len(f.gates) {
		res.Gate = f.gates[i]
		if f.store != nil && res.Gate != nil {
			f.store.WriteGateLog(res.Gate.Log)
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return res, f.errs[i]
	}
	if opts.Mode == txn.Publish {
		res.Commit = "c0ffee"
		res.PRURL = "https://github.com/example/app/pull/9"
		res.RolledBack = false
	}
	return res, nil
}

func (f *fakeTx) modes() []txn.Mode {
	var m []txn.Mode
	for _, c := range f.calls {
		m = append(m, c.Mode)
	}
	return m
}

type fakeChecker struct {
	err   error
	calls int
}

func (f *fakeChecker) ApplyCheck(string) (string, error) {
	f.calls++
	if f.err != nil {
		return "error: corrupt patch at line 9", f.err
	}
	return "", nil
}

type harness struct {
	o       *Orchestrator
	llm     *llm.Scripted
	tx      *fakeTx
	checker *fakeChecker
	store   *pipeline.Store
	journal *journal.Memory
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg Config, responses ...string) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	store := pipeline.NewStore(t.TempDir())
	h := &harness{
		llm:     llm.NewScripted(responses...),
		tx:      &fakeTx{store: store},
		checker: &fakeChecker{},
		store:   store,
		journal: journal.NewMemory(),
		metrics: metrics.New(),
		logs:    logs,
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	h.o = NewOrchestrator(Deps{
		LLM:     h.llm,
		Prompts: &prompt.Builder{GateCommands: []string{"pnpm test", "pnpm lint"}},
		Store:   store,
		Tx:      h.tx,
		Checker: h.checker,
		Journal: h.journal,
		Metrics: h.metrics,
		Logger:  zap.New(core),
	}, cfg)
	return h
}

func runOpts(dryRun bool) RunOpts {
	return RunOpts{
		Branch: "ai/normalize",
		Title:  "feat: add normalizeInput",
		Bundle: "# repo bundle",
		Task:   pipeline.ParseTask(taskText),
		DryRun: dryRun,
	}
}

func TestRun_FirstAttemptPublishes(t *testing.T) {
	h := newHarness(t, Config{}, output(implDiff+"\n"+testDiff, prBody))

	report, err := h.o.Run(context.Background(), runOpts(false))
	require.NoError(t, err)
	assert.Equal(t, ResultPublished, report.Result)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, "https://github.com/example/app/pull/9", report.PRURL)
	assert.Equal(t, []txn.Mode{txn.DryRun, txn.Publish}, h.tx.modes())

	publish := h.tx.calls[1]
	assert.Equal(t, "ai/normalize", publish.Branch)
	assert.Equal(t, "feat: add normalizeInput", publish.Title)
	assert.Contains(t, publish.Body, "Add normalizeInput.")

	patchText, err := h.store.ReadPatch()
	require.NoError(t, err)
	assert.Contains(t, patchText, "diff --git a/src/domain/normalizeInput.test.ts")

	reqs := h.llm.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "claude-sonnet-4-5", reqs[0].Model)
	assert.NotContains(t, reqs[0].System, "Your previous output was invalid")
	assert.Contains(t, reqs[0].User, "# ATTEMPT\n1")
	assert.NotContains(t, reqs[0].User, "PREVIOUS_INVALID_OUTPUT")

	run := h.journal.Run(report.RunID)
	require.NotNil(t, run)
	assert.Equal(t, ResultPublished, run.Result)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(ResultPublished)))
}

func TestRun_MissingRequiredFileFixedOnSecondAttempt(t *testing.T) {
	h := newHarness(t, Config{},
		output(implDiff, prBody),
		output(implDiff+"\n"+testDiff, prBody),
	)

	report, err := h.o.Run(context.Background(), runOpts(true))
	require.NoError(t, err)
	assert.Equal(t, ResultDryRun, report.Result)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, []txn.Mode{txn.DryRun}, h.tx.modes(), "dry run must never publish")

	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].System, "Your previous output was invalid or failed quality gates.")
	assert.Contains(t, reqs[1].User, "# ATTEMPT\n2")
	assert.Contains(t, reqs[1].User, "# PREVIOUS_INVALID_OUTPUT (for debugging)")
	assert.Contains(t, reqs[1].User, "# VALIDATION_ERROR")
	assert.Contains(t, reqs[1].User, "- src/domain/normalizeInput.test.ts")

	attempts := h.journal.Attempts(report.RunID)
	require.Len(t, attempts, 2)
	assert.Equal(t, string(OutcomeRetry), attempts[0].Outcome)
	assert.Equal(t, string(StateValidate), attempts[0].State)
	assert.Equal(t, string(pipeline.KindStructural), attempts[0].Kind)
	assert.Equal(t, string(OutcomeSuccess), attempts[1].Outcome)

	archived, err := os.ReadFile(filepath.Join(h.store.Dir(), "attempts", "1", "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, output(implDiff, prBody), string(archived))
}

func TestRun_HeaderOnlyDiffRejectedBeforeTransaction(t *testing.T) {
	h := newHarness(t, Config{}, output(headerOnlyDiff, prBody))

	_, err := h.o.Run(context.Background(), runOpts(true))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindRetryBudgetExhausted, pipeline.KindOf(err))
	assert.Contains(t, err.Error(), "no real change")
	assert.Empty(t, h.tx.calls)
	assert.Equal(t, 0, h.checker.calls)
	assert.False(t, h.store.HasPatch())
}

func TestRun_AtMostThreeAttempts(t *testing.T) {
	h := newHarness(t, Config{}, "no code blocks here")

	report, err := h.o.Run(context.Background(), runOpts(false))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindRetryBudgetExhausted, pipeline.KindOf(err))
	assert.Equal(t, 1, pipeline.ExitCode(err))
	assert.Equal(t, 3, report.Attempts)
	assert.Len(t, h.llm.Requests(), 3)
	assert.Empty(t, h.tx.calls)
	assert.Equal(t, ResultFailed, h.journal.Run(report.RunID).Result)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.AttemptsTotal.WithLabelValues(string(OutcomeRetry))))
}

func TestRun_ConfiguredAttemptBudget(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 5}, "still nothing")

	_, err := h.o.Run(context.Background(), runOpts(true))
	require.Error(t, err)
	assert.Len(t, h.llm.Requests(), 5)
}

func TestRun_LintFailureTailFedBack(t *testing.T) {
	var lintLog strings.Builder
	lintLog.WriteString("\n$ pnpm test\n3 passed\n\n$ pnpm lint\n")
	for i := 1; i <= 250; i++ {
		fmt.Fprintf(&lintLog, "src/domain/normalizeInput.ts:%d:1 error no-unused-vars\n", i)
	}
	gateErr := &pipeline.Error{
		Kind:     pipeline.KindGate,
		Op:       "gate lint",
		ExitCode: 1,
		Log:      pipeline.Tail(lintLog.String(), 120),
		Err:      errors.New(`gate "lint" failed at position 2 with exit code 1`),
	}
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{}, good, good)
	h.tx.errs = []error{gateErr}
	h.tx.gates = []*checks.GateResult{
		{FailedGate: "lint", Position: 2, ExitCode: 1, Log: lintLog.String(), Checks: []checks.Result{
			{Gate: "tests", Position: 1, Passed: true, DurationMs: 1200},
			{Gate: "lint", Position: 2, ExitCode: 1, DurationMs: 300},
		}},
	}

	report, err := h.o.Run(context.Background(), runOpts(false))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, []txn.Mode{txn.DryRun, txn.DryRun, txn.Publish}, h.tx.modes())

	user := h.llm.Requests()[1].User
	assert.Contains(t, user, "# DRY_RUN_FAILED_GATES_LOG_TAIL")
	assert.Contains(t, user, "normalizeInput.ts:250:1 error")
	assert.NotContains(t, user, "normalizeInput.ts:50:1 error", "only the last 200 lines are fed back")
	assert.Equal(t, 2, testutil.CollectAndCount(h.metrics.GateDuration))
}

func TestRun_NotApplicablePatchRetries(t *testing.T) {
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{MaxAttempts: 2}, good)
	h.checker.err = errors.New("exit status 1")

	_, err := h.o.Run(context.Background(), runOpts(true))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindRetryBudgetExhausted, pipeline.KindOf(err))
	assert.Contains(t, err.Error(), "not applicable")
	assert.Equal(t, 2, h.checker.calls)
	assert.Empty(t, h.tx.calls)
}

func TestRun_FatalErrorAbortsImmediately(t *testing.T) {
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{}, good)
	h.tx.errs = []error{pipeline.Errorf(pipeline.KindPrecondition, "check working tree", "working tree has uncommitted changes")}

	report, err := h.o.Run(context.Background(), runOpts(false))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindPrecondition, pipeline.KindOf(err))
	assert.Equal(t, 2, pipeline.ExitCode(err))
	assert.Equal(t, 1, report.Attempts)
	assert.Len(t, h.llm.Requests(), 1)
}

func TestRun_ExternalServiceErrorRetries(t *testing.T) {
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{}, good)
	h.llm.FailWith(0, pipeline.Errorf(pipeline.KindExternalService, "anthropic", "status 529: overloaded"))

	report, err := h.o.Run(context.Background(), runOpts(true))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts)
	assert.Contains(t, h.llm.Requests()[1].User, "# GENERATION_ERROR\n")
	assert.Contains(t, h.llm.Requests()[1].User, "status 529")
	assert.NotContains(t, h.llm.Requests()[1].User, "# VALIDATION_ERROR")
}

func TestRun_GenerationFailureKeepsPreviousOutput(t *testing.T) {
	invalid := "FIRST_ANSWER_WITHOUT_BLOCKS"
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{}, invalid, "unused", good)
	h.llm.FailWith(1, pipeline.Errorf(pipeline.KindExternalService, "anthropic", "status 529: overloaded"))

	report, err := h.o.Run(context.Background(), runOpts(true))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempts)

	reqs := h.llm.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[1].User, invalid)
	assert.Contains(t, reqs[2].User, invalid, "output of attempt 1 survives the failed call")
	assert.Contains(t, reqs[2].User, "# GENERATION_ERROR\n")
	assert.Contains(t, reqs[2].User, "status 529")
}

func TestRun_CancelledContextIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, Config{}, "ignored")
	h.llm.FailWith(0, pipeline.Errorf(pipeline.KindExternalService, "anthropic", "request canceled"))

	_, err := h.o.Run(ctx, runOpts(true))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.llm.Requests(), 1)
}

func TestRun_PublishFailureIsNotRetried(t *testing.T) {
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{}, good)
	h.tx.errs = []error{nil, errors.New("git push: remote rejected")}

	report, err := h.o.Run(context.Background(), runOpts(false))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindPublishAfterDryRun, pipeline.KindOf(err))
	assert.Equal(t, []txn.Mode{txn.DryRun, txn.Publish}, h.tx.modes())
	assert.Len(t, h.llm.Requests(), 1)
	assert.Equal(t, ResultFailed, report.Result)
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("PUBLISH FAILED").Len())

	attempts := h.journal.Attempts(report.RunID)
	require.Len(t, attempts, 2)
	assert.Equal(t, string(StatePublish), attempts[1].State)
	assert.Equal(t, string(pipeline.KindPublishAfterDryRun), attempts[1].Kind)

	passed, err := os.ReadFile(filepath.Join(h.store.Dir(), "attempts", "1", "result.json"))
	require.NoError(t, err)
	assert.Contains(t, string(passed), `"outcome": "success"`, "the passing attempt keeps its record")
	published, err := os.ReadFile(filepath.Join(h.store.Dir(), "attempts", pipeline.PublishRecordDir, "result.json"))
	require.NoError(t, err)
	assert.Contains(t, string(published), `"state": "publish"`)
}

func TestRun_TranslatesDescription(t *testing.T) {
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{TranslateLanguage: "Korean", TranslateModel: "claude-haiku-4-5"}, good, "## 요약\nnormalizeInput 추가")

	_, err := h.o.Run(context.Background(), runOpts(false))
	require.NoError(t, err)

	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "claude-haiku-4-5", reqs[1].Model)
	assert.Equal(t, TranslateMaxTokens, reqs[1].MaxTokens)
	assert.Contains(t, reqs[1].System, "Korean")
	assert.Contains(t, reqs[1].User, "Add normalizeInput.")
	assert.Contains(t, h.tx.calls[1].Body, "요약")
}

func TestRun_TranslationFailureFallsBack(t *testing.T) {
	good := output(implDiff+"\n"+testDiff, prBody)
	h := newHarness(t, Config{TranslateLanguage: "Korean"}, good, "   ")

	_, err := h.o.Run(context.Background(), runOpts(false))
	require.NoError(t, err)
	assert.Contains(t, h.tx.calls[1].Body, "Add normalizeInput.")
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("translation failed").Len())
}

func TestRun_EmptyTask(t *testing.T) {
	h := newHarness(t, Config{}, "unused")
	opts := runOpts(true)
	opts.Task = pipeline.ParseTask("   ")

	_, err := h.o.Run(context.Background(), opts)
	assert.Equal(t, pipeline.KindPrecondition, pipeline.KindOf(err))
	assert.Empty(t, h.llm.Requests())
}

func TestFeedback(t *testing.T) {
	validation := Step{
		State:   StateValidate,
		Outcome: OutcomeRetry,
		Output:  "raw model text\n",
		Err:     errors.New("validate: no diff block found"),
	}
	got := Feedback(validation, "")
	assert.Equal(t, "raw model text\n\n# VALIDATION_ERROR\nvalidate: no diff block found\n", got)

	got = Feedback(validation, "\n$ pnpm lint\nerror\n")
	assert.Contains(t, got, "# LAST_GATES_LOG_TAIL\n\n$ pnpm lint\nerror\n\n# VALIDATION_ERROR")

	dry := Step{State: StateDryTransact, Outcome: OutcomeRetry, Output: "raw", Err: errors.New("gate")}
	got = Feedback(dry, "line1\nline2\n")
	assert.Equal(t, "raw\n\n# DRY_RUN_FAILED_GATES_LOG_TAIL\nline1\nline2\n", got)

	assert.Equal(t, "# GENERATION_ERROR\nboom\n", Feedback(Step{State: StateGenerate, Err: errors.New("boom")}, ""))
}
