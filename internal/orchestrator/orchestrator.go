// Package orchestrator drives the generate, validate and dry-run loop and
// publishes the first candidate that survives it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/patchloop/internal/journal"
	"github.com/lucasnoah/patchloop/internal/llm"
	"github.com/lucasnoah/patchloop/internal/metrics"
	"github.com/lucasnoah/patchloop/internal/patch"
	"github.com/lucasnoah/patchloop/internal/pipeline"
	"github.com/lucasnoah/patchloop/internal/prompt"
	"github.com/lucasnoah/patchloop/internal/txn"
	"github.com/lucasnoah/patchloop/internal/worktree"
)

const (
	// DefaultMaxAttempts bounds the retry loop when no limit is configured.
	DefaultMaxAttempts = 3
	// TranslateMaxTokens caps the description translation call.
	TranslateMaxTokens = 1200

	dryRunLogTail   = 200
	gateExcerptTail = 120
)

// Run results recorded in the journal and metrics.
const (
	ResultPublished = "published"
	ResultDryRun    = "dry_run"
	ResultFailed    = "failed"
)

// State names a step of the loop.
type State string

const (
	StateGenerate    State = "generate"
	StateValidate    State = "validate"
	StateDryTransact State = "dry_transact"
	StatePublish     State = "publish"
)

// Outcome is how a step ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFatal   Outcome = "fatal"
)

// Step is the result of one attempt: where it stopped, how, and the raw
// model output it produced, if any.
type Step struct {
	State   State
	Outcome Outcome
	Err     error
	Output  string
	Tx      *txn.Result
}

// Transactor runs a transaction on the working copy.
type Transactor interface {
	Run(ctx context.Context, opts txn.Opts) (*txn.Result, error)
}

// ApplyChecker dry-checks a patch against the current tree.
type ApplyChecker interface {
	ApplyCheck(patchPath string) (string, error)
}

// Config holds generation and loop settings.
type Config struct {
	MaxAttempts       int
	Model             string
	MaxTokens         int
	Temperature       *float64
	TranslateModel    string
	TranslateLanguage string
}

// Deps are the collaborators of an Orchestrator. Journal and Metrics are
// optional.
type Deps struct {
	LLM       llm.Client
	Prompts   *prompt.Builder
	Extractor *patch.Extractor
	Policy    *patch.Policy
	Store     *pipeline.Store
	Tx        Transactor
	Checker   ApplyChecker
	Journal   journal.Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Orchestrator runs the retry loop.
type Orchestrator struct {
	Deps
	cfg Config
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.TranslateModel == "" {
		cfg.TranslateModel = cfg.Model
	}
	if deps.Extractor == nil {
		deps.Extractor = patch.DefaultExtractor()
	}
	if deps.Prompts == nil {
		deps.Prompts = &prompt.Builder{}
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{Deps: deps, cfg: cfg}
}

// RunOpts configures one run.
type RunOpts struct {
	Branch string
	Title  string
	Bundle string
	Task   pipeline.Task
	DryRun bool
}

// Report summarises a finished run.
type Report struct {
	RunID    string `json:"run_id"`
	Result   string `json:"result"`
	Attempts int    `json:"attempts"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
}

// Run generates candidates until one passes a dry-run transaction or the
// attempt budget is spent, then publishes it unless opts.DryRun is set.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*Report, error) {
	if strings.TrimSpace(opts.Task.Description) == "" {
		return nil, pipeline.Errorf(pipeline.KindPrecondition, "read task", "task description is empty")
	}

	report := &Report{RunID: uuid.NewString(), Branch: opts.Branch}
	log := o.Logger.With(zap.String("run_id", report.RunID), zap.String("branch", opts.Branch))

	if err := o.Journal.StartRun(ctx, journal.Run{
		ID:        report.RunID,
		Branch:    opts.Branch,
		Title:     opts.Title,
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}); err != nil {
		log.Warn("journal start run", zap.Error(err))
	}
	if err := o.Store.ResetAttempts(); err != nil {
		log.Warn("reset attempt archive", zap.Error(err))
	}

	validator := &patch.Validator{RequiredFiles: opts.Task.RequiredFiles, Policy: o.Policy}
	var (
		feedback   string
		gateLog    string
		lastOutput string
		last       Step
		passed     bool
	)
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		report.Attempts = attempt
		log.Info("attempt started", zap.Int("attempt", attempt), zap.Int("max_attempts", o.cfg.MaxAttempts))

		start := time.Now()
		last = o.attempt(ctx, pipeline.Attempt{Index: attempt, Feedback: feedback}, opts, validator)
		o.record(ctx, report.RunID, attempt, last, time.Since(start))

		switch last.Outcome {
		case OutcomeSuccess:
			passed = true
		case OutcomeFatal:
			log.Error("attempt failed fatally", zap.Int("attempt", attempt), zap.String("state", string(last.State)), zap.Error(last.Err))
			return report, o.finish(ctx, report, ResultFailed, last.Err)
		case OutcomeRetry:
			if last.State == StateDryTransact {
				gateLog = o.readGateLog(last.Err)
			}
			// A failed generation call has no output of its own; keep
			// showing the model its most recent answer.
			fb := last
			if fb.Output == "" {
				fb.Output = lastOutput
			} else {
				lastOutput = fb.Output
			}
			feedback = Feedback(fb, gateLog)
			log.Warn("attempt rejected",
				zap.Int("attempt", attempt),
				zap.String("state", string(last.State)),
				zap.String("kind", string(pipeline.KindOf(last.Err))),
				zap.Error(last.Err))
		}
		if passed {
			break
		}
	}

	if !passed {
		err := &pipeline.Error{
			Kind:     pipeline.KindRetryBudgetExhausted,
			Op:       "run",
			ExitCode: pipeline.ExitCode(last.Err),
			Log:      pipeline.LogOf(last.Err),
			Err:      fmt.Errorf("no candidate passed after %d attempts, see %s: %w", o.cfg.MaxAttempts, o.Store.LastOutputPath(), last.Err),
		}
		return report, o.finish(ctx, report, ResultFailed, err)
	}

	if opts.DryRun {
		log.Info("dry run passed", zap.Int("attempts", report.Attempts))
		return report, o.finish(ctx, report, ResultDryRun, nil)
	}

	// The tree is re-read here: anything that changed since the dry run is
	// caught by the publish transaction's own apply and gates.
	body, err := o.Store.ReadDescription()
	if err != nil {
		return report, o.finish(ctx, report, ResultFailed, err)
	}
	res, err := o.Tx.Run(ctx, txn.Opts{Branch: opts.Branch, Title: opts.Title, Body: body, Mode: txn.Publish})
	o.observeGates(res)
	if err != nil {
		perr := &pipeline.Error{
			Kind:     pipeline.KindPublishAfterDryRun,
			Op:       "publish",
			ExitCode: pipeline.ExitCode(err),
			Log:      pipeline.LogOf(err),
			Err:      err,
		}
		log.Error("PUBLISH FAILED AFTER A PASSING DRY RUN; not retrying",
			zap.String("kind", string(pipeline.KindOf(err))),
			zap.Error(err))
		o.record(ctx, report.RunID, report.Attempts, Step{State: StatePublish, Outcome: OutcomeFatal, Err: perr}, 0)
		return report, o.finish(ctx, report, ResultFailed, perr)
	}
	report.Commit = res.Commit
	report.PRURL = res.PRURL
	log.Info("published", zap.String("commit", res.Commit), zap.String("url", res.PRURL))
	return report, o.finish(ctx, report, ResultPublished, nil)
}

// attempt runs one generate, validate and dry-run pass.
func (o *Orchestrator) attempt(ctx context.Context, a pipeline.Attempt, opts RunOpts, v *patch.Validator) Step {
	if err := o.Store.Clean(); err != nil {
		return Step{State: StateGenerate, Outcome: OutcomeFatal, Err: fmt.Errorf("clean artifacts: %w", err)}
	}

	system, err := o.Prompts.Instructions(opts.Task.RequiredFiles, a.Index > 1)
	if err != nil {
		return Step{State: StateGenerate, Outcome: OutcomeFatal, Err: err}
	}
	user, err := o.Prompts.Payload(opts.Bundle, opts.Task.Description, a.Index, a.Feedback)
	if err != nil {
		return Step{State: StateGenerate, Outcome: OutcomeFatal, Err: err}
	}

	out, err := o.LLM.Complete(ctx, llm.Request{
		Model:       o.cfg.Model,
		System:      system,
		User:        user,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return o.classify(ctx, StateGenerate, err, "")
	}
	if err := o.Store.WriteLastOutput(out); err != nil {
		return Step{State: StateGenerate, Outcome: OutcomeFatal, Err: err, Output: out}
	}

	cand, err := o.Extractor.Extract(out)
	if err == nil {
		err = v.Validate(cand)
	}
	if err != nil {
		return o.classify(ctx, StateValidate, err, out)
	}

	if err := o.Store.WritePatch(cand.Diff); err != nil {
		return Step{State: StateValidate, Outcome: OutcomeFatal, Err: err, Output: out}
	}
	if err := o.Store.WriteDescription(cand.Description); err != nil {
		return Step{State: StateValidate, Outcome: OutcomeFatal, Err: err, Output: out}
	}
	if checkOut, err := o.Checker.ApplyCheck(o.Store.PatchPath()); err != nil {
		aerr := &pipeline.Error{
			Kind:     pipeline.KindApply,
			Op:       "apply check",
			ExitCode: worktree.ExitStatus(err),
			Log:      checkOut,
			Err:      fmt.Errorf("generated patch is not applicable: %w", err),
		}
		return o.classify(ctx, StateValidate, aerr, out)
	}
	if err := o.translate(ctx, cand.Description); err != nil {
		return Step{State: StateValidate, Outcome: OutcomeFatal, Err: err, Output: out}
	}

	res, err := o.Tx.Run(ctx, txn.Opts{Branch: opts.Branch, Title: opts.Title, Mode: txn.DryRun})
	o.observeGates(res)
	if err != nil {
		st := o.classify(ctx, StateDryTransact, err, out)
		st.Tx = res
		return st
	}
	return Step{State: StateDryTransact, Outcome: OutcomeSuccess, Output: out, Tx: res}
}

// classify turns err into a retry when the loop can learn from it.
func (o *Orchestrator) classify(ctx context.Context, state State, err error, out string) Step {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Step{State: state, Outcome: OutcomeFatal, Err: errors.Join(ctxErr, err), Output: out}
	}
	if pipeline.Recoverable(err) {
		return Step{State: state, Outcome: OutcomeRetry, Err: err, Output: out}
	}
	return Step{State: state, Outcome: OutcomeFatal, Err: err, Output: out}
}

// translate writes the secondary-language description. Any translation
// problem falls back to the original text.
func (o *Orchestrator) translate(ctx context.Context, body string) error {
	translated := body
	if lang := o.cfg.TranslateLanguage; lang != "" {
		if text, err := o.translateTo(ctx, lang, body); err != nil {
			o.Logger.Warn("translation failed, keeping original description", zap.String("language", lang), zap.Error(err))
		} else {
			translated = text
		}
	}
	return o.Store.WriteTranslatedDescription(translated)
}

func (o *Orchestrator) translateTo(ctx context.Context, lang, body string) (string, error) {
	system, err := o.Prompts.Translation(lang)
	if err != nil {
		return "", err
	}
	out, err := o.LLM.Complete(ctx, llm.Request{
		Model:     o.cfg.TranslateModel,
		System:    system,
		User:      body,
		MaxTokens: TranslateMaxTokens,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty translation")
	}
	return out, nil
}

// readGateLog returns the log of the failed dry run. The preserved failure
// log wins over the error's tail, which is cut to fewer lines.
func (o *Orchestrator) readGateLog(err error) string {
	if text, rerr := o.Store.ReadGateLog(); rerr == nil && strings.TrimSpace(text) != "" {
		return text
	}
	return pipeline.LogOf(err)
}

// Feedback builds the text handed to the next attempt: the raw output of the
// failed one, a gate log excerpt when there is one, and what went wrong.
func Feedback(st Step, gateLog string) string {
	var b strings.Builder
	if out := strings.TrimRight(st.Output, "\n"); out != "" {
		b.WriteString(out)
		b.WriteString("\n\n")
	}
	if st.State == StateDryTransact {
		b.WriteString("# DRY_RUN_FAILED_GATES_LOG_TAIL\n")
		b.WriteString(pipeline.Tail(strings.TrimRight(gateLog, "\n"), dryRunLogTail))
		b.WriteString("\n")
		return b.String()
	}
	if strings.TrimSpace(gateLog) != "" {
		b.WriteString("# LAST_GATES_LOG_TAIL\n")
		b.WriteString(pipeline.Tail(strings.TrimRight(gateLog, "\n"), gateExcerptTail))
		b.WriteString("\n\n")
	}
	if st.Err != nil {
		if st.State == StateGenerate {
			b.WriteString("# GENERATION_ERROR\n")
		} else {
			b.WriteString("# VALIDATION_ERROR\n")
		}
		b.WriteString(st.Err.Error())
		b.WriteString("\n")
	}
	return b.String()
}

// record archives one attempt to disk, the journal and metrics.
func (o *Orchestrator) record(ctx context.Context, runID string, attempt int, st Step, d time.Duration) {
	rec := pipeline.AttemptRecord{
		RunID:    runID,
		Attempt:  attempt,
		State:    string(st.State),
		Outcome:  string(st.Outcome),
		Kind:     string(pipeline.KindOf(st.Err)),
		Duration: d.Round(time.Millisecond).String(),
	}
	if st.Err != nil {
		rec.Error = st.Err.Error()
		rec.ExitCode = pipeline.ExitCode(st.Err)
	}
	save := o.Store.SaveAttempt
	if st.State == StatePublish {
		save = o.Store.SavePublish
	}
	if err := save(rec, st.Output); err != nil {
		o.Logger.Warn("archive attempt", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err := o.Journal.RecordAttempt(ctx, rec); err != nil {
		o.Logger.Warn("journal attempt", zap.Int("attempt", attempt), zap.Error(err))
	}
	o.Metrics.ObserveAttempt(rec.Outcome, rec.Kind, d)
}

func (o *Orchestrator) observeGates(res *txn.Result) {
	if res == nil || res.Gate == nil {
		return
	}
	for _, c := range res.Gate.Checks {
		o.Metrics.ObserveGate(c.Gate, c.Passed, time.Duration(c.DurationMs)*time.Millisecond)
	}
}

// finish stamps the run result and passes runErr through.
func (o *Orchestrator) finish(ctx context.Context, report *Report, result string, runErr error) error {
	report.Result = result
	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}
	// The journal must still be written when ctx was cancelled mid-run.
	if err := o.Journal.FinishRun(context.WithoutCancel(ctx), report.RunID, result, errText); err != nil {
		o.Logger.Warn("journal finish run", zap.Error(err))
	}
	o.Metrics.ObserveRun(result)
	return runErr
}
