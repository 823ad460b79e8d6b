// Package txn applies a patch artifact to the working copy as a transaction:
// branch, apply, gate, then either roll back (dry run) or commit, push and
// open a change request. Every failure after the branch is created restores
// the recorded base.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/patchloop/internal/checks"
	"github.com/lucasnoah/patchloop/internal/github"
	"github.com/lucasnoah/patchloop/internal/pipeline"
	"github.com/lucasnoah/patchloop/internal/worktree"
)

// GateLogTail is the number of gate log lines surfaced on a gate failure.
const GateLogTail = 120

// Worktree is the subset of worktree.Manager a transaction needs.
type Worktree interface {
	Dir() string
	EnsureRepo() error
	Dirty() ([]string, error)
	Head() (worktree.Head, error)
	ResetBranch(branch, commit string) error
	ApplyCheck(patchPath string) (string, error)
	Apply(patchPath string) (string, error)
	ResetHard(commit string) error
	Clean() error
	Checkout(ref string) error
	DeleteBranch(branch string) (bool, error)
	CommitAll(title string) (string, error)
}

// GateRunner runs the verification gates.
type GateRunner interface {
	RunGate(ctx context.Context, dir string, gates []checks.Gate) (*checks.GateResult, error)
}

// Mode selects how a transaction ends.
type Mode int

const (
	DryRun Mode = iota
	Publish
)

func (m Mode) String() string {
	if m == Publish {
		return "publish"
	}
	return "dry-run"
}

// Opts configures one transaction.
type Opts struct {
	Branch string
	Title  string
	Body   string
	Mode   Mode
}

// Result describes a finished transaction.
type Result struct {
	Tx         pipeline.TxContext
	Mode       Mode
	Gate       *checks.GateResult
	Commit     string
	PRURL      string
	RolledBack bool
}

// Config holds the static settings of a Manager.
type Config struct {
	Gates  []checks.Gate
	Remote string
	Base   string // change request base; empty uses the host default
}

// Manager runs transactions against one working copy.
type Manager struct {
	wt     Worktree
	gates  GateRunner
	host   github.Host
	store  *pipeline.Store
	cfg    Config
	logger *zap.Logger
}

// New creates a transaction manager.
func New(wt Worktree, gates GateRunner, host github.Host, store *pipeline.Store, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{wt: wt, gates: gates, host: host, store: store, cfg: cfg, logger: logger}
}

// Run executes one transaction. The returned Result is non-nil once the base
// has been recorded, also on failure.
func (m *Manager) Run(ctx context.Context, opts Opts) (*Result, error) {
	tx, err := m.begin(opts.Branch)
	if err != nil {
		return nil, err
	}
	res := &Result{Tx: tx, Mode: opts.Mode}
	log := m.logger.With(zap.String("branch", tx.Branch), zap.String("base", tx.BaseBranch), zap.String("mode", opts.Mode.String()))
	log.Info("transaction started", zap.String("base_commit", tx.BaseCommit))

	if err := m.wt.ResetBranch(tx.Branch, tx.BaseCommit); err != nil {
		return res, m.abort(tx, res, err)
	}

	if !m.store.HasPatch() {
		err := pipeline.Errorf(pipeline.KindMissingArtifact, "read patch", "patch artifact not found at %s", m.store.PatchPath())
		return res, m.abort(tx, res, err)
	}

	if err := m.apply(tx); err != nil {
		return res, m.abort(tx, res, err)
	}
	log.Info("patch applied")

	gate, err := m.gates.RunGate(ctx, m.wt.Dir(), m.cfg.Gates)
	res.Gate = gate
	if gate != nil {
		if werr := m.store.WriteGateLog(gate.Log); werr != nil {
			log.Warn("write gate log", zap.Error(werr))
		}
	}
	if err != nil {
		return res, m.abort(tx, res, fmt.Errorf("run gates: %w", err))
	}
	if !gate.Passed {
		if perr := m.store.PreserveGateLog(); perr != nil {
			log.Warn("preserve gate log", zap.Error(perr))
		}
		gerr := &pipeline.Error{
			Kind:     pipeline.KindGate,
			Op:       "gate " + gate.FailedGate,
			ExitCode: gate.ExitCode,
			Log:      pipeline.Tail(gate.Log, GateLogTail),
			Err:      fmt.Errorf("gate %q failed at position %d with exit code %d", gate.FailedGate, gate.Position, gate.ExitCode),
		}
		return res, m.abort(tx, res, gerr)
	}
	log.Info("gates passed", zap.Int("gates", len(gate.Checks)))

	if opts.Mode == DryRun {
		if err := m.Rollback(tx); err != nil {
			return res, fmt.Errorf("dry run rollback: %w", err)
		}
		res.RolledBack = true
		log.Info("dry run passed, working copy restored")
		return res, nil
	}

	if err := m.publish(ctx, tx, opts, res); err != nil {
		return res, err
	}
	log.Info("published", zap.String("commit", res.Commit), zap.String("url", res.PRURL))
	return res, nil
}

// begin checks the preconditions and records where the transaction started.
func (m *Manager) begin(branch string) (pipeline.TxContext, error) {
	if err := m.wt.EnsureRepo(); err != nil {
		return pipeline.TxContext{}, &pipeline.Error{Kind: pipeline.KindPrecondition, Op: "check repository", Err: err}
	}
	dirty, err := m.wt.Dirty()
	if err != nil {
		return pipeline.TxContext{}, &pipeline.Error{Kind: pipeline.KindPrecondition, Op: "check working tree", Err: err}
	}
	if len(dirty) > 0 {
		return pipeline.TxContext{}, pipeline.Errorf(pipeline.KindPrecondition, "check working tree",
			"working tree has uncommitted changes:\n%s", strings.Join(dirty, "\n"))
	}
	head, err := m.wt.Head()
	if err != nil {
		return pipeline.TxContext{}, &pipeline.Error{Kind: pipeline.KindPrecondition, Op: "read HEAD", Err: err}
	}
	if branch == "" || (!head.Detached && branch == head.Branch) {
		return pipeline.TxContext{}, pipeline.Errorf(pipeline.KindPrecondition, "check branch",
			"target branch %q must be set and differ from the current branch", branch)
	}
	return pipeline.TxContext{
		BaseBranch: head.Branch,
		BaseCommit: head.Commit,
		Branch:     branch,
		Detached:   head.Detached,
	}, nil
}

func (m *Manager) apply(tx pipeline.TxContext) error {
	patch := m.store.PatchPath()
	if out, err := m.wt.ApplyCheck(patch); err != nil {
		return m.applyFailure("apply check", "git apply --check", out, err)
	}
	if out, err := m.wt.Apply(patch); err != nil {
		return m.applyFailure("apply", "git apply", out, err)
	}
	return nil
}

func (m *Manager) applyFailure(op, cmd, out string, err error) error {
	log := fmt.Sprintf("[%s failed]\n%s\n", cmd, out)
	if werr := m.store.WriteGateLog(log); werr != nil {
		m.logger.Warn("write gate log", zap.Error(werr))
	} else if perr := m.store.PreserveGateLog(); perr != nil {
		m.logger.Warn("preserve gate log", zap.Error(perr))
	}
	return &pipeline.Error{
		Kind:     pipeline.KindApply,
		Op:       op,
		ExitCode: worktree.ExitStatus(err),
		Log:      log,
		Err:      err,
	}
}

func (m *Manager) publish(ctx context.Context, tx pipeline.TxContext, opts Opts, res *Result) error {
	commit, err := m.wt.CommitAll(opts.Title)
	if err != nil {
		return m.abort(tx, res, subcommandFailure(pipeline.KindApply, "commit", err))
	}
	res.Commit = commit

	if err := m.host.PushBranch(ctx, m.wt.Dir(), m.cfg.Remote, tx.Branch); err != nil {
		return m.abort(tx, res, subcommandFailure(pipeline.KindExternalService, "push", err))
	}

	pr, err := m.host.CreatePR(ctx, github.PRCreateOpts{
		Title:  opts.Title,
		Body:   opts.Body,
		Branch: tx.Branch,
		Base:   m.cfg.Base,
	})
	if err != nil {
		if derr := m.host.DeleteRemoteBranch(ctx, m.wt.Dir(), m.cfg.Remote, tx.Branch); derr != nil {
			m.logger.Warn("delete pushed branch", zap.String("branch", tx.Branch), zap.Error(derr))
		}
		return m.abort(tx, res, subcommandFailure(pipeline.KindExternalService, "create pull request", err))
	}
	res.PRURL = pr.URL
	if pr.Existing {
		m.logger.Info("change request already open", zap.String("url", pr.URL))
	}
	return nil
}

// subcommandFailure tags err with the exit status of the git or gh process
// behind it.
func subcommandFailure(kind pipeline.Kind, op string, err error) error {
	return &pipeline.Error{Kind: kind, Op: op, ExitCode: worktree.ExitStatus(err), Err: err}
}

// abort rolls back and returns cause, joined with any rollback error.
func (m *Manager) abort(tx pipeline.TxContext, res *Result, cause error) error {
	m.logger.Warn("transaction failed, rolling back",
		zap.String("branch", tx.Branch),
		zap.String("kind", string(pipeline.KindOf(cause))),
		zap.Error(cause))
	if err := m.Rollback(tx); err != nil {
		m.logger.Error("rollback incomplete", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	res.RolledBack = true
	return cause
}

// Rollback restores the base recorded in tx. It attempts every step, so a
// failing step does not leave later ones undone, and it is safe to repeat.
func (m *Manager) Rollback(tx pipeline.TxContext) error {
	var errs []error
	if err := m.wt.ResetHard(tx.BaseCommit); err != nil {
		errs = append(errs, err)
	}
	if err := m.wt.Clean(); err != nil {
		errs = append(errs, err)
	}
	if err := m.wt.Checkout(tx.BaseBranch); err != nil {
		errs = append(errs, err)
	}
	if tx.Branch != "" && tx.Branch != tx.BaseBranch {
		if _, err := m.wt.DeleteBranch(tx.Branch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
