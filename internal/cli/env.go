package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/patchloop/internal/checks"
	"github.com/lucasnoah/patchloop/internal/config"
	"github.com/lucasnoah/patchloop/internal/github"
	"github.com/lucasnoah/patchloop/internal/journal"
	"github.com/lucasnoah/patchloop/internal/logging"
	"github.com/lucasnoah/patchloop/internal/metrics"
	"github.com/lucasnoah/patchloop/internal/pipeline"
	"github.com/lucasnoah/patchloop/internal/prompt"
	"github.com/lucasnoah/patchloop/internal/txn"
	"github.com/lucasnoah/patchloop/internal/worktree"
)

// env is the resolved configuration and the shared collaborators every
// command builds on.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	dir    string
	store  *pipeline.Store
	wt     *worktree.Manager
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// setup loads and validates the config and opens the working copy.
// requireCredentials is set by commands that call the model.
func setup(requireCredentials bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &pipeline.Error{Kind: pipeline.KindPrecondition, Op: "load config", Err: err}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verrs := config.Validate(cfg, requireCredentials); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, e := range verrs {
			errs[i] = e
		}
		return nil, &pipeline.Error{Kind: pipeline.KindPrecondition, Op: "validate config", Err: errors.Join(errs...)}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(repoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repository dir: %w", err)
	}
	e := &env{cfg: cfg, logger: logger, dir: dir}
	artifacts := e.path(cfg.Run.ArtifactsDir)
	e.store = pipeline.NewStore(artifacts)

	e.wt = worktree.NewManager(&worktree.ExecGit{}, worktree.NewGoGitInspector(dir), dir)
	if rel, err := filepath.Rel(dir, artifacts); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		e.wt = e.wt.WithExcluded(filepath.ToSlash(rel))
	}
	return e, nil
}

// path resolves p against the repository directory.
func (e *env) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.dir, p)
}

func (e *env) gates() []checks.Gate {
	gates := make([]checks.Gate, len(e.cfg.Gates))
	for i, g := range e.cfg.Gates {
		gates[i] = checks.Gate{Name: g.Name, Command: g.Command, Timeout: g.Timeout.Duration()}
	}
	return gates
}

func (e *env) gateCommands() []string {
	cmds := make([]string, len(e.cfg.Gates))
	for i, g := range e.cfg.Gates {
		cmds[i] = g.Command
	}
	return cmds
}

func (e *env) gateRunner() *checks.Runner {
	return checks.NewRunner(&checks.ExecRunner{}, os.Stderr, e.logger)
}

func (e *env) prompts() *prompt.Builder {
	return &prompt.Builder{
		OverrideDir:  e.cfg.Generation.TemplatesDir,
		GateCommands: e.gateCommands(),
		Forbidden:    e.cfg.Policy.ForbiddenPaths,
		ProjectRules: e.cfg.Generation.ProjectRules,
	}
}

func (e *env) host(ctx context.Context) (github.Host, error) {
	runner := &github.ExecRunner{}
	if e.cfg.Host.Provider == "api" {
		return github.NewAPIClient(ctx, e.cfg.Host.Repository, e.cfg.Host.Token.Value(), runner)
	}
	return github.NewClientWithGit(runner, runner), nil
}

func (e *env) transactions(ctx context.Context) (*txn.Manager, error) {
	host, err := e.host(ctx)
	if err != nil {
		return nil, err
	}
	return txn.New(e.wt, e.gateRunner(), host, e.store, txn.Config{
		Gates:  e.gates(),
		Remote: e.cfg.Run.Remote,
		Base:   e.cfg.Run.Base,
	}, e.logger), nil
}

// journal opens the run journal, or a no-op recorder when no DSN is set.
// An unreachable database is logged and the run continues without it.
func (e *env) journal(ctx context.Context) (journal.Recorder, func()) {
	if !e.cfg.Journal.DSN.IsSet() {
		return journal.Nop{}, func() {}
	}
	j, err := journal.Open(ctx, e.cfg.Journal.DSN.Value())
	if err != nil {
		e.logger.Warn("journal unavailable", zap.Error(err))
		return journal.Nop{}, func() {}
	}
	if err := j.Migrate(ctx); err != nil {
		e.logger.Warn("journal migrate", zap.Error(err))
	}
	return j, func() { j.Close(context.Background()) }
}

func (e *env) pushMetrics(ctx context.Context, m *metrics.Metrics, runID string) {
	if e.cfg.Metrics.Pushgateway == "" {
		return
	}
	if err := m.Push(ctx, e.cfg.Metrics.Pushgateway, e.cfg.Metrics.Job, runID); err != nil {
		e.logger.Warn("push metrics", zap.Error(err))
	}
}

// refreshBundle runs run.bundle_command. A non-zero exit aborts the run
// with that exit code.
func (e *env) refreshBundle(ctx context.Context) error {
	command := strings.TrimSpace(e.cfg.Run.BundleCommand)
	if command == "" {
		return nil
	}
	e.logger.Info("refreshing prompt bundle", zap.String("command", command))
	code, err := (&checks.ExecRunner{}).Run(ctx, e.dir, command, os.Stderr)
	if err != nil {
		return fmt.Errorf("bundle command: %w", err)
	}
	if code != 0 {
		return &pipeline.Error{
			Kind:     pipeline.KindPrecondition,
			Op:       "bundle",
			ExitCode: code,
			Err:      fmt.Errorf("%q exited with code %d", command, code),
		}
	}
	return nil
}

// readInputs reads the prompt bundle and the task.
func (e *env) readInputs() (string, pipeline.Task, error) {
	bundlePath := e.path(e.cfg.Run.BundlePath)
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return "", pipeline.Task{}, pipeline.Errorf(pipeline.KindPrecondition, "read bundle", "bundle not found: %s", bundlePath)
	}
	taskPath := e.path(e.cfg.Run.TaskPath)
	raw, err := os.ReadFile(taskPath)
	if err != nil {
		return "", pipeline.Task{}, pipeline.Errorf(pipeline.KindPrecondition, "read task", "task file is required: %s", taskPath)
	}
	task := pipeline.ParseTask(string(raw))
	if task.Description == "" {
		return "", pipeline.Task{}, pipeline.Errorf(pipeline.KindPrecondition, "read task", "task file is empty: %s", taskPath)
	}
	return string(bundle), task, nil
}
