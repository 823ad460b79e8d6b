package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/patchloop/internal/llm"
	"github.com/lucasnoah/patchloop/internal/metrics"
	"github.com/lucasnoah/patchloop/internal/orchestrator"
	"github.com/lucasnoah/patchloop/internal/patch"
	"github.com/lucasnoah/patchloop/internal/worktree"
)

const (
	defaultBranch = "feat/ai-run"
	defaultTitle  = "chore: apply ai patch"
)

var runCmd = &cobra.Command{
	Use:   "run [branch] [commit-title]",
	Short: "Generate a patch, verify it with a dry run, then publish it",
	Long: `Reads the prompt bundle and task, asks the model for a diff and a PR body,
validates them and applies them on a throwaway branch with every gate. The
first candidate that passes is committed, pushed and opened as a pull request.

With --dry-run the loop stops after the first passing dry run.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, title := branchAndTitle(args)
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		format, _ := cmd.Flags().GetString("format")

		e, err := setup(true)
		if err != nil {
			return err
		}
		defer e.logger.Sync()
		ctx := cmd.Context()

		if err := e.refreshBundle(ctx); err != nil {
			return err
		}
		bundle, task, err := e.readInputs()
		if err != nil {
			return err
		}

		g := e.cfg.Generation
		client, err := llm.New(llm.Settings{Provider: g.Provider, APIKey: g.APIKey.Value(), BaseURL: g.BaseURL})
		if err != nil {
			return err
		}
		policy, err := patch.NewPolicy(e.cfg.Policy.ForbiddenPaths)
		if err != nil {
			return err
		}
		tx, err := e.transactions(ctx)
		if err != nil {
			return err
		}
		rec, closeJournal := e.journal(ctx)
		defer closeJournal()
		m := metrics.New()

		o := orchestrator.NewOrchestrator(orchestrator.Deps{
			LLM:     client,
			Prompts: e.prompts(),
			Policy:  policy,
			Store:   e.store,
			Tx:      tx,
			Checker: e.wt,
			Journal: rec,
			Metrics: m,
			Logger:  e.logger,
		}, orchestrator.Config{
			MaxAttempts:       e.cfg.Run.MaxAttempts,
			Model:             g.Model,
			MaxTokens:         g.MaxOutputTokens,
			Temperature:       g.Temperature,
			TranslateModel:    g.TranslateModel,
			TranslateLanguage: g.TranslateLanguage,
		})

		e.logger.Info("run started",
			zap.String("branch", branch),
			zap.String("model", g.Model),
			zap.Int("required_files", len(task.RequiredFiles)),
			zap.Bool("dry_run", dryRun))
		report, runErr := o.Run(ctx, orchestrator.RunOpts{
			Branch: branch,
			Title:  title,
			Bundle: bundle,
			Task:   task,
			DryRun: dryRun,
		})
		if report != nil {
			e.pushMetrics(ctx, m, report.RunID)
			if err := printReport(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
		}
		return runErr
	},
}

// branchAndTitle reads the optional positional arguments. The branch name is
// sanitized so it cannot be read as a git option.
func branchAndTitle(args []string) (string, string) {
	branch, title := defaultBranch, defaultTitle
	if len(args) > 0 {
		branch = worktree.SanitizeBranch(args[0])
	}
	if len(args) > 1 {
		title = args[1]
	}
	return branch, title
}

func printReport(w io.Writer, format string, r *orchestrator.Report) error {
	if format == "json" {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	fmt.Fprintf(w, "run %s: %s after %d attempt(s)\n", r.RunID, r.Result, r.Attempts)
	if r.PRURL != "" {
		fmt.Fprintf(w, "pull request: %s\n", r.PRURL)
	}
	return nil
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "stop after the first passing dry run")
	runCmd.Flags().String("format", "text", "output format: text or json")
}
