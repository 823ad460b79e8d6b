package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	repoDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "patchloop",
	Short: "patchloop — generate, verify and publish model-written patches",
	Long: `patchloop asks a language model for a unified diff and a change description,
checks the diff, applies it on a throwaway branch, runs the quality gates, and
only then commits, pushes and opens a pull request.

Failed attempts are fed back to the model, up to run.max_attempts times. Every
failed transaction restores the working copy to where it started.

Artifacts (patch, descriptions, raw output, gate logs) are written to
run.artifacts_dir, .ai by default.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context, which stops running gates and model calls.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to patchloop.yaml (default: search ./patchloop.yaml, ~/.patchloop/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&repoDir, "dir", "C", ".", "repository working copy")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(journalCmd)
}
