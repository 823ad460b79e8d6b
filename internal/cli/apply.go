package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/patchloop/internal/patch"
	"github.com/lucasnoah/patchloop/internal/txn"
)

var applyCmd = &cobra.Command{
	Use:   "apply <branch> <commit-title>",
	Short: "Apply the existing patch artifact as one transaction",
	Long: `Applies the patch artifact on a fresh branch and runs the gates. With
--dry-run the working copy is always restored; otherwise the change is
committed, pushed and opened as a pull request using the saved PR body.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.logger.Sync()
		ctx := cmd.Context()

		tx, err := e.transactions(ctx)
		if err != nil {
			return err
		}
		body, err := e.store.ReadDescription()
		if err != nil {
			return err
		}
		if diff, err := e.store.ReadPatch(); err == nil {
			e.logger.Info("applying patch artifact", zap.Strings("files", patch.TouchedPaths(diff)))
		}
		branch, title := branchAndTitle(args)

		mode := txn.Publish
		if dryRun {
			mode = txn.DryRun
		}
		res, err := tx.Run(ctx, txn.Opts{Branch: branch, Title: title, Body: body, Mode: mode})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if dryRun {
			fmt.Fprintf(out, "dry run passed on %s; working copy restored to %s\n", res.Tx.Branch, res.Tx.BaseBranch)
			return nil
		}
		fmt.Fprintf(out, "committed %s on %s\n", res.Commit, res.Tx.Branch)
		if res.PRURL != "" {
			fmt.Fprintf(out, "pull request: %s\n", res.PRURL)
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().Bool("dry-run", false, "apply and gate, then roll back")
}
