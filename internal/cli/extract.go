package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/patchloop/internal/patch"
	"github.com/lucasnoah/patchloop/internal/pipeline"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract and validate the patch and PR body from raw model output",
	Long: `Reads raw model output (last-output.txt by default), selects the diff and
description blocks, validates the diff against the task's required files and
the forbidden path policy, and writes patch.diff and the PR body files.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		check, _ := cmd.Flags().GetBool("check")

		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.logger.Sync()

		var raw string
		if input == "" {
			raw, err = e.store.ReadLastOutput()
			if err == nil && raw == "" {
				err = os.ErrNotExist
			}
			input = e.store.LastOutputPath()
		} else {
			var data []byte
			data, err = os.ReadFile(input)
			raw = string(data)
		}
		if err != nil {
			return pipeline.Errorf(pipeline.KindMissingArtifact, "read output", "model output not found: %s", input)
		}

		var task pipeline.Task
		if data, err := os.ReadFile(e.path(e.cfg.Run.TaskPath)); err == nil {
			task = pipeline.ParseTask(string(data))
		}
		policy, err := patch.NewPolicy(e.cfg.Policy.ForbiddenPaths)
		if err != nil {
			return err
		}

		cand, err := patch.DefaultExtractor().Extract(raw)
		if err != nil {
			return err
		}
		v := &patch.Validator{RequiredFiles: task.RequiredFiles, Policy: policy}
		if err := v.Validate(cand); err != nil {
			return err
		}

		if err := e.store.WritePatch(cand.Diff); err != nil {
			return err
		}
		if err := e.store.WriteDescription(cand.Description); err != nil {
			return err
		}
		if err := e.store.WriteTranslatedDescription(cand.Description); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "wrote %s (%d file(s))\n", e.store.PatchPath(), len(patch.TouchedPaths(cand.Diff)))

		if check {
			if msg, err := e.wt.ApplyCheck(e.store.PatchPath()); err != nil {
				return &pipeline.Error{Kind: pipeline.KindApply, Op: "apply check", Log: msg, Err: err}
			}
			fmt.Fprintln(out, "patch applies cleanly")
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().String("input", "", "raw model output file (default: <artifacts>/last-output.txt)")
	extractCmd.Flags().Bool("check", false, "also run git apply --check")
}
