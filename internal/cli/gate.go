package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/patchloop/internal/checks"
	"github.com/lucasnoah/patchloop/internal/pipeline"
)

var gateCmd = &cobra.Command{
	Use:   "gate [gate-names...]",
	Short: "Run the configured gates against the current working copy",
	Long: `Runs the configured gates in order, or only the named ones, and stops at
the first failure. The log is written to gates.log in the artifacts directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		e, err := setup(false)
		if err != nil {
			return err
		}
		defer e.logger.Sync()

		gates, err := selectGates(e.gates(), args)
		if err != nil {
			return err
		}
		if len(gates) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No gates configured.")
			return nil
		}

		gate, err := e.gateRunner().RunGate(cmd.Context(), e.dir, gates)
		if gate != nil {
			if werr := e.store.WriteGateLog(gate.Log); werr != nil {
				e.logger.Warn("write gate log", zap.Error(werr))
			}
		}
		if err != nil {
			return fmt.Errorf("run gates: %w", err)
		}

		out := cmd.OutOrStdout()
		if format == "json" {
			jsonStr, err := gate.JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, jsonStr)
		} else {
			for _, c := range gate.Checks {
				status := "PASS"
				if !c.Passed {
					status = "FAIL"
				}
				fmt.Fprintf(out, "[%s] %s — %s (%dms)\n", status, c.Gate, c.Summary, c.DurationMs)
			}
		}

		if !gate.Passed {
			if err := e.store.PreserveGateLog(); err != nil {
				e.logger.Warn("preserve gate log", zap.Error(err))
			}
			return &pipeline.Error{
				Kind:     pipeline.KindGate,
				Op:       "gate " + gate.FailedGate,
				ExitCode: gate.ExitCode,
				Err:      fmt.Errorf("gate %q failed at position %d, see %s", gate.FailedGate, gate.Position, e.store.GateLogPath()),
			}
		}
		return nil
	},
}

// selectGates keeps the named gates in configured order.
func selectGates(all []checks.Gate, names []string) ([]checks.Gate, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]bool, len(all))
	for _, g := range all {
		byName[g.Name] = true
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if !byName[n] {
			return nil, fmt.Errorf("gate %q not defined in config", n)
		}
		want[n] = true
	}
	var out []checks.Gate
	for _, g := range all {
		if want[g.Name] {
			out = append(out, g)
		}
	}
	return out, nil
}

func init() {
	gateCmd.Flags().String("format", "text", "output format: text or json")
}
