package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/patchloop/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Manage the Postgres run journal",
}

var journalMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the journal schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := openJournal(cmd.Context())
		if err != nil {
			return err
		}
		defer j.Close(context.Background())

		if err := j.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Journal schema is up to date.")
		return nil
	},
}

var journalResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all journal tables and re-create the schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop the journal without --yes")
		}

		j, err := openJournal(cmd.Context())
		if err != nil {
			return err
		}
		defer j.Close(context.Background())

		if err := j.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Journal reset.")
		return nil
	},
}

var journalRunsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recent runs, or the attempts of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		j, err := openJournal(cmd.Context())
		if err != nil {
			return err
		}
		defer j.Close(context.Background())

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if len(args) == 1 {
			attempts, err := j.Attempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ATTEMPT\tSTATE\tOUTCOME\tKIND\tDURATION\tERROR")
			for _, a := range attempts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", a.Attempt, a.State, a.Outcome, a.Kind, a.Duration, firstLine(a.Error))
			}
			return nil
		}

		runs, err := j.RecentRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tSTARTED\tBRANCH\tRESULT\tDRY RUN")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Branch, r.Result, r.DryRun)
		}
		return nil
	},
}

func openJournal(ctx context.Context) (*journal.Journal, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Journal.DSN.IsSet() {
		return nil, fmt.Errorf("journal.dsn is not set (or PATCHLOOP_JOURNAL_DSN)")
	}
	return journal.Open(ctx, cfg.Journal.DSN.Value())
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func init() {
	journalRunsCmd.Flags().Int("limit", 20, "number of runs to list")
	journalResetCmd.Flags().Bool("yes", false, "confirm dropping all recorded runs")
	journalCmd.AddCommand(journalMigrateCmd)
	journalCmd.AddCommand(journalResetCmd)
	journalCmd.AddCommand(journalRunsCmd)
}
