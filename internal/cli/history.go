package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-distributor/internal/history"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs archived yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tCOMPLETE\tFAILED\tPENDING\tOUTCOME")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
					run.ID,
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					run.Duration().Round(time.Millisecond),
					run.Successful, run.Total, run.Failed, run.Pending,
					outcome(run),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	cmd.AddCommand(newHistoryShowCmd(opts), newHistoryPruneCmd(opts))
	return cmd
}

func newHistoryShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the features of one archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%s): %d/%d complete, %d failed, %d pending in %d batches\n",
				run.ID, outcome(run), run.Successful, run.Total, run.Failed, run.Pending, run.Batches)
			if run.Reason != "" {
				fmt.Fprintf(out, "Reason: %s\n", run.Reason)
			}
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tCAPABILITY\tSTATUS\tWORKER\tATTEMPTS\tDURATION\tERROR")
			for _, f := range run.Features {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					f.FeatureID, dash(f.Capability), f.Status, dash(f.WorkerID), f.Attempts,
					f.Duration.Round(time.Millisecond), dash(f.Error))
			}
			return w.Flush()
		},
	}
}

func newHistoryPruneCmd(opts *globalOptions) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest archived runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			removed, err := store.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s).\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 50, "Number of runs to keep")
	return cmd
}

func openHistory(opts *globalOptions) (*history.Store, error) {
	cfg, err := opts.project()
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.HistoryPath())
}

func outcome(run history.Run) string {
	switch {
	case run.Aborted:
		return "aborted"
	case run.Failed > 0:
		return "partial"
	default:
		return "succeeded"
	}
}
