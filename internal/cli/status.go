package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-distributor/internal/progress"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted progress of the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.project()
			if err != nil {
				return err
			}
			agg := progress.New(progress.WithStore(progress.NewJSONStore(cfg.ProgressPath())))
			defer agg.Destroy()
			if err := agg.Load(cmd.Context()); err != nil {
				if errors.Is(err, progress.ErrStateNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "No run recorded yet.")
					return nil
				}
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(agg.State())
			}
			return writeStatus(cmd.OutOrStdout(), agg)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the persisted state as JSON")
	return cmd
}

func writeStatus(out io.Writer, agg *progress.Aggregator) error {
	snap := agg.Progress()
	fmt.Fprintf(out, "Run %s: %d%% complete (%d/%d), %d in progress, %d pending, %d failed\n\n",
		agg.RunID(), snap.PercentComplete, snap.CompletedFeatures, snap.TotalFeatures,
		snap.InProgressFeatures, snap.PendingFeatures, snap.FailedFeatures)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tCAPABILITY\tSTATUS\tPROGRESS\tWORKER\tATTEMPTS")
	for _, f := range agg.AllFeatureProgress() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%d\n",
			f.ID, dash(f.Capability), f.Status, f.Progress, dash(f.WorkerID), f.AttemptCount)
	}
	return w.Flush()
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
