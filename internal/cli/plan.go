package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-distributor/internal/distributor"
	"github.com/kingrea/lattice-distributor/internal/workflow"
	"github.com/kingrea/lattice-distributor/internal/workflow/resolver"
	"github.com/kingrea/lattice-distributor/internal/workflow/scheduler"
)

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON bool
		only   []string
	)
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Show the batches a feature set would run in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := workflow.LoadFeatureSet(args[0])
			if err != nil {
				return err
			}
			features, err := selectFeatures(set.Features, only)
			if err != nil {
				return err
			}
			graph, plan, err := distributor.Prepare(features)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			return writePlan(cmd.OutOrStdout(), graph, plan)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Plan only these features and their dependencies (repeatable)")
	return cmd
}

func writePlan(out io.Writer, graph *resolver.Graph, plan scheduler.Plan) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tFEATURE\tCAPABILITY\tDEPENDS ON")
	for _, batch := range plan.Batches {
		for _, id := range batch.FeatureIDs {
			node, _ := graph.Node(id)
			deps := "-"
			if len(node.Dependencies) > 0 {
				deps = strings.Join(node.Dependencies, ", ")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", batch.Number, id, scheduler.CapabilityOf(node), deps)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	stats := plan.Stats
	fmt.Fprintf(out, "\n%d features in %d batches (widest batch: %d)\n",
		graph.Len(), stats.TotalBatches, stats.MaxWidth)
	capabilities := make([]string, 0, len(stats.Utilization))
	for capability := range stats.Utilization {
		capabilities = append(capabilities, capability)
	}
	sort.Strings(capabilities)
	for _, capability := range capabilities {
		fmt.Fprintf(out, "  %s: up to %d at once\n", capability, stats.Utilization[capability])
	}
	return nil
}
