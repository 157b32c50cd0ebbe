package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-distributor/internal/distributor"
	"github.com/kingrea/lattice-distributor/internal/tui"
	"github.com/kingrea/lattice-distributor/internal/workflow"
)

type runOptions struct {
	sequential      bool
	dashboard       bool
	workersPath     string
	resume          bool
	failFast        bool
	continueOnError bool
	maxRetries      int
	only            []string
}

type runResult struct {
	summary distributor.RunSummary
	err     error
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Distribute the features of FILE across the worker pool",
		Long: `Run loads a feature set (YAML, JSON or TOML), computes its batches and
dispatches every feature to a capable worker. Failed features are retried with
backoff. Progress is saved so an interrupted run can continue with --resume.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDistribute(cmd, opts, ro, args[0])
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&ro.sequential, "sequential", false, "Run the features of each batch one at a time")
	flags.BoolVar(&ro.dashboard, "tui", false, "Show the live dashboard")
	flags.StringVar(&ro.workersPath, "workers", "", "Worker roster JSON (overrides distribute.yaml)")
	flags.BoolVar(&ro.resume, "resume", false, "Continue the persisted run, skipping complete features")
	flags.BoolVar(&ro.failFast, "fail-fast", false, "Exit non-zero as soon as the run ends with a failed feature")
	flags.BoolVar(&ro.continueOnError, "continue-on-error", false, "Keep running later batches after a feature fails")
	flags.IntVar(&ro.maxRetries, "max-retries", -1, "Retries per feature (default: distribute.yaml)")
	flags.StringSliceVar(&ro.only, "only", nil, "Run only these features and their dependencies (repeatable)")
	return cmd
}

func runDistribute(cmd *cobra.Command, opts *globalOptions, ro *runOptions, path string) error {
	set, err := workflow.LoadFeatureSet(path)
	if err != nil {
		return err
	}
	if set.Features, err = selectFeatures(set.Features, ro.only); err != nil {
		return err
	}
	cfg, err := opts.project()
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	sessOpts := sessionOptions{level: opts.level(cfg), workersPath: ro.workersPath}
	if !ro.dashboard {
		sessOpts.console = cmd.ErrOrStderr()
	}
	s, err := openSession(sigCtx, cfg, sessOpts)
	if err != nil {
		return err
	}
	defer s.Close()

	req := buildRequest(cmd, cfg.Distribute.Sequential, set, ro)
	// A signal stops the run cleanly so progress is saved as resumable.
	go func() {
		<-sigCtx.Done()
		s.dist.Stop()
	}()

	launch := func() runResult {
		var (
			summary distributor.RunSummary
			err     error
		)
		if ro.resume {
			summary, err = s.dist.Resume(context.Background(), req)
		} else {
			summary, err = s.dist.Distribute(context.Background(), req)
		}
		return runResult{summary: summary, err: err}
	}

	var result runResult
	if ro.dashboard {
		result, err = runDashboard(s, launch)
		if err != nil {
			return err
		}
	} else {
		result = launch()
	}

	if result.err != nil && !errors.Is(result.err, distributor.ErrRunFailed) {
		return result.err
	}
	writeSummary(cmd.OutOrStdout(), result.summary)
	if result.err != nil {
		return result.err
	}
	if result.summary.Aborted {
		return fmt.Errorf("run aborted: %s", result.summary.Reason)
	}
	return nil
}

// selectFeatures narrows features to the closure of only. An empty only keeps
// the whole set.
func selectFeatures(features []workflow.Feature, only []string) ([]workflow.Feature, error) {
	if len(only) == 0 {
		return features, nil
	}
	graph, err := distributor.Analyze(features)
	if err != nil {
		return nil, err
	}
	selected, err := graph.Closure(only...)
	if err != nil {
		return nil, fmt.Errorf("--only: %w", err)
	}
	return selected, nil
}

func buildRequest(cmd *cobra.Command, sequential bool, set workflow.FeatureSet, ro *runOptions) distributor.Request {
	req := distributor.Request{
		Features:        set.Features,
		Sequential:      ro.sequential || set.Runtime.Sequential || sequential,
		FailFast:        ro.failFast,
		ContinueOnError: set.Runtime.ContinueOnError,
		MaxRetries:      set.Runtime.MaxRetries,
	}
	if cmd.Flags().Changed("continue-on-error") {
		value := ro.continueOnError
		req.ContinueOnError = &value
	}
	if ro.maxRetries >= 0 {
		value := ro.maxRetries
		req.MaxRetries = &value
	}
	return req
}

// runDashboard runs launch in the background while the dashboard owns the
// terminal. It returns once both have finished.
func runDashboard(s *session, launch func() runResult) (runResult, error) {
	app := tui.NewApp(s.dist, s.dist.Bus(), tui.WithLogbook(s.journal))
	defer app.Close()
	program := tea.NewProgram(app, tea.WithAltScreen())

	done := make(chan runResult, 1)
	go func() {
		result := launch()
		done <- result
		program.Send(tui.RunFinishedMsg{Summary: result.summary, Err: result.err})
	}()

	if _, err := program.Run(); err != nil {
		s.dist.Stop()
		<-done
		return runResult{}, fmt.Errorf("dashboard: %w", err)
	}
	return <-done, nil
}

func writeSummary(out io.Writer, summary distributor.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEATURE\tSTATUS\tWORKER\tATTEMPTS\tDURATION\tERROR")
	for _, f := range summary.Features {
		worker := f.WorkerID
		if worker == "" {
			worker = "-"
		}
		errText := f.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			f.ID, f.Status, worker, f.AttemptCount, f.Duration().Round(time.Millisecond), errText)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\nRun %s: %d/%d complete, %d failed, %d pending, %d batches in %s\n",
		summary.RunID, summary.Successful, summary.Total, summary.Failed, summary.Pending,
		summary.Batches, summary.Duration().Round(time.Millisecond))
	if summary.Aborted {
		fmt.Fprintf(out, "Aborted: %s. Continue with: lattice-distribute run --resume FILE\n", summary.Reason)
	}
}
