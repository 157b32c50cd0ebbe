package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-distributor/internal/config"
	"github.com/kingrea/lattice-distributor/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	dir      string
	logLevel string
}

// NewRootCmd assembles the lattice-distribute command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "lattice-distribute",
		Short: "Distribute dependent features across a pool of workers",
		Long: `lattice-distribute resolves the dependencies between features, groups them
into batches that can run in parallel, and dispatches each batch to workers
that advertise the required capability. Progress is persisted under .lattice/
so an interrupted run can be resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: "15:04:05"})
			if opts.logLevel != "" {
				if _, err := logging.ParseLevel(opts.logLevel); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", "", "Project directory (default: current directory)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides distribute.yaml")

	cmd.AddCommand(
		newInitCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newResetCmd(opts),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (o *globalOptions) projectDir() (string, error) {
	dir := o.dir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = cwd
	}
	return filepath.Abs(dir)
}

// project loads distribute.yaml for the selected directory.
func (o *globalOptions) project() (*config.Config, error) {
	dir, err := o.projectDir()
	if err != nil {
		return nil, err
	}
	return config.NewConfig(dir)
}

// level returns the flag level, falling back to distribute.yaml.
func (o *globalOptions) level(cfg *config.Config) string {
	if o.logLevel != "" {
		return o.logLevel
	}
	return cfg.LogLevel()
}
