package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-distributor/internal/config"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .lattice/ with a default distribute.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.projectDir()
			if err != nil {
				return err
			}
			if err := config.InitLatticeDir(dir); err != nil {
				return fmt.Errorf("initialize %s: %w", dir, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", filepath.Join(dir, config.LatticeDir, config.ConfigFile))
			return nil
		},
	}
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard persisted run progress so the next run starts fresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.project()
			if err != nil {
				return err
			}
			cleared, err := cfg.Workflow().Reset()
			if err != nil {
				return fmt.Errorf("reset run state: %w", err)
			}
			if !cleared {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to reset.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Run progress cleared.")
			return nil
		},
	}
}
