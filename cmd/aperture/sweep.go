package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/infrastructure"
)

func newSweepCmd(load configLoader) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale temporary files left by interrupted writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			grace := cfg.Content.TempGraceDuration()
			if cmd.Flags().Changed("older-than") {
				grace = olderThan
			}

			logger := infrastructure.NewLogger(&cfg.Logging, cmd.ErrOrStderr())
			store, err := content.New(&cfg.Content, logger)
			if err != nil {
				return err
			}

			removed, err := store.Sweep(cmd.Context(), grace)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d temp files older than %s\n", removed, grace)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override content.temp_grace (e.g. 30m)")
	return cmd
}
