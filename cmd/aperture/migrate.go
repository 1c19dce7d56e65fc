package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/JaimeStill/aperture/migrations"
	"github.com/JaimeStill/aperture/pkg/database"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	var (
		up      bool
		down    bool
		steps   int
		version bool
		force   int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			db, err := database.Open(&cfg.Database)
			if err != nil {
				return err
			}

			m, err := database.NewMigrator(db, migrations.FS)
			if err != nil {
				db.Close()
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()

			switch {
			case version:
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(out, "version: none")
					return nil
				}
				if err != nil {
					return fmt.Errorf("get version: %w", err)
				}
				fmt.Fprintf(out, "version: %d, dirty: %v\n", v, dirty)
			case cmd.Flags().Changed("force"):
				if err := m.Force(force); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				fmt.Fprintf(out, "forced to version %d\n", force)
			case up:
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("run up migrations: %w", err)
				}
				fmt.Fprintln(out, "migrations applied successfully")
			case down:
				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("run down migrations: %w", err)
				}
				fmt.Fprintln(out, "migrations reverted successfully")
			case steps != 0:
				if err := m.Steps(steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("run migration steps: %w", err)
				}
				fmt.Fprintf(out, "applied %d migration steps\n", steps)
			default:
				return cmd.Help()
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&up, "up", false, "run all up migrations")
	flags.BoolVar(&down, "down", false, "run all down migrations")
	flags.IntVar(&steps, "steps", 0, "number of migrations (positive=up, negative=down)")
	flags.BoolVar(&version, "version", false, "print current migration version")
	flags.IntVar(&force, "force", -1, "force set version (use with caution)")
	cmd.MarkFlagsMutuallyExclusive("up", "down", "steps", "version", "force")

	return cmd
}
