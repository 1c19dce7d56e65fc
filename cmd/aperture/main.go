// Command aperture receives images, forwards them for annotation, and
// reconciles completed annotations back into the local store.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/aperture/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "aperture",
		Short:        "Image receiver with annotation reconciliation",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.toml when present)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newSweepCmd(load),
		newResubmitCmd(load),
	)

	return root
}

type configLoader func() (*config.Config, error)
