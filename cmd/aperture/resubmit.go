package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/aperture/internal/api"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/internal/infrastructure"
)

func newResubmitCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <hash>",
		Short: "Retry annotation task creation for an error or orphaned image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := strings.ToLower(args[0])
			if !content.ValidHash(hash) {
				return images.ErrInvalidHash
			}

			cfg, err := load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			infra, err := infrastructure.New(cfg)
			if err != nil {
				return err
			}
			defer infra.Lifecycle.Shutdown(cfg.ShutdownTimeoutDuration())

			if err := infra.Start(); err != nil {
				return err
			}
			if err := infra.Lifecycle.WaitForStartup(); err != nil {
				return err
			}

			domain := api.NewDomain(cfg, api.NewRuntime(cfg, infra))

			img, err := domain.Images.FindByHash(cmd.Context(), hash)
			if err != nil {
				return err
			}

			updated, err := domain.Ingest.Resubmit(cmd.Context(), img.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(updated)
		},
	}
}
