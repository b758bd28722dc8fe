package cmd

import (
	"fmt"

	"github.com/pilab-dev/shadow-link/internal/refresh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var refreshTokensCmd = &cobra.Command{
	Use:   "refresh-tokens",
	Short: "Run one token refresh cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		comps := newComponents(cfg)
		defer comps.close(ctx)

		links, auditLogger, err := comps.linkStore(ctx)
		if err != nil {
			return err
		}
		registry, err := comps.providers()
		if err != nil {
			return err
		}

		report, err := refresh.NewScheduler(cfg.RefreshConfig(), links, registry, auditLogger).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("refresh cycle failed: %w", err)
		}

		log.Info().
			Int("candidates", report.Candidates).
			Int("refreshed", report.Refreshed).
			Int("failed", report.Failed).
			Int("degraded", report.Degraded).
			Int("skipped", report.Skipped).
			Msg("Refresh cycle finished")
		return nil
	},
}
