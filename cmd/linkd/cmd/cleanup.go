package cmd

import (
	"github.com/pilab-dev/shadow-link/config"
	"github.com/pilab-dev/shadow-link/internal/authflow"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-expired-pending-requests",
	Short: "Delete expired pending authorization requests and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		switch cfg.FlowStore {
		case config.StoreMemory:
			log.Warn().Msg("flow_store is memory: pending requests live inside the serve process, nothing to clean here")
			return nil
		case config.StoreRedis:
			log.Info().Msg("flow_store is redis: keys expire on their own")
		}

		comps := newComponents(cfg)
		defer comps.close(ctx)

		pending, err := comps.pendingStore(ctx)
		if err != nil {
			return err
		}

		n, err := authflow.NewManager(pending, cfg.PendingRequestTTL).DeleteExpired(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("deleted", n).Msg("Expired pending requests removed")
		return nil
	},
}
