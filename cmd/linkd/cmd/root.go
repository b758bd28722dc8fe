package cmd

import (
	"fmt"
	"os"

	"github.com/pilab-dev/shadow-link/config"
	applog "github.com/pilab-dev/shadow-link/log"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const AppName = "linkd"

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           AppName,
	Short:         "linkd runs the OAuth identity linking service",
	Long:          `linkd serves the OAuth start and callback endpoints, keeps linked provider tokens fresh and cleans up expired authorization requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			applog.Setup(applog.Options{Level: "info"})
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		applog.Setup(applog.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
		log.Debug().Str("command", cmd.Name()).Msg("Configuration loaded")
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("linkd failed")
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./shadow_link.yaml, /etc/shadow-link/ or $HOME/.shadow-link/)")

	rootCmd.AddCommand(serveCmd, refreshTokensCmd, cleanupCmd)
}
