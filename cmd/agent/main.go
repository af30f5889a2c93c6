package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/node-registration/relay/internal/agent"
	"github.com/node-registration/relay/internal/config"
	"github.com/node-registration/relay/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "node-agent",
		Short:         "Keep this node reachable for relayed shell sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			log := logging.New("agent", logging.Options{Level: cfg.LogLevel, Console: cfg.LogConsole})

			client, err := agent.NewLinkClient(agent.Options{
				APIURL: cfg.APIURL,
				APIKey: cfg.APIKey,
				NodeID: func() (string, error) { return agent.DiscoverNodeID(cfg.MACOverride) },
				Shells: agent.NewSSHShellDialer(cfg.ShellAddr),
				Log:    log,
			})
			if err != nil {
				log.Error().Err(err).Msg("invalid agent configuration")
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("relay", client.URL()).Msg("agent starting")
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("agent stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	return cmd
}
