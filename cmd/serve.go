package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
	"github.com/cottagephilosopher/llm-relay/pkg/logutil"
	"github.com/cottagephilosopher/llm-relay/pkg/relay"
	"github.com/cottagephilosopher/llm-relay/pkg/store"
	"github.com/cottagephilosopher/llm-relay/pkg/wizard"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serveConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "No config found at %s. Running first-time setup wizard.\n", serveConfigPath)
				cfg = config.NewDefaultServerConfig()
				if err := wizard.RunServerWizard(serveConfigPath, cfg); err != nil {
					return fmt.Errorf("first-time setup failed: %w", err)
				}
				cfg, err = config.LoadServerConfig(serveConfigPath)
				if err != nil {
					return fmt.Errorf("load server config after setup: %w", err)
				}
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if err := logutil.Configure(cfg.Logging.Level); err != nil {
				return err
			}

			st, err := store.Open(cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("open relay db: %w", err)
			}
			defer st.Close()

			srv, err := relay.NewServer(cfg, st)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}
