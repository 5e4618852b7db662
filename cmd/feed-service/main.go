package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "kapestr/cmd/feed-service/docs"
	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
	"kapestr/pkg/logging"
)

var (
	configFile string
)

// @title           Kapestr Feed Service API
// @version         1.0
// @description     Health, metrics and a read-only view of the Nostr feed pipeline

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceName,
		Short: "Live Nostr feed with author display names",
		Long:  "Feed service subscribes to Nostr relays, resolves author display names and publishes text notes to a sink",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (defaults apply when empty)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the feed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLogger()

			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				earlyLog.Errorw("Failed to load config", "config_file", configFile, "error", err)
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, constants.ServiceName)
			if err != nil {
				earlyLog.Errorw("Failed to init logger", "level", cfg.Logging.Level, "error", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Feed Service", "relays", cfg.Relay.URLs)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				return fmt.Errorf("initialize: %w", err)
			}

			if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", err)
				return err
			}
			log.InfowCtx(ctx, "Shutdown complete")
			return nil
		},
	}
}
