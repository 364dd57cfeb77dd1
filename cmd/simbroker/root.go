package main

import (
	"io"
	"log/slog"
	"simbroker/internal/config"
	"simbroker/internal/store"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "simbroker",
	Short: "Simulation job broker",
	Long: `simbroker accepts simulation jobs over HTTP, runs them on a bounded
worker pool and keeps every job record in a transactional store.

Configuration comes from environment variables; flags override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().String("store", "", "Store path (default $STORE_PATH)")
	rootCmd.PersistentFlags().String("store-driver", "", "Store driver: badger, sqlite, memory (default $STORE_DRIVER)")
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) *config.ServiceConfig {
	cfg := config.LoadServiceConfig()
	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		_ = cfg.LogLevel.UnmarshalText([]byte(level))
	}
	if cmd.Flags().Changed("store") {
		cfg.StorePath, _ = cmd.Flags().GetString("store")
	}
	if cmd.Flags().Changed("store-driver") {
		cfg.StoreDriver, _ = cmd.Flags().GetString("store-driver")
	}
	return cfg
}

func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func storeConfig(cfg *config.ServiceConfig) store.Config {
	return store.Config{Driver: cfg.StoreDriver, Path: cfg.StorePath}
}
