// Command server runs the phone intake assistant.
//
// Start the service:
//
//	intake serve --config intake.yaml
//
// Apply the database schema:
//
//	intake migrate
//
// Configuration comes from an optional YAML file plus environment variables
// (DATABASE_URL, OPENAI_API_KEY, TWILIO_AUTH_TOKEN, DEEPGRAM_API_KEY,
// SMTP_HOST and friends); the environment always wins.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"intake-assistant/internal/config"
	"intake-assistant/internal/observability"
)

// Build information, set with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "intake",
		Short:        "Phone intake assistant for law firms",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INTAKE_CONFIG"), "Path to YAML config file")
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildSweepCmd(),
		buildWatchCmd(),
	)
	return root
}

// loadConfig reads configuration and builds the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
