// Package cli provides the poolhub command tree.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/poolhub/internal/config"
	"github.com/tomyedwab/poolhub/internal/metrics"
	"github.com/tomyedwab/poolhub/internal/orchestrator"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "poolhub",
	Short: "Supervise pools of worker processes behind a router",
	Long: `poolhub spawns and supervises pools of worker processes: it probes
their health, replaces failed workers, keeps pools within their configured
instance bounds, starts and stops services in dependency order, and
publishes the healthy endpoints for a reverse proxy to route to.

Configuration is read from poolhub.yaml (or --config); every setting can
be overridden with POOLHUB_-prefixed environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger = newLogger(cfg.Settings.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command and maps error classes to exit codes:
// 1 for configuration problems, 2 for services that failed to start.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		if errors.Is(err, orchestrator.ErrStartupFailed) {
			return 2
		}
		return 1
	}
	return 0
}

func init() {
	rootCmd.Version = "0.3.0"
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default poolhub.yaml in . or ops/)")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newOrchestrator builds an orchestrator for the loaded configuration,
// choosing the Prometheus collector when a metrics listener is configured.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	var collector metrics.Collector = metrics.NewNoop()
	if cfg.Settings.MetricsListen != "" {
		collector = metrics.NewPrometheus()
	}
	o, err := orchestrator.New(cfg, logger, collector)
	if err != nil {
		return nil, fmt.Errorf("initializing orchestrator: %w", err)
	}
	return o, nil
}
