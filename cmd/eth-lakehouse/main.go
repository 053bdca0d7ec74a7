package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/config"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagMetricsAddr = "metrics-addr"
)

var rootCmd = &cobra.Command{
	Use:           "eth-lakehouse",
	Short:         "Incremental Ethereum ingestion into a layered lakehouse",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	viper.SetEnvPrefix(strings.TrimSuffix(config.EnvPrefix, "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String(flagConfig, "", "YAML config file")
	rootCmd.PersistentFlags().String(flagLogLevel, "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String(flagLogFormat, "", "log format (text, json)")
	rootCmd.PersistentFlags().String(flagMetricsAddr, "", "serve Prometheus metrics on this address")

	for _, f := range []string{flagConfig, flagLogLevel, flagLogFormat, flagMetricsAddr} {
		viper.BindPFlag(f, rootCmd.PersistentFlags().Lookup(f))
	}

	rootCmd.AddCommand(newRunCmd(), newScheduleCmd(), newStateCmd())
}

// loadConfig reads the config file and applies flag overrides, then sets up
// logging and metrics.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString(flagConfig))
	if err != nil {
		return config.Config{}, err
	}
	if v := viper.GetString(flagLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString(flagLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := viper.GetString(flagMetricsAddr); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	metrics.Init("eth_lakehouse")
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server stopped", "component", "main", "error", err)
			}
		}()
	}
	slog.Info("eth-lakehouse starting", "component", "main", "version", Version, "git_sha", GitSHA, "env", cfg.Env)
	return cfg, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "component", "main", "error", err)
		cancel()
		os.Exit(1)
	}
}
