package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/discovery/internal/config"
)

var (
	configPath string
	envFile    string

	// cfg is loaded by the root command before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Real-time Solana token discovery",
	Long: `discovery watches Solana DEX and token programs for newly created tokens,
enriches them with on-chain and market data, filters them against configurable
safety criteria and publishes the survivors.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config from %s: %w", configPath, err)
		}
		cfg = loaded
		setupLogging(cfg.General, cmd.Name())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/discovery.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional KEY=VALUE file loaded before the config is expanded")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(general config.GeneralConfig, command string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// scan and tail print results on stdout, so their logs go to stderr.
	out := os.Stdout
	if command != "run" {
		out = os.Stderr
	}
	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).
			With().Timestamp().Str("service", "discovery").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(out).
			With().Timestamp().Str("service", "discovery").
			Str("instance", general.InstanceID).Logger()
	}
}
