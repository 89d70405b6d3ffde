package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"appdatabackupd/internal/config"
	"appdatabackupd/internal/daemon"
	"appdatabackupd/internal/logging"
)

var version = "dev"

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	BusDir     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:          "appdatabackupd",
		Short:        "Application data backup participant for the system service bus",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&root.BusDir, "bus-dir", "", "Service bus directory")

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newCallCmd(root))
	rootCmd.AddCommand(newHealthCmd(root))
	rootCmd.AddCommand(newCookiesCmd(root))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func loadConfig(root *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	if root.LogLevel != "" {
		cfg.Log.Level = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Log.Format = root.LogFormat
	}
	if root.BusDir != "" {
		cfg.Bus.Dir = root.BusDir
	}
	return cfg, nil
}

func loadConfigAndLogger(root *rootFlags) (*config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.Configure(cfg.Log.Level, cfg.Log.Format), nil
}

func newServeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Register the backup participant and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger(root)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("version", version).Msg("starting appdatabackupd")
			if err := daemon.New(cfg, logger).Run(ctx); err != nil {
				logger.Error().Err(err).Msg("appdatabackupd stopped with error")
				return err
			}
			logger.Info().Msg("appdatabackupd stopped")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
