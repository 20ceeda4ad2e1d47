package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"threatdash/internal/config"
	"threatdash/internal/logging"
)

var (
	logger     *zap.Logger
	cfg        config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "threatdash",
	Short: "Threat intelligence dashboard",
	Long: `threatdash serves the threat intelligence dashboard. It signs users in
against the threat-intel backend, keeps their sessions server side and
renders reports, indicator search and feed administration pages.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		path := configPath
		if path == "" {
			path = os.Getenv("THREATDASH_CONFIG")
		}
		var err error
		cfg, err = config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env: THREATDASH_CONFIG); environment variables override it")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
