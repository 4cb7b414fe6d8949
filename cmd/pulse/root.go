package main

import (
	"github.com/spf13/cobra"

	"pulse/internal/config"
	"pulse/internal/logging"
)

var version = "0.1.0"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pulse",
		Short:         "Stream-native AI agent",
		Long:          "Pulse is a conversational AI agent built on an append-only streaming SQL database.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(
		newAgentCmd(),
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
	)
	return root
}

// loadConfig loads configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	switch cfg.LogLevel {
	case "debug":
		logging.SetLevel(logging.DEBUG)
	case "warn":
		logging.SetLevel(logging.WARN)
	case "error":
		logging.SetLevel(logging.ERROR)
	default:
		logging.SetLevel(logging.INFO)
	}
	return cfg, nil
}
