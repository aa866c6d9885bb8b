package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"perforay/internal/config"
)

const appName = "perforay"

// NewRootCmd creates the root command for PerfoRay.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Web page performance scanner",
		Long: `PerfoRay measures how long the pages of a site take to download.

A client opens a websocket session, sends the URI to scan and receives one
event before and after every page measurement, followed by the complete
result. The scan command runs the same session against stdout.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "",
		"TOML configuration file (default: $"+config.EnvConfigFile+")")
	cmd.PersistentFlags().String("log-level", "", "Override the configured log level")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the --config file, environment variables and --log-level
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}
