// Package main is the entry point for the polis-render binary.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-render/pkg/config"
	"github.com/polisai/polis-render/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultConfigPath = "polis-render.yaml"
	defaultLogLevel   = "info"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-render.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-render",
		Short: "Response transformation service for Polis",
		Long: `polis-render captures the output of an upstream, runs it through a
precompiled transform bound to the request route, and serves the result.

Example:
  polis-render serve --config polis-render.yaml
  polis-render check --config polis-render.yaml
  polis-render render --root ./site --transform /xsl/report.tmpl report.xml`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load .env file if present
			_ = godotenv.Load()

			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	flags.Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(), newCheckCmd(), newRenderCmd())
	return rootCmd
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	if level == "" {
		level = defaultLogLevel
	}
	return logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: pretty,
		Output: cmd.ErrOrStderr(),
	}), nil
}

// loadConfig reads the config file named by the --config flag and applies
// the logging flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	applyLoggingFlags(cmd, cfg)
	return cfg, nil
}

func applyLoggingFlags(cmd *cobra.Command, cfg *config.Config) {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty, _ = cmd.Flags().GetBool("pretty")
	}
}
