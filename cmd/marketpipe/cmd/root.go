// Package cmd implements the CLI commands for marketpipe.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "marketpipe",
	Short:   "Three-stage market analysis pipeline",
	Version: version.Short(),
	Long: `marketpipe runs market analyses as three-stage pipeline sessions:
Stage 1 collects a research corpus from search and content providers,
Stage 2 studies the corpus with AI providers under a time budget, and
Stage 3 compiles the accumulated expertise into a markdown report.

Session state and stage artifacts persist on disk, so stages can be run
separately and interrupted sessions can be resumed. The serve command
exposes the pipeline over a REST API with live progress streams; run
executes a pipeline directly from the terminal.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// These flags are deliberately not bound into the config loader.
	// Subcommands check Changed() and only then override the loaded
	// values, preserving the priority:
	// CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/marketpipe, $HOME/.marketpipe)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig loads the configuration, applies CLI logging overrides, and
// installs the process logger. Every subcommand that touches the stack
// starts here.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	// "warning" is a common alias for "warn".
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)

	return cfg, logger, nil
}
