// Zest is a coding assistant that drives an LLM through fixed workflows
// (test generation, code review, commit messages) and an interactive,
// tool-using agent loop.
//
// Usage:
//
//	zest serve                         # HTTP API, chat bridge on /ws
//	zest run test-generation --target calc/adder.go --line 12
//	zest ask "where is the retry logic?"
//	zest tools
//
// Configuration comes from ZEST_* environment variables layered over an
// optional YAML file (--config or ZEST_CONFIG).
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zps-zest/zest/internal/config"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := buildRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "zest",
		Short:        "Zest - LLM coding workflows with tool calls",
		Version:      config.Defaults().Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ZEST_CONFIG"),
		"Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildAskCmd(),
		buildToolsCmd(),
	)
	return root
}

// loadConfig resolves configuration and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}
