package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Budget-aware agent workflow orchestrator",
	Long: `Conductor runs multi-agent workflows described as a dependency graph.

Each node of a workflow is an agent invocation. Nodes run as soon as their
dependencies complete, in parallel up to a limit, under a shared token
budget that throttles and then refuses new work as it runs out. Agents can
dispatch subagents, and every agent and tool call passes through a
middleware chain (logging, audit, approval, caching, retry).

Runs are checkpointed to .conductor/state.db and can be resumed with
'conductor run <file> --resume <run-id>'.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .conductor.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Write a debug log to .conductor/logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config named by --config, or the layered default.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Logging.Debug = true
	}
	return cfg, nil
}
