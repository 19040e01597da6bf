package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
)

var (
	configInitUser  bool
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View or create conductor configuration.

Configuration is read from ~/.config/conductor/config.yaml, merged with a
project-level .conductor.yaml found in the current directory or a parent,
and overridden by CONDUCTOR_* environment variables
(e.g. CONDUCTOR_BUDGET_TOTAL=50000).`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		displayConfig(os.Stdout, cfg)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Long: `Write the default configuration to .conductor.yaml in the current
directory, or to the user config file with --user.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ProjectConfigName
		if configInitUser {
			path = config.GetUserConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveTo(config.Default(), path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		abs, _ := filepath.Abs(path)
		fmt.Printf("%s Wrote %s\n", color.GreenString("✓"), abs)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitUser, "user", false, "Write the user config instead of the project config")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

// displayConfig prints all configuration values with the API key masked.
func displayConfig(w io.Writer, cfg *config.Config) {
	keyDisplay := "(not set)"
	if key, err := config.GetAPIKey(cfg); err == nil {
		keyDisplay = config.MaskAPIKey(key)
	}

	approval := "(none)"
	if len(cfg.Middleware.ApprovalTools) > 0 {
		approval = strings.Join(cfg.Middleware.ApprovalTools, ",")
	}

	fmt.Fprintf(w, "credentials: %s\n", config.GetAPIKeySource(cfg))
	fmt.Fprintf(w, "anthropic.api_key: %s\n", keyDisplay)
	fmt.Fprintf(w, "anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Fprintf(w, "anthropic.max_tokens: %d\n", cfg.Anthropic.MaxTokens)
	fmt.Fprintf(w, "anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Fprintf(w, "anthropic.region: %s\n", cfg.Anthropic.Region)
	fmt.Fprintf(w, "budget.total: %d\n", cfg.Budget.Total)
	fmt.Fprintf(w, "budget.soft_limit_ratio: %.2f\n", cfg.Budget.SoftLimitRatio)
	fmt.Fprintf(w, "budget.hard_limit_ratio: %.2f\n", cfg.Budget.HardLimitRatio)
	fmt.Fprintf(w, "budget.max_throttle: %s\n", cfg.Budget.MaxThrottle)
	fmt.Fprintf(w, "budget.initial_estimate: %d\n", cfg.Budget.InitialEstimate)
	fmt.Fprintf(w, "budget.window: %d\n", cfg.Budget.Window)
	fmt.Fprintf(w, "scheduler.max_concurrent: %d\n", cfg.Scheduler.MaxConcurrent)
	fmt.Fprintf(w, "scheduler.max_depth: %d\n", cfg.Scheduler.MaxDepth)
	fmt.Fprintf(w, "scheduler.timeout: %s\n", cfg.Scheduler.Timeout)
	fmt.Fprintf(w, "orchestrator.max_parallel: %d\n", cfg.Orchestrator.MaxParallel)
	fmt.Fprintf(w, "orchestrator.node_timeout: %s\n", cfg.Orchestrator.NodeTimeout)
	fmt.Fprintf(w, "orchestrator.event_buffer: %d\n", cfg.Orchestrator.EventBuffer)
	fmt.Fprintf(w, "orchestrator.checkpoint: %t\n", cfg.Orchestrator.Checkpoint)
	fmt.Fprintf(w, "middleware.max_attempts: %d\n", cfg.Middleware.MaxAttempts)
	fmt.Fprintf(w, "middleware.retry_attempts: %d\n", cfg.Middleware.RetryAttempts)
	fmt.Fprintf(w, "middleware.retry_backoff: %s\n", cfg.Middleware.RetryBackoff)
	fmt.Fprintf(w, "middleware.cache_ttl: %s\n", cfg.Middleware.CacheTTL)
	fmt.Fprintf(w, "middleware.approval_tools: %s\n", approval)
	fmt.Fprintf(w, "middleware.audit: %t\n", cfg.Middleware.Audit)
	fmt.Fprintf(w, "middleware.logging: %t\n", cfg.Middleware.Logging)
	fmt.Fprintf(w, "state.path: %s\n", cfg.State.Path)
	fmt.Fprintf(w, "state.retention: %s\n", cfg.State.Retention)
	fmt.Fprintf(w, "state.keep_checkpoints: %d\n", cfg.State.KeepCheckpoints)
	fmt.Fprintf(w, "logging.debug: %t\n", cfg.Logging.Debug)
	fmt.Fprintf(w, "logging.file: %s\n", cfg.Logging.File)
}
