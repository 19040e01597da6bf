// Package config handles configuration loading and management for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/conductor/internal/budget"
)

// ProjectConfigName is the file name searched for in the working directory
// and its parents.
const ProjectConfigName = ".conductor.yaml"

// EnvPrefix prefixes environment overrides, e.g. CONDUCTOR_BUDGET_TOTAL.
const EnvPrefix = "CONDUCTOR"

// Config holds all configuration for conductor.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Budget       BudgetConfig       `mapstructure:"budget"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Middleware   MiddlewareConfig   `mapstructure:"middleware"`
	State        StateConfig        `mapstructure:"state"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	// UseBedrock routes requests through AWS Bedrock using the default
	// AWS credential chain instead of an API key.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	Region     string `mapstructure:"region"`
}

// BudgetConfig holds token budget settings.
type BudgetConfig struct {
	// Total is the token ceiling for a run. Zero means unlimited.
	Total           int64         `mapstructure:"total"`
	SoftLimitRatio  float64       `mapstructure:"soft_limit_ratio"`
	HardLimitRatio  float64       `mapstructure:"hard_limit_ratio"`
	MaxThrottle     time.Duration `mapstructure:"max_throttle"`
	InitialEstimate int64         `mapstructure:"initial_estimate"`
	Window          int           `mapstructure:"window"`
}

// SchedulerConfig holds subagent scheduler settings.
type SchedulerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxDepth      int           `mapstructure:"max_depth"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// OrchestratorConfig holds run loop settings.
type OrchestratorConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	EventBuffer int           `mapstructure:"event_buffer"`
	// Checkpoint enables saving a checkpoint after every completed node.
	Checkpoint bool `mapstructure:"checkpoint"`
}

// MiddlewareConfig holds settings for the builtin middleware.
type MiddlewareConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	// CacheTTL enables the response cache when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// ApprovalTools lists tools that need interactive approval. "*" matches all.
	ApprovalTools []string `mapstructure:"approval_tools"`
	Audit         bool     `mapstructure:"audit"`
	Logging       bool     `mapstructure:"logging"`
}

// StateConfig holds state database settings.
type StateConfig struct {
	// Path overrides the project database location.
	Path string `mapstructure:"path"`
	// Retention is how long finished runs are kept.
	Retention time.Duration `mapstructure:"retention"`
	// KeepCheckpoints is how many checkpoints per run survive a finished run.
	KeepCheckpoints int `mapstructure:"keep_checkpoints"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Debug enables the debug log file under .conductor/logs.
	Debug bool   `mapstructure:"debug"`
	File  string `mapstructure:"file"`
}

// BudgetControllerConfig converts the budget section for budget.New.
func (c *Config) BudgetControllerConfig() budget.Config {
	return budget.Config{
		Total:           c.Budget.Total,
		SoftLimitRatio:  c.Budget.SoftLimitRatio,
		HardLimitRatio:  c.Budget.HardLimitRatio,
		MaxThrottle:     c.Budget.MaxThrottle,
		InitialEstimate: c.Budget.InitialEstimate,
		Window:          c.Budget.Window,
	}
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, CONDUCTOR_*)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path. Environment
// overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

// Watch loads the config at path and calls onChange with the reloaded
// config each time the file is written. Reload errors are passed to onChange
// with a nil config. The watch lasts for the life of the process.
func Watch(path string, onChange func(*Config, error)) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			onChange(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(cfg, nil)
	})
	v.WatchConfig()
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes the configuration to path, creating its directory.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.region", cfg.Anthropic.Region)
	v.Set("budget.total", cfg.Budget.Total)
	v.Set("budget.soft_limit_ratio", cfg.Budget.SoftLimitRatio)
	v.Set("budget.hard_limit_ratio", cfg.Budget.HardLimitRatio)
	v.Set("budget.max_throttle", cfg.Budget.MaxThrottle.String())
	v.Set("budget.initial_estimate", cfg.Budget.InitialEstimate)
	v.Set("budget.window", cfg.Budget.Window)
	v.Set("scheduler.max_concurrent", cfg.Scheduler.MaxConcurrent)
	v.Set("scheduler.max_depth", cfg.Scheduler.MaxDepth)
	v.Set("scheduler.timeout", cfg.Scheduler.Timeout.String())
	v.Set("orchestrator.max_parallel", cfg.Orchestrator.MaxParallel)
	v.Set("orchestrator.node_timeout", cfg.Orchestrator.NodeTimeout.String())
	v.Set("orchestrator.event_buffer", cfg.Orchestrator.EventBuffer)
	v.Set("orchestrator.checkpoint", cfg.Orchestrator.Checkpoint)
	v.Set("middleware.max_attempts", cfg.Middleware.MaxAttempts)
	v.Set("middleware.retry_attempts", cfg.Middleware.RetryAttempts)
	v.Set("middleware.retry_backoff", cfg.Middleware.RetryBackoff.String())
	v.Set("middleware.cache_ttl", cfg.Middleware.CacheTTL.String())
	v.Set("middleware.approval_tools", cfg.Middleware.ApprovalTools)
	v.Set("middleware.audit", cfg.Middleware.Audit)
	v.Set("middleware.logging", cfg.Middleware.Logging)
	v.Set("state.path", cfg.State.Path)
	v.Set("state.retention", cfg.State.Retention.String())
	v.Set("state.keep_checkpoints", cfg.State.KeepCheckpoints)
	v.Set("logging.debug", cfg.Logging.Debug)
	v.Set("logging.file", cfg.Logging.File)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", EnvPrefix+"_ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.State.Path = expandEnv(cfg.State.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Budget.Total < 0 {
		return fmt.Errorf("budget.total must not be negative, got %d", c.Budget.Total)
	}
	if c.Budget.SoftLimitRatio > c.Budget.HardLimitRatio {
		return fmt.Errorf("budget.soft_limit_ratio %.2f exceeds hard_limit_ratio %.2f",
			c.Budget.SoftLimitRatio, c.Budget.HardLimitRatio)
	}
	if c.Orchestrator.MaxParallel < 1 {
		return fmt.Errorf("orchestrator.max_parallel must be at least 1, got %d", c.Orchestrator.MaxParallel)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1, got %d", c.Scheduler.MaxConcurrent)
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", d.Anthropic.APIKey)
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", d.Anthropic.UseBedrock)
	v.SetDefault("anthropic.region", d.Anthropic.Region)

	v.SetDefault("budget.total", d.Budget.Total)
	v.SetDefault("budget.soft_limit_ratio", d.Budget.SoftLimitRatio)
	v.SetDefault("budget.hard_limit_ratio", d.Budget.HardLimitRatio)
	v.SetDefault("budget.max_throttle", d.Budget.MaxThrottle.String())
	v.SetDefault("budget.initial_estimate", d.Budget.InitialEstimate)
	v.SetDefault("budget.window", d.Budget.Window)

	v.SetDefault("scheduler.max_concurrent", d.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.max_depth", d.Scheduler.MaxDepth)
	v.SetDefault("scheduler.timeout", d.Scheduler.Timeout.String())

	v.SetDefault("orchestrator.max_parallel", d.Orchestrator.MaxParallel)
	v.SetDefault("orchestrator.node_timeout", d.Orchestrator.NodeTimeout.String())
	v.SetDefault("orchestrator.event_buffer", d.Orchestrator.EventBuffer)
	v.SetDefault("orchestrator.checkpoint", d.Orchestrator.Checkpoint)

	v.SetDefault("middleware.max_attempts", d.Middleware.MaxAttempts)
	v.SetDefault("middleware.retry_attempts", d.Middleware.RetryAttempts)
	v.SetDefault("middleware.retry_backoff", d.Middleware.RetryBackoff.String())
	v.SetDefault("middleware.cache_ttl", d.Middleware.CacheTTL.String())
	v.SetDefault("middleware.approval_tools", d.Middleware.ApprovalTools)
	v.SetDefault("middleware.audit", d.Middleware.Audit)
	v.SetDefault("middleware.logging", d.Middleware.Logging)

	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("state.retention", d.State.Retention.String())
	v.SetDefault("state.keep_checkpoints", d.State.KeepCheckpoints)

	v.SetDefault("logging.debug", d.Logging.Debug)
	v.SetDefault("logging.file", d.Logging.File)
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
			Region:    "us-east-1",
		},
		Budget: BudgetConfig{
			Total:           200000,
			SoftLimitRatio:  budget.DefaultSoftLimitRatio,
			HardLimitRatio:  budget.DefaultHardLimitRatio,
			MaxThrottle:     budget.DefaultMaxThrottle,
			InitialEstimate: budget.DefaultInitialEstimate,
			Window:          budget.DefaultWindow,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			MaxDepth:      3,
			Timeout:       5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel: 4,
			NodeTimeout: 15 * time.Minute,
			EventBuffer: 100,
			Checkpoint:  true,
		},
		Middleware: MiddlewareConfig{
			MaxAttempts:   10,
			RetryAttempts: 3,
			RetryBackoff:  2 * time.Second,
			Audit:         true,
			Logging:       true,
		},
		State: StateConfig{
			Retention:       30 * 24 * time.Hour,
			KeepCheckpoints: 5,
		},
	}
}
