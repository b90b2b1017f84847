// Package config provides configuration management for Hive.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Hive.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Setup     SetupConfig     `mapstructure:"setup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WorkspaceConfig locates the main repository Hive manages cells for.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"` // main repository root (HIVE_WORKSPACE_ROOT)
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`          // sqlite file path; empty derives from workspace root
	MigrationsDir string `mapstructure:"migrationsDir"` // optional on-disk migrations (HIVE_MIGRATIONS_DIR)
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds coding-agent server configuration.
type AgentConfig struct {
	ServerURL     string `mapstructure:"serverUrl"`     // base URL of the opencode server
	Password      string `mapstructure:"password"`      // basic-auth password, empty for none
	CredentialDir string `mapstructure:"credentialDir"` // override for ~/.local/share/opencode
}

// SetupConfig holds template setup execution configuration.
type SetupConfig struct {
	CommandTimeoutMs int `mapstructure:"commandTimeoutMs"` // per-command timeout (HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DefaultSetupCommandTimeout is the per-command template setup timeout used
// when no override is configured.
const DefaultSetupCommandTimeout = 300 * time.Second

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", "")

	v.SetDefault("database.path", "")
	v.SetDefault("database.migrationsDir", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agent.serverUrl", "http://127.0.0.1:4096")
	v.SetDefault("agent.password", "")
	v.SetDefault("agent.credentialDir", "")

	v.SetDefault("setup.commandTimeoutMs", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("HIVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HIVE_ with snake_case naming.
// The config file is hive.yaml in the current directory or ~/.hive/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase keys, so bind the spec'd
	// environment variables explicitly.
	_ = v.BindEnv("workspace.root", "HIVE_WORKSPACE_ROOT")
	_ = v.BindEnv("database.migrationsDir", "HIVE_MIGRATIONS_DIR")
	_ = v.BindEnv("setup.commandTimeoutMs", "HIVE_TEMPLATE_SETUP_COMMAND_TIMEOUT_MS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "HIVE_LOGGING_LEVEL")
	_ = v.BindEnv("agent.serverUrl", "HIVE_AGENT_SERVER_URL")

	v.SetConfigName("hive")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".hive"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration consistency and fills derivable fields.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Workspace.Root != "" && !filepath.IsAbs(cfg.Workspace.Root) {
		abs, err := filepath.Abs(cfg.Workspace.Root)
		if err != nil {
			errs = append(errs, "workspace.root could not be resolved to an absolute path")
		} else {
			cfg.Workspace.Root = abs
		}
	}

	if cfg.Database.Path == "" && cfg.Workspace.Root != "" {
		cfg.Database.Path = filepath.Join(cfg.Workspace.Root, ".hive", "hive.db")
	}

	if cfg.Setup.CommandTimeoutMs < 0 {
		errs = append(errs, "setup.commandTimeoutMs must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SetupCommandTimeout returns the effective per-command template setup
// timeout, coercing non-positive overrides back to the default.
func (c *SetupConfig) SetupCommandTimeout() time.Duration {
	if c.CommandTimeoutMs > 0 {
		return time.Duration(c.CommandTimeoutMs) * time.Millisecond
	}
	return DefaultSetupCommandTimeout
}
