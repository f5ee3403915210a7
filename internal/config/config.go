// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Git      GitConfig      `mapstructure:"git"`
	Budget   BudgetConfig   `mapstructure:"budget"`
}

// DatabaseConfig holds database configuration. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration.
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
	Context  LogContextConfig  `mapstructure:"context"`
}

// LogContextConfig controls which contextual fields are attached to log
// entries.
type LogContextConfig struct {
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
	IncludeCaller    bool `mapstructure:"include_caller"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings (lumberjack).
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogSamplingConfig defines log sampling settings.
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	Backend  string         `mapstructure:"backend"` // "memory", "redis", "temporal"
	Redis    RedisConfig    `mapstructure:"redis"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// RedisConfig holds connection settings for the redis queue backend.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	QueueName string `mapstructure:"queue_name"`
}

// TemporalConfig holds connection settings for the temporal queue backend.
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIToken       string        `mapstructure:"api_token"`
	WebhookToken   string        `mapstructure:"webhook_token"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// EngineConfig holds default AI engine CLI configuration.
type EngineConfig struct {
	DefaultEngine   string            `mapstructure:"default_engine"`
	DefaultModel    string            `mapstructure:"default_model"`
	PlanningModel   string            `mapstructure:"planning_model"`
	DecomposeModel  string            `mapstructure:"decompose_model"`
	ExecModel       string            `mapstructure:"exec_model"`
	QAModel         string            `mapstructure:"qa_model"`
	CLIPath         string            `mapstructure:"cli_path"`
	Sandbox         SandboxConfig     `mapstructure:"sandbox"`
	Env             map[string]string `mapstructure:"env"`
	Timeout         time.Duration     `mapstructure:"timeout"`
}

// SandboxConfig controls the docker-backed sandbox engine.
type SandboxConfig struct {
	Image      string `mapstructure:"image"`
	DockerHost string `mapstructure:"docker_host"`
	Network    string `mapstructure:"network"`
}

// GitConfig holds worktree management configuration.
type GitConfig struct {
	WorktreeBasePath string `mapstructure:"worktree_base_path"`
	CIProvider       string `mapstructure:"ci_provider"` // "github" or "gitlab"
}

// BudgetConfig holds token budget enforcement configuration.
type BudgetConfig struct {
	MaxTokensPerStep     int    `mapstructure:"max_tokens_per_step"`
	MaxTokensPerProtocol int    `mapstructure:"max_tokens_per_protocol"`
	Mode                 string `mapstructure:"mode"` // "strict", "warn", "off"
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stepforge/")
		v.AddConfigPath("$HOME/.stepforge")
	}

	v.SetEnvPrefix("STEPFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "stepforge.db",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
			Output: []LogOutputConfig{
				{Type: "console", Enabled: true},
			},
		},
		Queue: QueueConfig{
			Backend:      "memory",
			PollInterval: 2 * time.Second,
			MaxAttempts:  5,
			Redis: RedisConfig{
				QueueName: "stepforge:jobs",
			},
			Temporal: TemporalConfig{
				Namespace: "default",
				TaskQueue: "stepforge-jobs",
			},
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Engine: EngineConfig{
			DefaultEngine: "stub",
			DefaultModel:  "default",
			Timeout:       10 * time.Minute,
			Sandbox: SandboxConfig{
				Image: "stepforge/engine-sandbox:latest",
			},
		},
		Git: GitConfig{
			WorktreeBasePath: "~/.stepforge/worktrees",
			CIProvider:       "github",
		},
		Budget: BudgetConfig{
			MaxTokensPerStep:     40000,
			MaxTokensPerProtocol: 400000,
			Mode:                 "warn",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values.
func (c *AppConfig) expandPaths() {
	if c.Git.WorktreeBasePath != "" {
		c.Git.WorktreeBasePath = expandPath(c.Git.WorktreeBasePath)
	}
	if c.Database.Path != "" {
		c.Database.Path = expandPath(c.Database.Path)
	}
	if c.Engine.Sandbox.DockerHost != "" {
		c.Engine.Sandbox.DockerHost = expandPath(c.Engine.Sandbox.DockerHost)
	}
}

// expandPath expands ~ to the home directory and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Queue.Backend {
	case "memory", "redis", "temporal":
	default:
		return fmt.Errorf("unsupported queue backend: %s", c.Queue.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Budget.Mode {
	case "strict", "warn", "off":
	default:
		return fmt.Errorf("budget.mode must be strict, warn, or off, got: %s", c.Budget.Mode)
	}

	return nil
}

// GetDSN returns the database connection string, preferring an explicit URL.
func (dc *DatabaseConfig) GetDSN() string {
	if dc.URL != "" {
		return dc.URL
	}
	switch dc.Driver {
	case "sqlite":
		path := dc.Path
		if path == "" || path == ":memory:" {
			return "file::memory:?cache=shared"
		}
		return path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}

// IsPostgres reports whether the configured driver is postgres.
func (dc *DatabaseConfig) IsPostgres() bool {
	return dc.Driver == "postgres"
}
