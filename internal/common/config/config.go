// Package config provides configuration management for bitk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for bitk.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name string `mapstructure:"name"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Path selects the SQLite file; URL, when set, selects PostgreSQL instead.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds execution engine configuration.
type EngineConfig struct {
	// MaxConcurrent bounds the number of simultaneously running executions.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// MaxLogEntries caps the per-process in-memory log ring.
	MaxLogEntries int `mapstructure:"maxLogEntries"`

	// ReconcileInterval is the period of the stale-session sweep in seconds.
	ReconcileInterval int `mapstructure:"reconcileInterval"`

	// DefaultPermissionMode is used when an execute request omits one.
	DefaultPermissionMode string `mapstructure:"defaultPermissionMode"`
}

// WorkspaceConfig holds workspace path configuration.
type WorkspaceConfig struct {
	// RootPath constrains engine working directories. "/" disables the check.
	RootPath string `mapstructure:"rootPath"`
}

// RuntimeConfig gates the runtime inspection endpoint.
type RuntimeConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReconcileIntervalDuration returns the sweep interval as a time.Duration.
func (e *EngineConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(e.ReconcileInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BITK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service.name", "bitk")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty URL means SQLite at database.path
	v.SetDefault("database.path", "data/bitk.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bitk-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.maxConcurrent", 4)
	v.SetDefault("engine.maxLogEntries", 1000)
	v.SetDefault("engine.reconcileInterval", 60)
	v.SetDefault("engine.defaultPermissionMode", "auto")

	// Workspace defaults - "/" disables the working-directory prefix check
	v.SetDefault("workspace.rootPath", "/")

	// Runtime endpoint defaults
	v.SetDefault("runtime.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BITK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/bitk/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BITK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the unprefixed env vars the deploy scripts use
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "DB_PATH", "BITK_DATABASE_PATH")
	_ = v.BindEnv("database.url", "DATABASE_URL", "BITK_DATABASE_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "BITK_LOGGING_LEVEL")
	_ = v.BindEnv("service.name", "SERVICE_NAME", "BITK_SERVICE_NAME")
	_ = v.BindEnv("runtime.enabled", "ENABLE_RUNTIME_ENDPOINT", "BITK_RUNTIME_ENABLED")
	_ = v.BindEnv("workspace.rootPath", "WORKSPACE_ROOT", "BITK_WORKSPACE_ROOT_PATH")
	_ = v.BindEnv("engine.maxConcurrent", "BITK_ENGINE_MAX_CONCURRENT")
	_ = v.BindEnv("engine.maxLogEntries", "BITK_ENGINE_MAX_LOG_ENTRIES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bitk/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - path required unless a Postgres URL is set
	if cfg.Database.URL == "" && cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.url is not set")
	}

	// Engine validation
	if cfg.Engine.MaxConcurrent <= 0 {
		errs = append(errs, "engine.maxConcurrent must be positive")
	}
	if cfg.Engine.MaxLogEntries <= 0 {
		errs = append(errs, "engine.maxLogEntries must be positive")
	}
	if cfg.Engine.ReconcileInterval <= 0 {
		errs = append(errs, "engine.reconcileInterval must be positive")
	}
	validModes := map[string]bool{"auto": true, "supervised": true, "plan": true, "bypass": true}
	if !validModes[cfg.Engine.DefaultPermissionMode] {
		errs = append(errs, "engine.defaultPermissionMode must be one of: auto, supervised, plan, bypass")
	}

	// Workspace validation
	if cfg.Workspace.RootPath == "" {
		cfg.Workspace.RootPath = "/"
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
