// Package config loads application configuration from the environment with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// WriteMode selects how mutating handlers treat replication.
type WriteMode string

const (
	// WriteModeLocalFirst commits locally and replicates in the background.
	WriteModeLocalFirst WriteMode = "localfirst"
	// WriteModeConfirm makes mutating handlers await remote confirmation.
	WriteModeConfirm WriteMode = "confirm"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"server_address" validate:"required"`
	Environment   string `yaml:"environment"`

	// Storage configuration
	DatabasePath string `yaml:"database_path" validate:"required"`

	// Replication configuration
	RemoteURL     string `yaml:"remote_url" validate:"omitempty,url"`
	AuthToken     string `yaml:"auth_token"`
	SyncURL       string `yaml:"sync_url" validate:"omitempty,url"` // presence implies embedded-replica mode
	SyncInterval  int    `yaml:"sync_interval" validate:"gte=0"`    // seconds; 0 disables periodic sync
	SyncOnStartup bool   `yaml:"sync_on_startup"`                   // gates readiness on first sync

	// Write behavior
	WriteMode WriteMode `yaml:"write_mode" validate:"oneof=localfirst confirm"`

	// Feature flags
	VectorSearch bool `yaml:"vector_search"`

	// Notification configuration
	RelayURL string `yaml:"relay_url"` // base URL of the same-host broadcast relay
	WatchDir string `yaml:"watch_dir"` // legacy document-per-file mode; empty disables

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// MINDMESH_CONFIG, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddress: ":8080",
		Environment:   "development",
		DatabasePath:  "mindmesh.db",
		SyncInterval:  30,
		WriteMode:     WriteModeLocalFirst,
		RelayURL:      "http://127.0.0.1:8080",
		LogLevel:      "info",
	}

	if path := os.Getenv("MINDMESH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.RemoteURL = getEnv("REMOTE_URL", cfg.RemoteURL)
	cfg.AuthToken = getEnv("AUTH_TOKEN", cfg.AuthToken)
	cfg.SyncURL = getEnv("SYNC_URL", cfg.SyncURL)
	cfg.SyncInterval = getEnvInt("SYNC_INTERVAL", cfg.SyncInterval)
	cfg.SyncOnStartup = getEnvBool("SYNC_ON_STARTUP", cfg.SyncOnStartup)
	cfg.WriteMode = WriteMode(getEnv("WRITE_MODE", string(cfg.WriteMode)))
	cfg.VectorSearch = getEnvBool("VECTOR_SEARCH", cfg.VectorSearch)
	cfg.RelayURL = getEnv("RELAY_URL", cfg.RelayURL)
	cfg.WatchDir = getEnv("WATCH_DIR", cfg.WatchDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SyncOnStartup && !c.IsReplica() {
		return fmt.Errorf("SYNC_ON_STARTUP requires embedded-replica mode (SYNC_URL)")
	}
	return nil
}

// IsReplica reports whether the process runs against a local embedded replica
// backed by a remote authoritative store.
func (c *Config) IsReplica() bool {
	return c.SyncURL != ""
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
