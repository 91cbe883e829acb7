// Package config loads agent configuration from a YAML file, applies
// ZM_-prefixed environment overrides, and validates the result before any
// component starts.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AgentConfig struct {
	InventoryPath      string `yaml:"inventory_path"`
	WatchInventory     bool   `yaml:"watch_inventory"`
	MaxWorkers         int    `yaml:"max_workers"`
	MaxRetries         int    `yaml:"max_retries"`
	ConnectTimeoutMS   int    `yaml:"connect_timeout_ms"`
	DrainTimeoutMS     int    `yaml:"drain_timeout_ms"`
	EventBufferSize    int    `yaml:"event_buffer_size"`
	DefaultIntervalSec int    `yaml:"default_interval_seconds"`
}

type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
	EncryptionKey  string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DBName          string `yaml:"dbname"`
	SSLMode         string `yaml:"ssl_mode"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with workable defaults for a
// single-operator deployment. The API server and database sink stay off
// until explicitly enabled.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			InventoryPath:      "device_list.json",
			WatchInventory:     true,
			MaxWorkers:         50,
			MaxRetries:         5,
			ConnectTimeoutMS:   10000,
			DrainTimeoutMS:     15000,
			EventBufferSize:    256,
			DefaultIntervalSec: 5,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8090,
			ReadTimeoutMS:  15000,
			WriteTimeoutMS: 15000,
		},
		Auth: AuthConfig{
			AdminUsername:  "admin",
			JWTExpiryHours: 24,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			BatchSize:       500,
			FlushIntervalMS: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Agent.InventoryPath == "" {
		return fmt.Errorf("agent.inventory_path is required")
	}
	if c.Agent.MaxWorkers <= 0 {
		return fmt.Errorf("agent.max_workers must be positive")
	}
	if c.Agent.MaxRetries <= 0 {
		return fmt.Errorf("agent.max_retries must be positive")
	}

	if c.Server.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("ZM_AUTH_JWT_SECRET is required when the API server is enabled (minimum 32 characters)")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("jwt_secret must be at least 32 characters")
		}
		if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
			return fmt.Errorf("ZM_AUTH_ADMIN_PASSWORD must be set to a strong password")
		}
	}

	if c.Auth.EncryptionKey != "" && len(c.Auth.EncryptionKey) != 32 {
		return fmt.Errorf("encryption_key must be exactly 32 bytes for AES-256")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host and dbname are required when the database sink is enabled")
		}
	}

	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// applyEnvOverrides checks for environment variables with ZM_ prefix
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZM_AGENT_INVENTORY_PATH"); v != "" {
		cfg.Agent.InventoryPath = v
	}

	if v := os.Getenv("ZM_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ZM_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("ZM_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	if v := os.Getenv("ZM_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("ZM_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ZM_AUTH_ENCRYPTION_KEY"); v != "" {
		cfg.Auth.EncryptionKey = v
	}
}

// GetConnectTimeout returns the per-dial connect timeout as a duration
func (a *AgentConfig) GetConnectTimeout() time.Duration {
	return time.Duration(a.ConnectTimeoutMS) * time.Millisecond
}

// GetDrainTimeout returns the shutdown drain timeout as a duration
func (a *AgentConfig) GetDrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeoutMS) * time.Millisecond
}

// GetDefaultInterval returns the fallback polling interval as a duration
func (a *AgentConfig) GetDefaultInterval() time.Duration {
	return time.Duration(a.DefaultIntervalSec) * time.Second
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetFlushInterval returns the sink flush interval as a duration
func (d *DatabaseConfig) GetFlushInterval() time.Duration {
	return time.Duration(d.FlushIntervalMS) * time.Millisecond
}

// GetDSN returns the PostgreSQL connection string
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// GetJWTExpiry returns JWT expiry as duration
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
