// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent coordination timing configuration.
// Values are in seconds; defaults match the protocol contract.
type AgentConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // ping period
	SweepInterval     int `mapstructure:"sweepInterval"`     // staleness sweep period
	StaleAfter        int `mapstructure:"staleAfter"`        // lastSeen age before disconnect
	AckTimeout        int `mapstructure:"ackTimeout"`        // command ack deadline
	ShutdownDrain     int `mapstructure:"shutdownDrain"`     // pending-command drain on shutdown
}

// SecretsConfig holds the secrets box configuration.
type SecretsConfig struct {
	KeyDir string `mapstructure:"keyDir"` // directory containing the master key
}

// ProxyConfig holds reverse-proxy controller configuration.
// An empty ReloadCommand disables reloads (no-op controller).
type ProxyConfig struct {
	ConfigPath    string `mapstructure:"configPath"`
	ReloadCommand string `mapstructure:"reloadCommand"`
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

// HeartbeatIntervalDuration returns the ping period as a time.Duration.
func (a *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// SweepIntervalDuration returns the sweep period as a time.Duration.
func (a *AgentConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(a.SweepInterval) * time.Second
}

// StaleAfterDuration returns the staleness window as a time.Duration.
func (a *AgentConfig) StaleAfterDuration() time.Duration {
	return time.Duration(a.StaleAfter) * time.Second
}

// AckTimeoutDuration returns the ack deadline as a time.Duration.
func (a *AgentConfig) AckTimeoutDuration() time.Duration {
	return time.Duration(a.AckTimeout) * time.Second
}

// ShutdownDrainDuration returns the shutdown drain window as a time.Duration.
func (a *AgentConfig) ShutdownDrainDuration() time.Duration {
	return time.Duration(a.ShutdownDrain) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OWNPREM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./ownprem.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ownprem")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ownprem")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ownprem-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent coordination defaults (protocol contract values)
	v.SetDefault("agent.heartbeatInterval", 30)
	v.SetDefault("agent.sweepInterval", 30)
	v.SetDefault("agent.staleAfter", 90)
	v.SetDefault("agent.ackTimeout", 10)
	v.SetDefault("agent.shutdownDrain", 30)

	// Secrets defaults
	v.SetDefault("secrets.keyDir", defaultSecretsDir())

	// Proxy defaults - empty reload command disables reloads
	v.SetDefault("proxy.configPath", "/etc/ownprem/proxy.conf")
	v.SetDefault("proxy.reloadCommand", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultSecretsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ownprem"
	}
	return home + "/.ownprem"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OWNPREM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ownprem/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OWNPREM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.dbName", "OWNPREM_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "OWNPREM_DATABASE_SSL_MODE")
	_ = v.BindEnv("nats.clientId", "OWNPREM_NATS_CLIENT_ID")
	_ = v.BindEnv("secrets.keyDir", "OWNPREM_SECRETS_KEY_DIR")
	_ = v.BindEnv("proxy.reloadCommand", "OWNPREM_PROXY_RELOAD_COMMAND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ownprem/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, "agent.heartbeatInterval must be positive")
	}
	if cfg.Agent.StaleAfter <= cfg.Agent.HeartbeatInterval {
		errs = append(errs, "agent.staleAfter must be larger than agent.heartbeatInterval")
	}
	if cfg.Agent.AckTimeout <= 0 {
		errs = append(errs, "agent.ackTimeout must be positive")
	}

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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
