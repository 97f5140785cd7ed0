// Package config provides configuration management for Iris.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Iris.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Agent    AgentConfig    `mapstructure:"agent"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// TeamsFile is the path to the team registry YAML file.
	TeamsFile string `mapstructure:"teamsFile"`
}

// ServerConfig holds listener configuration for the two HTTP surfaces.
type ServerConfig struct {
	Host string `mapstructure:"host"`

	// McpPort serves the MCP tool surface (/sse, /message, /mcp).
	// Remote children reach it through the SSH reverse tunnel.
	McpPort int `mapstructure:"mcpPort"`

	// GatewayPort serves the REST/websocket gateway.
	GatewayPort int `mapstructure:"gatewayPort"`
}

// DatabaseConfig holds session store configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file (sqlite driver only).
	Path string `mapstructure:"path"`

	// PostgreSQL connection fields (postgres driver only).
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// PoolConfig holds process pool configuration.
type PoolConfig struct {
	// MaxProcesses caps the number of live transports.
	MaxProcesses int `mapstructure:"maxProcesses"`

	// HealthCheckInterval is how often dead transports are swept out.
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`

	// SpawnTimeout bounds the wait for a child's init handshake.
	SpawnTimeout time.Duration `mapstructure:"spawnTimeout"`

	// PingMessage is the synthetic first message used to provoke the handshake.
	PingMessage string `mapstructure:"pingMessage"`
}

// TimeoutsConfig holds the orchestrator timeout policy.
type TimeoutsConfig struct {
	// Response is the per-frame stall detector: if no frame arrives within
	// this window the tell is declared stuck and the transport torn down.
	Response time.Duration `mapstructure:"response"`

	// DefaultSend is the caller-side wait applied when a tool call does not
	// specify its own timeout.
	DefaultSend time.Duration `mapstructure:"defaultSend"`

	// Permission bounds how long an "ask" permission request may stay
	// pending before it is denied.
	Permission time.Duration `mapstructure:"permission"`

	// TerminateGrace is how long terminate waits after closing stdin
	// before force-killing the child.
	TerminateGrace time.Duration `mapstructure:"terminateGrace"`
}

// SessionsConfig holds per-session on-disk artifact configuration.
type SessionsConfig struct {
	// Dir is where per-session MCP config files are written.
	Dir string `mapstructure:"dir"`
}

// AgentConfig holds defaults for constructing child launch commands.
type AgentConfig struct {
	// Executable is the agent binary launched for teams that do not
	// override it.
	Executable string `mapstructure:"executable"`

	// ExtraArgs are appended to every launch command.
	ExtraArgs []string `mapstructure:"extraArgs"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
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
	if env := os.Getenv("IRIS_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.mcpPort", 8421)
	v.SetDefault("server.gatewayPort", 8420)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "iris.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "iris")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "iris")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Pool defaults
	v.SetDefault("pool.maxProcesses", 10)
	v.SetDefault("pool.healthCheckInterval", "30s")
	v.SetDefault("pool.spawnTimeout", "90s")
	v.SetDefault("pool.pingMessage", "ping")

	// Timeout defaults
	v.SetDefault("timeouts.response", "120s")
	v.SetDefault("timeouts.defaultSend", "30s")
	v.SetDefault("timeouts.permission", "30s")
	v.SetDefault("timeouts.terminateGrace", "5s")

	// Session artifact defaults
	v.SetDefault("sessions.dir", "~/.iris/sessions")

	// Agent launch defaults
	v.SetDefault("agent.executable", "claude")
	v.SetDefault("agent.extraArgs", []string{})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "iris")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("teamsFile", "teams.yaml")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix IRIS_ with snake_case naming.
// Config file should be named iris.yaml and placed in the current directory or /etc/iris/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("IRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.mcpPort", "IRIS_SERVER_MCP_PORT")
	_ = v.BindEnv("server.gatewayPort", "IRIS_SERVER_GATEWAY_PORT")
	_ = v.BindEnv("pool.maxProcesses", "IRIS_POOL_MAX_PROCESSES")
	_ = v.BindEnv("teamsFile", "IRIS_TEAMS_FILE")

	// Configure config file
	v.SetConfigName("iris")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iris/")

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

	if cfg.Server.McpPort <= 0 || cfg.Server.McpPort > 65535 {
		errs = append(errs, "server.mcpPort must be between 1 and 65535")
	}
	if cfg.Server.GatewayPort <= 0 || cfg.Server.GatewayPort > 65535 {
		errs = append(errs, "server.gatewayPort must be between 1 and 65535")
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
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Pool.MaxProcesses <= 0 {
		errs = append(errs, "pool.maxProcesses must be positive")
	}
	if cfg.Pool.SpawnTimeout <= 0 {
		errs = append(errs, "pool.spawnTimeout must be positive")
	}
	if cfg.Timeouts.Response <= 0 {
		errs = append(errs, "timeouts.response must be positive")
	}
	if cfg.Timeouts.TerminateGrace <= 0 {
		errs = append(errs, "timeouts.terminateGrace must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
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

// ExpandedSessionsDir resolves a leading ~ in the sessions directory.
func (s *SessionsConfig) ExpandedSessionsDir() (string, error) {
	if !strings.HasPrefix(s.Dir, "~") {
		return s.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return home + strings.TrimPrefix(s.Dir, "~"), nil
}
