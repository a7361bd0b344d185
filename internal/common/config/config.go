// Package config provides configuration management for the cloud-agent services.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the cloud-agent services.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Kilo     KiloConfig     `mapstructure:"kilo"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Wrapper  WrapperConfig  `mapstructure:"wrapper"`
	Registry RegistryConfig `mapstructure:"registry"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// IngestConfig holds configuration for the outbound event relay.
type IngestConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`           // ws(s):// base of the ingest endpoint
	ConnectTimeout    int    `mapstructure:"connectTimeout"`    // in seconds
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // in seconds
	BufferCapacity    int    `mapstructure:"bufferCapacity"`    // max buffered events while disconnected
}

// KiloConfig holds configuration for the kilo server (agent backend) process.
type KiloConfig struct {
	Command          string `mapstructure:"command"`          // binary to launch inside the sandbox
	BasePort         int    `mapstructure:"basePort"`         // first port to try per session
	ReadinessTimeout int    `mapstructure:"readinessTimeout"` // seconds to wait for the health endpoint
}

// SandboxConfig holds Docker sandbox accessor configuration.
type SandboxConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// WrapperConfig holds configuration for the per-session wrapper process.
type WrapperConfig struct {
	Port          int `mapstructure:"port"`          // job-control HTTP port inside the sandbox
	MaxRuntime    int `mapstructure:"maxRuntime"`    // per-prompt deadline budget, in seconds
	StartTimeout  int `mapstructure:"startTimeout"`  // seconds to wait for the wrapper to come up
	IdleThreshold int `mapstructure:"idleThreshold"` // seconds without activity before idle
}

// RegistryConfig holds the session-registry service location and retry policy.
type RegistryConfig struct {
	BaseURL      string `mapstructure:"baseUrl"`
	RetryCount   int    `mapstructure:"retryCount"`
	RetryBackoff int    `mapstructure:"retryBackoff"` // initial backoff in milliseconds
}

// NATSConfig holds NATS messaging configuration.
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

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ConnectTimeoutDuration returns the ingest connect timeout as a time.Duration.
func (i *IngestConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(i.ConnectTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (i *IngestConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(i.HeartbeatInterval) * time.Second
}

// MaxRuntimeDuration returns the per-prompt runtime budget as a time.Duration.
func (w *WrapperConfig) MaxRuntimeDuration() time.Duration {
	return time.Duration(w.MaxRuntime) * time.Second
}

// RetryBackoffDuration returns the initial retry backoff as a time.Duration.
func (r *RegistryConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(r.RetryBackoff) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLOUDAGENT_ENV"); env == "production" || env == "prod" {
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

	// Ingest relay defaults
	v.SetDefault("ingest.baseUrl", "")
	v.SetDefault("ingest.connectTimeout", 10)
	v.SetDefault("ingest.heartbeatInterval", 20)
	v.SetDefault("ingest.bufferCapacity", 1000)

	// Kilo server defaults
	v.SetDefault("kilo.command", "kilo-server")
	v.SetDefault("kilo.basePort", 4096)
	v.SetDefault("kilo.readinessTimeout", 20)

	// Sandbox defaults
	v.SetDefault("sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.apiVersion", "1.41")
	v.SetDefault("sandbox.defaultNetwork", "cloudagent-network")

	// Wrapper defaults
	v.SetDefault("wrapper.port", 9889)
	v.SetDefault("wrapper.maxRuntime", 3600)
	v.SetDefault("wrapper.startTimeout", 30)
	v.SetDefault("wrapper.idleThreshold", 60)

	// Session registry defaults
	v.SetDefault("registry.baseUrl", "")
	v.SetDefault("registry.retryCount", 3)
	v.SetDefault("registry.retryBackoff", 500)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cloudagent-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLOUDAGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/cloudagent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLOUDAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("ingest.baseUrl", "CLOUDAGENT_INGEST_BASE_URL")
	_ = v.BindEnv("registry.baseUrl", "CLOUDAGENT_REGISTRY_BASE_URL")
	_ = v.BindEnv("wrapper.port", "WRAPPER_PORT", "CLOUDAGENT_WRAPPER_PORT")
	_ = v.BindEnv("wrapper.maxRuntime", "CLOUDAGENT_WRAPPER_MAX_RUNTIME")
	_ = v.BindEnv("kilo.basePort", "KILO_BASE_PORT", "CLOUDAGENT_KILO_BASE_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cloudagent/")

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

	if cfg.Wrapper.Port <= 0 || cfg.Wrapper.Port > 65535 {
		errs = append(errs, "wrapper.port must be between 1 and 65535")
	}
	if cfg.Wrapper.MaxRuntime <= 0 {
		errs = append(errs, "wrapper.maxRuntime must be positive")
	}

	if cfg.Ingest.BufferCapacity <= 0 {
		errs = append(errs, "ingest.bufferCapacity must be positive")
	}
	if cfg.Ingest.HeartbeatInterval <= 0 {
		errs = append(errs, "ingest.heartbeatInterval must be positive")
	}

	if cfg.Registry.RetryCount < 0 {
		errs = append(errs, "registry.retryCount must not be negative")
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
